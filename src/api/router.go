package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"finsync-server/src/handlers"
	"finsync-server/src/logging"
	"finsync-server/src/middleware"
	"finsync-server/src/plaid"
	"finsync-server/src/plaidsync"
	"finsync-server/src/repository"
	"finsync-server/src/rules"
)

type Deps struct {
	Transactions repository.TransactionStore
	Rules        repository.RuleWriter
	Categories   repository.CategoryStore
	Items        repository.ItemStore

	Engine      *rules.Engine
	Reconciler  *plaidsync.Reconciler
	Reprocessor handlers.Reprocessor
	Transfers   handlers.TransferDetector
	Scheduler   handlers.Scheduler
	Feed        plaid.Aggregator
	Webhooks    handlers.WebhookVerifier

	JWTSecret            []byte
	AllowedOrigins       []string
	TransferLookbackDays int
	Log                  logrus.FieldLogger
}

func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(logging.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORSMiddleware(d.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/plaid/webhook", handlers.PlaidWebhook(d.Webhooks, d.Scheduler, d.Log))

		// Protected routes
		r.With(middleware.JWTAuthMiddleware(d.JWTSecret)).Group(func(r chi.Router) {
			// Plaid
			r.Post("/plaid/create-link-token", handlers.CreateLinkToken(d.Feed, d.Log))
			r.Post("/plaid/exchange-public-token", handlers.ExchangePublicToken(d.Reconciler, d.Scheduler, d.Log))
			r.Get("/plaid/items", handlers.GetPlaidItems(d.Items, d.Log))
			r.Post("/plaid/items/{item_id}/sync", handlers.SyncItem(d.Items, d.Scheduler, d.Log))
			r.Post("/plaid/sync", handlers.SyncAllItems(d.Reconciler, d.Scheduler, d.Log))

			// Transactions
			r.Get("/transactions", handlers.GetTransactions(d.Transactions, d.Log))
			r.Post("/transactions", handlers.CreateTransactions(d.Transactions, d.Categories, d.Engine, d.Log))
			r.Delete("/transactions", handlers.DeleteTransactions(d.Transactions, d.Log))
			r.Post("/transactions/reprocess", handlers.ReprocessTransactions(d.Reprocessor, d.Log))
			r.Post("/transactions/detect-transfers", handlers.DetectTransfers(d.Transfers, d.Scheduler, d.TransferLookbackDays, d.Log))

			// Transaction Rules
			r.Post("/transaction-rules", handlers.CreateTransactionRule(d.Rules, d.Categories, d.Scheduler, d.Log))
			r.Post("/transaction-rules/trigger", handlers.TriggerTransactionRules(d.Scheduler, d.Log))
			r.Get("/transaction-rules", handlers.GetAllTransactionRules(d.Rules, d.Log))
			r.Get("/transaction-rules/{rule_id}", handlers.GetTransactionRuleByID(d.Rules, d.Log))
			r.Put("/transaction-rules/{rule_id}", handlers.UpdateTransactionRule(d.Rules, d.Categories, d.Scheduler, d.Log))
			r.Delete("/transaction-rules/{rule_id}", handlers.DeleteTransactionRule(d.Rules, d.Scheduler, d.Log))

			// Categories
			r.Get("/categories", handlers.GetCategories(d.Categories, d.Log))
			r.Post("/categories", handlers.CreateCategory(d.Categories, d.Log))
		})
	})

	return r
}
