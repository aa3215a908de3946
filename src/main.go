package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"finsync-server/src/api"
	"finsync-server/src/config"
	"finsync-server/src/db"
	"finsync-server/src/db/memdb"
	sqldb "finsync-server/src/db/sql"
	"finsync-server/src/jobs"
	"finsync-server/src/jobs/inmemory"
	"finsync-server/src/jobs/pgqueue"
	"finsync-server/src/logging"
	"finsync-server/src/plaid"
	"finsync-server/src/plaidsync"
	"finsync-server/src/repository"
	"finsync-server/src/reprocess"
	"finsync-server/src/rules"
	"finsync-server/src/transfers"
)

type stores struct {
	transactions repository.TransactionStore
	rules        repository.RuleWriter
	categories   repository.CategoryStore
	accounts     repository.AccountStore
	items        repository.ItemStore
}

func memoryStores() stores {
	m := memdb.New()
	return stores{m.Transactions(), m.Rules(), m.Categories(), m.Accounts(), m.Items()}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		transactions: sqldb.NewTransactionRepo(pool),
		rules:        sqldb.NewRuleRepo(pool),
		categories:   sqldb.NewCategoryRepo(pool),
		accounts:     sqldb.NewAccountRepo(pool),
		items:        sqldb.NewItemRepo(pool),
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config.Load")
	}
	log, err := logging.SetupLogging(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("logging.SetupLogging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Server.Exit")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	var pool *pgxpool.Pool
	if cfg.NeedsDatabase() {
		var err error
		pool, err = db.Connect(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := db.Migrate(cfg.DatabaseURL, log); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
	}

	st := memoryStores()
	if cfg.StoreBackend == config.BackendPostgres {
		st = postgresStores(pool)
	}

	queueOpts := jobs.Options{
		Workers:            cfg.WorkerCount,
		JobTimeout:         cfg.JobTimeout,
		DefaultMaxAttempts: cfg.JobMaxAttempts,
	}.WithDefaults()
	var queue jobs.Queue
	if cfg.QueueBackend == config.BackendPostgres {
		queue = pgqueue.NewQueue(pool, queueOpts, log)
	} else {
		queue = inmemory.NewQueue(queueOpts, log)
	}

	cache, err := db.NewCache(10_000)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer cache.Close()

	feed, err := plaid.NewPlaidClient(plaid.Options{
		ClientID:   cfg.PlaidClientID,
		Secret:     cfg.PlaidSecret,
		Env:        cfg.PlaidEnv,
		WebhookURL: cfg.PlaidWebhookURL,
		ClientName: "Finsync",
		PageSize:   cfg.SyncPageSize,
	})
	if err != nil {
		return fmt.Errorf("create plaid client: %w", err)
	}

	engine := rules.NewEngine(st.rules)
	linker := transfers.NewLinker(st.transactions, st.categories, cache, log)
	reconciler := &plaidsync.Reconciler{
		Items:        st.items,
		Accounts:     st.accounts,
		Transactions: st.transactions,
		Rules:        engine,
		Feed:         feed,
		Transfers:    linker,
		Log:          log,
		LookbackDays: cfg.TransferLookbackDays,
	}
	reprocessor := reprocess.NewReprocessor(st.transactions, engine, linker, log)
	scheduler := &jobs.Scheduler{Queue: queue, MaxAttempts: cfg.JobMaxAttempts}

	worker := &jobs.Worker{Sync: reconciler, Reprocess: reprocessor, Transfers: linker, Log: log}
	worker.Register(queue)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	router := api.NewRouter(api.Deps{
		Transactions:         st.transactions,
		Rules:                st.rules,
		Categories:           st.categories,
		Items:                st.items,
		Engine:               engine,
		Reconciler:           reconciler,
		Reprocessor:          reprocessor,
		Transfers:            linker,
		Scheduler:            scheduler,
		Feed:                 feed,
		Webhooks:             plaid.NewWebhookVerifier(feed),
		JWTSecret:            []byte(cfg.JWTSecret),
		AllowedOrigins:       cfg.AllowedOrigins,
		TransferLookbackDays: cfg.TransferLookbackDays,
		Log:                  log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":          cfg.Port,
			"store_backend": cfg.StoreBackend,
			"queue_backend": cfg.QueueBackend,
		}).Info("Server.Start")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("Server.Shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server.Shutdown.HTTP")
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server.Shutdown.Queue")
	}
	return nil
}
