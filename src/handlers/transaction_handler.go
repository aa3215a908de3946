package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/repository"
	"finsync-server/src/reprocess"
	"finsync-server/src/rules"
)

const maxPageSize = 500

type Reprocessor interface {
	ProcessAllTransactions(ctx context.Context, userID int64) (models.ReprocessResult, error)
}

type TransferDetector interface {
	DetectAndLinkTransfers(ctx context.Context, userID int64, txns []models.Transaction, lookbackDays *int) (int, error)
}

func GetTransactions(store repository.TransactionStore, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		filter, err := parseFilter(r, userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		page, err := store.FindMany(r.Context(), filter)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to list transactions")
			return
		}
		if page.Items == nil {
			page.Items = []models.Transaction{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func parseFilter(r *http.Request, userID int64) (repository.TransactionFilter, error) {
	q := r.URL.Query()
	filter := repository.TransactionFilter{UserID: userID, AccountID: q.Get("account_id"), Limit: 100}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.DateFrom}, {"to", &filter.DateTo}} {
		if v := q.Get(p.name); v != "" {
			d, err := civil.ParseDate(v)
			if err != nil {
				return filter, fmt.Errorf("%s must be YYYY-MM-DD", p.name)
			}
			t := d.In(time.UTC)
			*p.dst = &t
		}
	}
	if v := q.Get("is_transfer"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("is_transfer must be a boolean")
		}
		filter.IsTransfer = &b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			return filter, fmt.Errorf("limit must be between 1 and %d", maxPageSize)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

type createTransactionRequest struct {
	AccountID    string                   `json:"account_id"`
	ExternalID   *string                  `json:"external_id"`
	Date         civil.Date               `json:"date"`
	Description  string                   `json:"description"`
	MerchantName *string                  `json:"merchant_name"`
	Amount       decimal.Decimal          `json:"amount"`
	Source       models.TransactionSource `json:"source"`
	CategoryID   *string                  `json:"category_id"`
	Notes        *string                  `json:"notes"`
}

func (req createTransactionRequest) toModel(userID int64) (models.Transaction, error) {
	if req.AccountID == "" {
		return models.Transaction{}, errors.New("account_id is required")
	}
	if !req.Date.IsValid() {
		return models.Transaction{}, errors.New("date is required")
	}
	if strings.TrimSpace(req.Description) == "" {
		return models.Transaction{}, errors.New("description is required")
	}
	switch req.Source {
	case "":
		req.Source = models.SourceManual
	case models.SourceManual, models.SourceImport:
	default:
		return models.Transaction{}, fmt.Errorf("source %q is not allowed", req.Source)
	}
	if req.CategoryID != nil {
		if _, err := uuid.Parse(*req.CategoryID); err != nil {
			return models.Transaction{}, errors.New("category_id must be a uuid")
		}
	}
	return models.Transaction{
		UserID:       userID,
		AccountID:    req.AccountID,
		ExternalID:   req.ExternalID,
		Date:         req.Date.In(time.UTC),
		Description:  req.Description,
		MerchantName: req.MerchantName,
		Amount:       req.Amount,
		Source:       req.Source,
		CategoryID:   req.CategoryID,
		Notes:        req.Notes,
	}, nil
}

// CreateTransactions stores manual or imported entries in one batch. Entries
// without an explicit category are run through the user's rules first.
func CreateTransactions(store repository.TransactionStore, categories repository.CategoryStore, engine *rules.Engine, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		var req struct {
			Transactions []createTransactionRequest `json:"transactions"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Transactions) == 0 {
			writeError(w, http.StatusBadRequest, "transactions is empty")
			return
		}

		txns := make([]models.Transaction, 0, len(req.Transactions))
		for i, item := range req.Transactions {
			txn, err := item.toModel(userID)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("transactions[%d]: %v", i, err))
				return
			}
			txns = append(txns, txn)
		}

		var owned map[string]bool
		for i := range txns {
			if txns[i].CategoryID == nil {
				continue
			}
			if owned == nil {
				var err error
				if owned, err = ownedCategories(r.Context(), categories, userID); err != nil {
					storeError(w, log.WithField("user_id", userID), err, "failed to load categories")
					return
				}
			}
			if !owned[*txns[i].CategoryID] {
				writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("transactions[%d]: unknown category", i))
				return
			}
		}

		set, err := engine.Load(r.Context(), userID)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Handler.CreateTransactions")
			writeError(w, http.StatusInternalServerError, "failed to load rules")
			return
		}
		for i := range txns {
			if txns[i].CategoryID == nil {
				txns[i].CategoryID = set.Categorize(&txns[i])
			}
		}

		n, err := store.CreateMany(r.Context(), txns)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to create transactions")
			return
		}
		log.WithFields(logrus.Fields{"user_id": userID, "count": n}).Info("Handler.CreateTransactions")
		writeJSON(w, http.StatusCreated, map[string]any{"created": n, "transactions": txns})
	}
}

func DeleteTransactions(store repository.TransactionStore, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		var req struct {
			IDs []string `json:"ids"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		for _, id := range req.IDs {
			if _, err := uuid.Parse(id); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("id %q is not a uuid", id))
				return
			}
		}

		n, err := store.DeleteMany(r.Context(), userID, req.IDs)
		if err != nil {
			storeError(w, log.WithField("user_id", userID), err, "failed to delete transactions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

type reprocessResponse struct {
	models.ReprocessResult
	FailedStage reprocess.Stage `json:"failed_stage,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ReprocessTransactions re-runs categorization and the full transfer scan.
// On failure the counts reached before the failing stage are still reported.
func ReprocessTransactions(proc Reprocessor, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		result, err := proc.ProcessAllTransactions(r.Context(), userID)
		if err != nil {
			resp := reprocessResponse{ReprocessResult: result, Error: "reprocess failed"}
			var stageErr *reprocess.StageError
			if errors.As(err, &stageErr) {
				resp.ReprocessResult = stageErr.Result
				resp.FailedStage = stageErr.Stage
			}
			log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "stage": resp.FailedStage}).Error("Handler.ReprocessTransactions")
			writeJSON(w, http.StatusInternalServerError, resp)
			return
		}
		writeJSON(w, http.StatusOK, reprocessResponse{ReprocessResult: result})
	}
}

// DetectTransfers scans the caller's transactions for transfer pairs.
// lookback_days bounds the scan; "all" scans every unlinked transaction.
// With async set the scan is queued and the request returns at once.
func DetectTransfers(detector TransferDetector, sched Scheduler, defaultLookback int, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUser(w, r)
		if !ok {
			return
		}
		days := defaultLookback
		lookback := &days
		switch v := r.URL.Query().Get("lookback_days"); v {
		case "":
		case "all":
			lookback = nil
		default:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "lookback_days must be a non-negative integer or \"all\"")
				return
			}
			lookback = &n
		}
		async := false
		if v := r.URL.Query().Get("async"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "async must be a boolean")
				return
			}
			async = b
		}

		if async {
			if err := sched.ScheduleDetectTransfers(r.Context(), userID, lookback); err != nil {
				log.WithError(err).WithField("user_id", userID).Error("Handler.DetectTransfers.Schedule")
				writeError(w, http.StatusInternalServerError, "failed to schedule transfer detection")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
			return
		}

		n, err := detector.DetectAndLinkTransfers(r.Context(), userID, nil, lookback)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Handler.DetectTransfers")
			writeError(w, http.StatusInternalServerError, "failed to detect transfers")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"transfer_count": n})
	}
}
