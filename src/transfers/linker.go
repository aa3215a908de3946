package transfers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

// DefaultLookbackDays bounds the post-sync scan.
const DefaultLookbackDays = 30

// CategoryCache remembers each user's Transfers category id.
type CategoryCache interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Del(key string)
}

type Linker struct {
	Transactions repository.TransactionStore
	Categories   repository.CategoryStore
	Cache        CategoryCache
	Log          logrus.FieldLogger

	now   func() time.Time
	newID func() string
}

func NewLinker(txns repository.TransactionStore, cats repository.CategoryStore, cache CategoryCache, log logrus.FieldLogger) *Linker {
	return &Linker{
		Transactions: txns,
		Categories:   cats,
		Cache:        cache,
		Log:          log,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// DetectAndLinkTransfers pairs and links transfer legs for a user and returns
// the number of pairs linked.
//
// When txns is nil the user's non-transfer transactions are loaded, newest
// first, limited to the last lookbackDays days (nil means all history).
//
// Matching is greedy: each unmatched transaction is linked to the first
// later unmatched candidate that passes IsTransferPair, not the closest one.
// With three or more look-alike candidates inside the window this can pick
// a different partner than a human would.
//
// Linked transactions in txns are updated in place.
func (l *Linker) DetectAndLinkTransfers(ctx context.Context, userID int64, txns []models.Transaction, lookbackDays *int) (int, error) {
	if txns == nil {
		loaded, err := l.candidates(ctx, userID, lookbackDays)
		if err != nil {
			return 0, err
		}
		txns = loaded
	}

	matched := make([]bool, len(txns))
	for i := range txns {
		matched[i] = txns[i].IsTransfer
	}

	var categoryID string
	refreshed := false
	linked := 0
	for i := range txns {
		if matched[i] {
			continue
		}
		for j := i + 1; j < len(txns); j++ {
			if matched[j] || !IsTransferPair(&txns[i], &txns[j]) {
				continue
			}

			if categoryID == "" {
				id, err := l.transfersCategory(ctx, userID)
				if err != nil {
					return linked, err
				}
				categoryID = id
			}

			err := l.link(ctx, userID, &txns[i], &txns[j], categoryID)
			if errors.Is(err, repository.ErrInvalidReference) && !refreshed {
				// The cached category row is gone. Resolve it again once.
				l.forgetTransfersCategory(userID)
				refreshed = true
				id, rerr := l.transfersCategory(ctx, userID)
				if rerr != nil {
					return linked, rerr
				}
				categoryID = id
				err = l.link(ctx, userID, &txns[i], &txns[j], categoryID)
			}
			var stale *staleLegError
			if errors.As(err, &stale) {
				// Another writer linked one of the legs after we loaded them.
				l.Log.WithFields(logrus.Fields{
					"user_id": userID,
					"txn_id":  stale.id,
				}).Warn("Transfers.Link.Stale")
				if stale.id == txns[i].ID {
					matched[i] = true
					break
				}
				matched[j] = true
				continue
			}
			if err != nil {
				return linked, err
			}

			matched[i], matched[j] = true, true
			linked++
			break
		}
	}

	if linked > 0 {
		l.Log.WithFields(logrus.Fields{"user_id": userID, "pairs": linked}).Info("Transfers.Linked")
	}
	return linked, nil
}

func (l *Linker) candidates(ctx context.Context, userID int64, lookbackDays *int) ([]models.Transaction, error) {
	notTransfer := false
	filter := repository.TransactionFilter{UserID: userID, IsTransfer: &notTransfer}
	if lookbackDays != nil {
		now := l.now().UTC()
		from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -*lookbackDays)
		filter.DateFrom = &from
	}
	page, err := l.Transactions.FindMany(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load transfer candidates for user %d: %w", userID, err)
	}
	if page.Items == nil {
		return []models.Transaction{}, nil
	}
	return page.Items, nil
}

// staleLegError names the leg that was already linked when link ran.
type staleLegError struct {
	id string
}

func (e *staleLegError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.id, repository.ErrAlreadyTransfer)
}

func (e *staleLegError) Unwrap() error { return repository.ErrAlreadyTransfer }

func (l *Linker) link(ctx context.Context, userID int64, a, b *models.Transaction, categoryID string) error {
	transferID := l.newID()
	err := l.Transactions.RunInTx(ctx, func(tx repository.TransactionStore) error {
		for _, leg := range []*models.Transaction{a, b} {
			err := tx.MarkTransfer(ctx, userID, leg.ID, transferID, categoryID)
			if errors.Is(err, repository.ErrAlreadyTransfer) {
				return &staleLegError{id: leg.ID}
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var stale *staleLegError
		if errors.As(err, &stale) {
			return err
		}
		return fmt.Errorf("link transfer %s/%s: %w", a.ID, b.ID, err)
	}

	for _, t := range []*models.Transaction{a, b} {
		t.IsTransfer = true
		t.TransferID = &transferID
		t.CategoryID = &categoryID
	}
	return nil
}

func transfersCategoryKey(userID int64) string {
	return "transfers-category:" + strconv.FormatInt(userID, 10)
}

func (l *Linker) forgetTransfersCategory(userID int64) {
	if l.Cache != nil {
		l.Cache.Del(transfersCategoryKey(userID))
	}
}

func (l *Linker) transfersCategory(ctx context.Context, userID int64) (string, error) {
	key := transfersCategoryKey(userID)
	if l.Cache != nil {
		if id, ok := l.Cache.Get(key); ok {
			return id, nil
		}
	}
	cat, err := l.Categories.UpsertByName(ctx, userID, models.TransfersCategoryName)
	if err != nil {
		return "", fmt.Errorf("resolve transfers category for user %d: %w", userID, err)
	}
	if l.Cache != nil {
		l.Cache.Set(key, cat.ID)
	}
	return cat.ID, nil
}
