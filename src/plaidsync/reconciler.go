// Package plaidsync pulls incremental changes from the aggregator feed and
// applies them to the local ledger.
package plaidsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/aarondl/opt/omit"
	"github.com/aarondl/opt/omitnull"
	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
	"finsync-server/src/plaid"
	"finsync-server/src/repository"
	"finsync-server/src/rules"
	"finsync-server/src/transfers"
)

// maxPaginationRestarts bounds how often one sync restarts after the feed
// reports a mutation during pagination.
const maxPaginationRestarts = 3

type TransferScanner interface {
	DetectAndLinkTransfers(ctx context.Context, userID int64, txns []models.Transaction, lookbackDays *int) (int, error)
}

// Scheduler queues a background sync of one item.
type Scheduler interface {
	ScheduleSync(ctx context.Context, itemID string) error
}

type Reconciler struct {
	Items        repository.ItemStore
	Accounts     repository.AccountStore
	Transactions repository.TransactionStore
	Rules        *rules.Engine
	Feed         plaid.Aggregator
	Transfers    TransferScanner
	Log          logrus.FieldLogger

	// LookbackDays bounds the post-sync transfer scan.
	LookbackDays int
}

type changeSet struct {
	added      []plaid.FeedTransaction
	modified   []plaid.FeedTransaction
	removed    []string
	nextCursor string
}

// SyncTransactions runs one full incremental pass for the item and returns
// how many added, modified and removed records were applied. The stored
// cursor only moves once every page has been fetched and applied.
func (r *Reconciler) SyncTransactions(ctx context.Context, itemID string) (models.SyncResult, error) {
	var result models.SyncResult

	item, err := r.Items.GetItem(ctx, itemID)
	if err != nil {
		return result, fmt.Errorf("load item %s: %w", itemID, err)
	}
	log := r.Log.WithFields(logrus.Fields{"item_id": itemID, "user_id": item.UserID})

	changes, err := r.fetchWithRestarts(ctx, item, log)
	if err != nil {
		return result, err
	}

	set, err := r.Rules.Load(ctx, item.UserID)
	if err != nil {
		return result, fmt.Errorf("load rules for user %d: %w", item.UserID, err)
	}

	accounts := newAccountResolver(r.Accounts, item.UserID)

	for _, ft := range changes.added {
		applied, err := r.applyAdded(ctx, item.UserID, ft, set, accounts, log)
		if err != nil {
			return result, err
		}
		if applied {
			result.AddedCount++
		}
	}
	for _, ft := range changes.modified {
		if r.applyModified(ctx, item.UserID, ft, log) {
			result.ModifiedCount++
		}
	}
	for _, externalID := range changes.removed {
		if err := r.applyRemoved(ctx, item.UserID, externalID); err != nil {
			log.WithError(err).WithField("external_id", externalID).Error("Sync.Removed.Failed")
			continue
		}
		result.RemovedCount++
	}

	if err := r.Items.UpdateCursor(ctx, itemID, changes.nextCursor); err != nil {
		return result, fmt.Errorf("persist cursor for item %s: %w", itemID, err)
	}

	log.WithFields(logrus.Fields{
		"added":    result.AddedCount,
		"modified": result.ModifiedCount,
		"removed":  result.RemovedCount,
	}).Info("Sync.Completed")

	if r.Transfers != nil {
		lookback := r.LookbackDays
		if lookback <= 0 {
			lookback = transfers.DefaultLookbackDays
		}
		if _, err := r.Transfers.DetectAndLinkTransfers(ctx, item.UserID, nil, &lookback); err != nil {
			return result, fmt.Errorf("transfer scan after sync of item %s: %w", itemID, err)
		}
	}
	return result, nil
}

func (r *Reconciler) fetchWithRestarts(ctx context.Context, item *models.PlaidItem, log logrus.FieldLogger) (changeSet, error) {
	for restart := 0; ; restart++ {
		changes, err := r.fetchAll(ctx, item)
		if errors.Is(err, plaid.ErrMutationDuringPagination) && restart < maxPaginationRestarts {
			log.WithField("restart", restart+1).Warn("Sync.Pagination.Restart")
			continue
		}
		if err != nil {
			return changeSet{}, fmt.Errorf("fetch changes for item %s: %w", item.ItemID, err)
		}
		return changes, nil
	}
}

// fetchAll pages from the stored cursor until the feed has no more changes.
func (r *Reconciler) fetchAll(ctx context.Context, item *models.PlaidItem) (changeSet, error) {
	var changes changeSet
	cursor := item.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return changeSet{}, err
		}
		page, err := r.Feed.SyncChanges(ctx, item.AccessToken, cursor)
		if err != nil {
			return changeSet{}, err
		}
		changes.added = append(changes.added, page.Added...)
		changes.modified = append(changes.modified, page.Modified...)
		changes.removed = append(changes.removed, page.Removed...)
		changes.nextCursor = page.NextCursor

		if !page.HasMore {
			return changes, nil
		}
		next := page.NextCursor
		cursor = &next
	}
}

// applyAdded creates the record, or updates it when the feed re-delivers one
// we already hold. An error is returned only when account resolution is
// broken.
func (r *Reconciler) applyAdded(ctx context.Context, userID int64, ft plaid.FeedTransaction, set *rules.RuleSet, accounts *accountResolver, log logrus.FieldLogger) (bool, error) {
	log = log.WithField("external_id", ft.ExternalID)

	account, err := accounts.resolve(ctx, ft.AccountID)
	if err != nil {
		return false, fmt.Errorf("resolve account %s: %w", ft.AccountID, err)
	}
	if account == nil {
		log.WithField("account_id", ft.AccountID).Warn("Sync.Added.UnknownAccount")
		return false, nil
	}

	existing, err := r.Transactions.FindByExternalID(ctx, userID, ft.ExternalID)
	switch {
	case err == nil:
		return r.updateExisting(ctx, userID, existing, ft, log), nil
	case !errors.Is(err, repository.ErrNotFound):
		log.WithError(err).Error("Sync.Added.Lookup.Failed")
		return false, nil
	}

	externalID := ft.ExternalID
	txn := models.Transaction{
		UserID:         userID,
		AccountID:      account.ID,
		ExternalID:     &externalID,
		Date:           ft.Date,
		AuthorizedDate: ft.AuthorizedDate,
		Description:    ft.Name,
		RawDescription: ft.OriginalDescription,
		MerchantName:   ft.MerchantName,
		Amount:         ft.Amount.Neg(),
		Pending:        ft.Pending,
		Source:         models.SourceAggregator,
	}
	categoryID, err := r.Rules.Categorize(ctx, &txn, userID, set)
	if err != nil {
		log.WithError(err).Error("Sync.Added.Categorize.Failed")
	}
	txn.CategoryID = categoryID

	err = r.Transactions.Create(ctx, &txn)
	if errors.Is(err, repository.ErrDuplicate) {
		// Another writer stored it between the lookup and the insert.
		existing, err := r.Transactions.FindByExternalID(ctx, userID, ft.ExternalID)
		if err != nil {
			log.WithError(err).Error("Sync.Added.Lookup.Failed")
			return false, nil
		}
		return r.updateExisting(ctx, userID, existing, ft, log), nil
	}
	if err != nil {
		log.WithError(err).Error("Sync.Added.Create.Failed")
		return false, nil
	}
	return true, nil
}

func (r *Reconciler) updateExisting(ctx context.Context, userID int64, existing *models.Transaction, ft plaid.FeedTransaction, log logrus.FieldLogger) bool {
	if err := r.writeFeedFields(ctx, userID, existing, ft); err != nil {
		log.WithError(err).Error("Sync.Added.Update.Failed")
		return false
	}
	return true
}

func (r *Reconciler) applyModified(ctx context.Context, userID int64, ft plaid.FeedTransaction, log logrus.FieldLogger) bool {
	log = log.WithField("external_id", ft.ExternalID)
	existing, err := r.Transactions.FindByExternalID(ctx, userID, ft.ExternalID)
	if err == nil {
		err = r.writeFeedFields(ctx, userID, existing, ft)
	}
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("Sync.Modified.Missing")
		return false
	}
	if err != nil {
		log.WithError(err).Error("Sync.Modified.Failed")
		return false
	}
	return true
}

// writeFeedFields applies the feed-owned fields to a stored record. When the
// amount of a linked transfer leg changes, both legs are unlinked in the same
// transaction as the update so the pair never stops summing to zero.
func (r *Reconciler) writeFeedFields(ctx context.Context, userID int64, existing *models.Transaction, ft plaid.FeedTransaction) error {
	patch := mutablePatch(ft)
	if !existing.IsTransfer || existing.TransferID == nil || existing.Amount.Equal(ft.Amount.Neg()) {
		return r.Transactions.UpdateByExternalID(ctx, userID, ft.ExternalID, patch)
	}
	transferID := *existing.TransferID
	return r.Transactions.RunInTx(ctx, func(tx repository.TransactionStore) error {
		if _, err := tx.UnlinkTransfer(ctx, userID, transferID); err != nil {
			return fmt.Errorf("unlink transfer %s: %w", transferID, err)
		}
		return tx.UpdateByExternalID(ctx, userID, ft.ExternalID, patch)
	})
}

// applyRemoved deletes the record. A record that is already gone counts as
// removed. Removing one leg of a transfer unlinks the surviving leg.
func (r *Reconciler) applyRemoved(ctx context.Context, userID int64, externalID string) error {
	existing, err := r.Transactions.FindByExternalID(ctx, userID, externalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !existing.IsTransfer || existing.TransferID == nil {
		_, err := r.Transactions.DeleteByExternalID(ctx, userID, externalID)
		return err
	}
	transferID := *existing.TransferID
	return r.Transactions.RunInTx(ctx, func(tx repository.TransactionStore) error {
		if _, err := tx.UnlinkTransfer(ctx, userID, transferID); err != nil {
			return fmt.Errorf("unlink transfer %s: %w", transferID, err)
		}
		_, err := tx.DeleteByExternalID(ctx, userID, externalID)
		return err
	})
}

// mutablePatch carries the feed-owned fields. Category and notes belong to
// the user and are never part of it.
func mutablePatch(ft plaid.FeedTransaction) repository.TransactionPatch {
	return repository.TransactionPatch{
		Date:           omit.From(ft.Date),
		AuthorizedDate: omitnull.FromPtr(ft.AuthorizedDate),
		Description:    omit.From(ft.Name),
		RawDescription: omitnull.FromPtr(ft.OriginalDescription),
		MerchantName:   omitnull.FromPtr(ft.MerchantName),
		Amount:         omit.From(ft.Amount.Neg()),
		Pending:        omit.From(ft.Pending),
	}
}

// accountResolver memoizes account lookups for one pass. A nil account means
// the aggregator account is unknown locally.
type accountResolver struct {
	store  repository.AccountStore
	userID int64
	seen   map[string]*models.Account
}

func newAccountResolver(store repository.AccountStore, userID int64) *accountResolver {
	return &accountResolver{store: store, userID: userID, seen: make(map[string]*models.Account)}
}

func (a *accountResolver) resolve(ctx context.Context, externalID string) (*models.Account, error) {
	if acc, ok := a.seen[externalID]; ok {
		return acc, nil
	}
	acc, err := a.store.FindByExternalID(ctx, a.userID, externalID)
	if errors.Is(err, repository.ErrNotFound) {
		a.seen[externalID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.seen[externalID] = acc
	return acc, nil
}
