package plaidsync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"finsync-server/src/models"
)

// LinkItem exchanges a public token from the link flow, stores the item with
// its accounts and schedules the first sync.
func (r *Reconciler) LinkItem(ctx context.Context, userID int64, publicToken string, sched Scheduler) (*models.PlaidItem, error) {
	exchanged, err := r.Feed.ExchangePublicToken(ctx, userID, publicToken)
	if err != nil {
		return nil, err
	}

	item := &models.PlaidItem{
		ItemID:          exchanged.ItemID,
		UserID:          userID,
		AccessToken:     exchanged.AccessToken,
		InstitutionID:   exchanged.InstitutionID,
		InstitutionName: exchanged.InstitutionName,
	}
	if err := r.Items.SaveItem(ctx, item); err != nil {
		return nil, fmt.Errorf("save item %s: %w", item.ItemID, err)
	}

	if err := r.RefreshAccounts(ctx, item); err != nil {
		return nil, err
	}

	if sched != nil {
		if err := sched.ScheduleSync(ctx, item.ItemID); err != nil {
			return nil, fmt.Errorf("schedule initial sync of item %s: %w", item.ItemID, err)
		}
	}

	r.Log.WithFields(logrus.Fields{"user_id": userID, "item_id": item.ItemID}).Info("Plaid.Item.Linked")
	return item, nil
}

// RefreshAccounts pulls the item's accounts from the aggregator and upserts
// them locally.
func (r *Reconciler) RefreshAccounts(ctx context.Context, item *models.PlaidItem) error {
	accounts, err := r.Feed.ListAccounts(ctx, item.AccessToken)
	if err != nil {
		return fmt.Errorf("list accounts for item %s: %w", item.ItemID, err)
	}
	if err := r.Accounts.SaveAccounts(ctx, item.UserID, item.ItemID, accounts); err != nil {
		return fmt.Errorf("save accounts for item %s: %w", item.ItemID, err)
	}
	return nil
}

// SyncUser schedules a sync of every item the user has linked and returns
// how many were scheduled.
func (r *Reconciler) SyncUser(ctx context.Context, userID int64, sched Scheduler) (int, error) {
	items, err := r.Items.ListItems(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list items for user %d: %w", userID, err)
	}
	for i, item := range items {
		if err := sched.ScheduleSync(ctx, item.ItemID); err != nil {
			return i, fmt.Errorf("schedule sync of item %s: %w", item.ItemID, err)
		}
	}
	return len(items), nil
}
