package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var (
	_ repository.AccountStore = (*AccountRepo)(nil)
	_ repository.ItemStore    = (*ItemRepo)(nil)
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) FindByExternalID(ctx context.Context, userID int64, externalID string) (*models.Account, error) {
	query := `
		SELECT id, user_id, item_id, account_id, name, official_name, mask, type, subtype, current_balance
		FROM accounts
		WHERE user_id = $1 AND account_id = $2
	`
	var a models.Account
	err := r.pool.QueryRow(ctx, query, userID, externalID).
		Scan(&a.ID, &a.UserID, &a.ItemID, &a.ExternalID, &a.Name, &a.OfficialName, &a.Mask, &a.Type, &a.Subtype, &a.CurrentBalance)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func (r *AccountRepo) SaveAccounts(ctx context.Context, userID int64, itemID string, accounts []models.Account) error {
	query := `
		INSERT INTO accounts (id, user_id, item_id, account_id, name, official_name, mask, type, subtype, current_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id) DO UPDATE SET
			name = EXCLUDED.name,
			official_name = EXCLUDED.official_name,
			mask = EXCLUDED.mask,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			current_balance = EXCLUDED.current_balance,
			updated_at = NOW()
	`
	batch := &pgx.Batch{}
	for _, acc := range accounts {
		batch.Queue(query, uuid.NewString(), userID, itemID, acc.ExternalID, acc.Name, acc.OfficialName,
			acc.Mask, acc.Type, acc.Subtype, acc.CurrentBalance)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

type ItemRepo struct {
	pool *pgxpool.Pool
}

func NewItemRepo(pool *pgxpool.Pool) *ItemRepo {
	return &ItemRepo{pool: pool}
}

const itemColumns = `item_id, user_id, access_token, institution_id, institution_name, sync_cursor, created_at`

func scanItem(row pgx.Row, item *models.PlaidItem) error {
	return row.Scan(&item.ItemID, &item.UserID, &item.AccessToken, &item.InstitutionID, &item.InstitutionName, &item.Cursor, &item.CreatedAt)
}

func (r *ItemRepo) GetItem(ctx context.Context, itemID string) (*models.PlaidItem, error) {
	var item models.PlaidItem
	if err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM plaid_items WHERE item_id = $1`, itemID), &item); err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (r *ItemRepo) ListItems(ctx context.Context, userID int64) ([]models.PlaidItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM plaid_items WHERE user_id = $1 ORDER BY item_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.PlaidItem
	for rows.Next() {
		var item models.PlaidItem
		if err := scanItem(rows, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveItem inserts or refreshes an item. The sync cursor is never touched
// here; only UpdateCursor moves it.
func (r *ItemRepo) SaveItem(ctx context.Context, item *models.PlaidItem) error {
	query := `
		INSERT INTO plaid_items (item_id, user_id, access_token, institution_id, institution_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (item_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			institution_id = EXCLUDED.institution_id,
			institution_name = EXCLUDED.institution_name,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query, item.ItemID, item.UserID, item.AccessToken, item.InstitutionID, item.InstitutionName)
	return err
}

func (r *ItemRepo) UpdateCursor(ctx context.Context, itemID, cursor string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE plaid_items SET sync_cursor = $1, updated_at = NOW() WHERE item_id = $2`, cursor, itemID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
