package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var _ repository.TransactionStore = (*TransactionRepo)(nil)

const transactionColumns = `id, user_id, account_id, external_id, date, authorized_date, description,
	raw_description, merchant_name, amount, pending, source, category_id, notes,
	is_transfer, transfer_id, created_at, updated_at`

type TransactionRepo struct {
	pool *pgxpool.Pool
	q    querier
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool, q: pool}
}

func scanTransaction(row pgx.Row, t *models.Transaction, extra ...any) error {
	dest := []any{
		&t.ID, &t.UserID, &t.AccountID, &t.ExternalID, &t.Date, &t.AuthorizedDate, &t.Description,
		&t.RawDescription, &t.MerchantName, &t.Amount, &t.Pending, &t.Source, &t.CategoryID, &t.Notes,
		&t.IsTransfer, &t.TransferID, &t.CreatedAt, &t.UpdatedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

func (r *TransactionRepo) FindMany(ctx context.Context, filter repository.TransactionFilter) (repository.TransactionPage, error) {
	where := []string{"user_id = $1"}
	args := []any{filter.UserID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.IsTransfer != nil {
		add("is_transfer = $%d", *filter.IsTransfer)
	}
	if filter.DateFrom != nil {
		add("date >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		add("date <= $%d", *filter.DateTo)
	}

	query := `SELECT ` + transactionColumns + `, COUNT(*) OVER ()
		FROM transactions
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY date DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return repository.TransactionPage{}, err
	}
	defer rows.Close()

	var page repository.TransactionPage
	for rows.Next() {
		var t models.Transaction
		var total int
		if err := scanTransaction(rows, &t, &total); err != nil {
			return repository.TransactionPage{}, err
		}
		page.Total = total
		page.Items = append(page.Items, t)
	}
	if err := rows.Err(); err != nil {
		return repository.TransactionPage{}, err
	}

	// COUNT(*) OVER () is absent when the offset runs past the last row.
	if len(page.Items) == 0 && filter.Offset > 0 {
		countQuery := `SELECT COUNT(*) FROM transactions WHERE ` + strings.Join(where, " AND ")
		if err := r.q.QueryRow(ctx, countQuery, args[:len(where)]...).Scan(&page.Total); err != nil {
			return repository.TransactionPage{}, err
		}
	}
	return page, nil
}

func (r *TransactionRepo) FindByExternalID(ctx context.Context, userID int64, externalID string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 AND external_id = $2`
	var t models.Transaction
	if err := scanTransaction(r.q.QueryRow(ctx, query, userID, externalID), &t); err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

func (r *TransactionRepo) Create(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Source == "" {
		txn.Source = models.SourceManual
	}
	query := `
		INSERT INTO transactions (id, user_id, account_id, external_id, date, authorized_date, description,
			raw_description, merchant_name, amount, pending, source, category_id, notes, is_transfer, transfer_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	err := r.q.QueryRow(ctx, query,
		txn.ID, txn.UserID, txn.AccountID, txn.ExternalID, txn.Date, txn.AuthorizedDate, txn.Description,
		txn.RawDescription, txn.MerchantName, txn.Amount, txn.Pending, txn.Source, txn.CategoryID, txn.Notes,
		txn.IsTransfer, txn.TransferID,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	return mapError(err)
}

func (r *TransactionRepo) CreateMany(ctx context.Context, txns []models.Transaction) (int, error) {
	err := r.RunInTx(ctx, func(tx repository.TransactionStore) error {
		for i := range txns {
			if err := tx.Create(ctx, &txns[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(txns), nil
}

// patchSet renders the SET clause for p. Arguments are numbered from start.
func patchSet(p repository.TransactionPatch, start int) (string, []any) {
	sets := []string{"updated_at = NOW()"}
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, start+len(args)-1))
	}
	if v, ok := p.Date.Get(); ok {
		set("date", v)
	}
	if !p.AuthorizedDate.IsUnset() {
		set("authorized_date", p.AuthorizedDate.MustPtr())
	}
	if v, ok := p.Description.Get(); ok {
		set("description", v)
	}
	if !p.RawDescription.IsUnset() {
		set("raw_description", p.RawDescription.MustPtr())
	}
	if !p.MerchantName.IsUnset() {
		set("merchant_name", p.MerchantName.MustPtr())
	}
	if v, ok := p.Amount.Get(); ok {
		set("amount", v)
	}
	if v, ok := p.Pending.Get(); ok {
		set("pending", v)
	}
	if !p.CategoryID.IsUnset() {
		set("category_id", p.CategoryID.MustPtr())
	}
	if !p.Notes.IsUnset() {
		set("notes", p.Notes.MustPtr())
	}
	return strings.Join(sets, ", "), args
}

func (r *TransactionRepo) Update(ctx context.Context, userID int64, id string, patch repository.TransactionPatch) error {
	set, args := patchSet(patch, 3)
	query := `UPDATE transactions SET ` + set + ` WHERE user_id = $1 AND id = $2`
	return r.execOne(ctx, query, append([]any{userID, id}, args...)...)
}

func (r *TransactionRepo) UpdateByExternalID(ctx context.Context, userID int64, externalID string, patch repository.TransactionPatch) error {
	set, args := patchSet(patch, 3)
	query := `UPDATE transactions SET ` + set + ` WHERE user_id = $1 AND external_id = $2`
	return r.execOne(ctx, query, append([]any{userID, externalID}, args...)...)
}

func (r *TransactionRepo) execOne(ctx context.Context, query string, args ...any) error {
	cmd, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *TransactionRepo) Delete(ctx context.Context, userID int64, id string) error {
	return r.execOne(ctx, `DELETE FROM transactions WHERE user_id = $1 AND id = $2`, userID, id)
}

func (r *TransactionRepo) DeleteByExternalID(ctx context.Context, userID int64, externalID string) (bool, error) {
	cmd, err := r.q.Exec(ctx, `DELETE FROM transactions WHERE user_id = $1 AND external_id = $2`, userID, externalID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *TransactionRepo) DeleteMany(ctx context.Context, userID int64, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	cmd, err := r.q.Exec(ctx, `DELETE FROM transactions WHERE user_id = $1 AND id = ANY($2::uuid[])`, userID, ids)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *TransactionRepo) MarkTransfer(ctx context.Context, userID int64, id, transferID, categoryID string) error {
	query := `
		UPDATE transactions
		SET is_transfer = TRUE, transfer_id = $3, category_id = $4, updated_at = NOW()
		WHERE user_id = $1 AND id = $2 AND is_transfer = FALSE
	`
	cmd, err := r.q.Exec(ctx, query, userID, id, transferID, categoryID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}

	var isTransfer bool
	err = r.q.QueryRow(ctx, `SELECT is_transfer FROM transactions WHERE user_id = $1 AND id = $2`, userID, id).Scan(&isTransfer)
	if err != nil {
		return mapError(err)
	}
	return repository.ErrAlreadyTransfer
}

func (r *TransactionRepo) UnlinkTransfer(ctx context.Context, userID int64, transferID string) (int, error) {
	query := `
		UPDATE transactions
		SET is_transfer = FALSE, transfer_id = NULL, updated_at = NOW(),
			category_id = CASE
				WHEN category_id IN (SELECT id FROM categories WHERE user_id = $1 AND name = $3) THEN NULL
				ELSE category_id
			END
		WHERE user_id = $1 AND transfer_id = $2
	`
	cmd, err := r.q.Exec(ctx, query, userID, transferID, models.TransfersCategoryName)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *TransactionRepo) RunInTx(ctx context.Context, fn func(repository.TransactionStore) error) error {
	if r.pool == nil {
		return fn(r)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&TransactionRepo{q: tx})
	})
}
