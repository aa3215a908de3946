package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var _ repository.CategoryStore = (*CategoryRepo)(nil)

type CategoryRepo struct {
	pool *pgxpool.Pool
}

func NewCategoryRepo(pool *pgxpool.Pool) *CategoryRepo {
	return &CategoryRepo{pool: pool}
}

// UpsertByName relies on the (user_id, name) unique constraint so concurrent
// callers converge on a single row.
func (r *CategoryRepo) UpsertByName(ctx context.Context, userID int64, name string) (*models.Category, error) {
	query := `
		INSERT INTO categories (id, user_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, user_id, name, created_at
	`
	var c models.Category
	err := r.pool.QueryRow(ctx, query, uuid.NewString(), userID, name).Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (r *CategoryRepo) FindMany(ctx context.Context, userID int64) ([]models.Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, name, created_at FROM categories WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
