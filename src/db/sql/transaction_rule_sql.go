package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"finsync-server/src/models"
	"finsync-server/src/repository"
)

var _ repository.RuleWriter = (*RuleRepo)(nil)

const ruleColumns = `id, user_id, name, category_id, priority, is_active, logic, conditions, created_at, updated_at`

type RuleRepo struct {
	pool *pgxpool.Pool
}

func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

func scanRule(row pgx.Row) (*models.CategorizationRule, error) {
	var r models.CategorizationRule
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.CategoryID, &r.Priority, &r.IsActive, &r.Logic, &r.Conditions, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

// FindMany returns every rule of the user, active or not, in evaluation
// order.
func (r *RuleRepo) FindMany(ctx context.Context, userID int64) ([]models.CategorizationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM categorization_rules WHERE user_id = $1 ORDER BY priority, id`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.CategorizationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func (r *RuleRepo) FindByID(ctx context.Context, userID, ruleID int64) (*models.CategorizationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM categorization_rules WHERE id = $1 AND user_id = $2`
	return scanRule(r.pool.QueryRow(ctx, query, ruleID, userID))
}

func (r *RuleRepo) Create(ctx context.Context, rule *models.CategorizationRule) (*models.CategorizationRule, error) {
	query := `
		INSERT INTO categorization_rules (user_id, name, category_id, priority, is_active, logic, conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + ruleColumns
	return scanRule(r.pool.QueryRow(ctx, query,
		rule.UserID, rule.Name, rule.CategoryID, rule.Priority, rule.IsActive, rule.Logic, rule.Conditions))
}

func (r *RuleRepo) Update(ctx context.Context, rule *models.CategorizationRule) (*models.CategorizationRule, error) {
	query := `
		UPDATE categorization_rules
		SET name = $1, category_id = $2, priority = $3, is_active = $4, logic = $5, conditions = $6, updated_at = NOW()
		WHERE id = $7 AND user_id = $8
		RETURNING ` + ruleColumns
	return scanRule(r.pool.QueryRow(ctx, query,
		rule.Name, rule.CategoryID, rule.Priority, rule.IsActive, rule.Logic, rule.Conditions, rule.ID, rule.UserID))
}

func (r *RuleRepo) Delete(ctx context.Context, userID, ruleID int64) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM categorization_rules WHERE id = $1 AND user_id = $2`, ruleID, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
