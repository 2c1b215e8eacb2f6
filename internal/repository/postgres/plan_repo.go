// internal/repository/postgres/plan_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-service/internal/domain/plan"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PlanRepository struct {
	db *pgxpool.Pool
}

func NewPlanRepository(db *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{db: db}
}

// Count returns the number of catalog rows.
func (r *PlanRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM subscription_plans`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count plans: %w", err)
	}
	return count, nil
}

// Create inserts a new catalog entry.
func (r *PlanRepository) Create(ctx context.Context, p *plan.Plan) error {
	query := `
		INSERT INTO subscription_plans (
			id, key, name, description, monthly_price, yearly_price,
			currency, sort_order, active, trial_duration_minutes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := r.db.QueryRow(
		ctx, query,
		p.ID, p.Key, p.Name, p.Description, p.MonthlyPrice, p.YearlyPrice,
		p.Currency, p.SortOrder, p.Active, p.TrialDurationMinutes,
	).Scan(&p.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// FindByKey retrieves a catalog entry by its stable key.
func (r *PlanRepository) FindByKey(ctx context.Context, key string) (*plan.Plan, error) {
	query := `
		SELECT id, key, name, description, monthly_price, yearly_price,
		       currency, sort_order, active, trial_duration_minutes, created_at
		FROM subscription_plans
		WHERE key = $1
	`

	var p plan.Plan
	err := r.db.QueryRow(ctx, query, key).Scan(
		&p.ID, &p.Key, &p.Name, &p.Description, &p.MonthlyPrice, &p.YearlyPrice,
		&p.Currency, &p.SortOrder, &p.Active, &p.TrialDurationMinutes, &p.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	return &p, nil
}

// ListActive retrieves the active catalog entries in display order.
func (r *PlanRepository) ListActive(ctx context.Context) ([]*plan.Plan, error) {
	query := `
		SELECT id, key, name, description, monthly_price, yearly_price,
		       currency, sort_order, active, trial_duration_minutes, created_at
		FROM subscription_plans
		WHERE active = TRUE
		ORDER BY sort_order ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*plan.Plan
	for rows.Next() {
		var p plan.Plan
		if err := rows.Scan(
			&p.ID, &p.Key, &p.Name, &p.Description, &p.MonthlyPrice, &p.YearlyPrice,
			&p.Currency, &p.SortOrder, &p.Active, &p.TrialDurationMinutes, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}
