// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const subscriptionColumns = `
	id, tenant_id, plan_key, status, billing_cycle,
	started_at, expires_at, cancelled_at, previous_plan_key,
	created_at, updated_at`

type SubscriptionRepository struct {
	db *DB
}

func NewSubscriptionRepository(db *DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a brand-new subscription row. A tenant can only gain a
// second active/trial row by beating the partial unique index, in which case
// the conflict surfaces as xerrors.ErrConflict.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	if err := r.insert(ctx, r.db.Pool(), sub); err != nil {
		return err
	}
	return nil
}

// FindCurrent retrieves the most recent active or trial record for a tenant.
func (r *SubscriptionRepository) FindCurrent(ctx context.Context, tenantID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE tenant_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.db.Pool().QueryRow(ctx, query, tenantID,
		[]string{string(subscription.StatusActive), string(subscription.StatusTrial)})

	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find current subscription: %w", err)
	}
	return sub, nil
}

// ListByTenant retrieves a tenant's full subscription history, newest first.
func (r *SubscriptionRepository) ListByTenant(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListExpired retrieves current records whose expiry has elapsed, oldest
// expiry first, bounded by limit.
func (r *SubscriptionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = ANY($1) AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query,
		[]string{string(subscription.StatusActive), string(subscription.StatusTrial)},
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// Replace terminalizes the superseded record and inserts its replacement as
// one transaction. The update is conditional on the old record still being
// current; a lost race returns xerrors.ErrStaleRecord and writes nothing.
func (r *SubscriptionRepository) Replace(
	ctx context.Context,
	supersededID string,
	toStatus subscription.Status,
	at time.Time,
	replacement *subscription.Subscription,
) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var cancelledAt sql.NullTime
		if toStatus == subscription.StatusCancelled {
			cancelledAt = sql.NullTime{Time: at, Valid: true}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE subscriptions
			SET status = $2, cancelled_at = COALESCE($3, cancelled_at), updated_at = $4
			WHERE id = $1 AND status = ANY($5)
		`, supersededID, toStatus, cancelledAt, at,
			[]string{string(subscription.StatusActive), string(subscription.StatusTrial)})
		if err != nil {
			return fmt.Errorf("failed to supersede subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return xerrors.ErrStaleRecord
		}

		return r.insert(ctx, tx, replacement)
	})
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *SubscriptionRepository) insert(ctx context.Context, q execQuerier, sub *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, tenant_id, plan_key, status, billing_cycle,
			started_at, expires_at, cancelled_at, previous_plan_key,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := q.QueryRow(
		ctx, query,
		sub.ID, sub.TenantID, sub.PlanKey, sub.Status, sub.BillingCycle,
		sub.StartedAt, sub.ExpiresAt, sub.CancelledAt, sub.PreviousPlanKey,
		sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return xerrors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanKey, &sub.Status, &sub.BillingCycle,
		&sub.StartedAt, &sub.ExpiresAt, &sub.CancelledAt, &sub.PreviousPlanKey,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*subscription.Subscription, error) {
	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}
