// internal/repository/postgres/schema.go
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The partial unique index on subscriptions is what enforces the
// at-most-one-current invariant: two concurrent calls can race to replace the
// same record, but only one insert of a new active/trial row per tenant can
// commit.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscription_plans (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		monthly_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		yearly_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		sort_order INT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		trial_duration_minutes INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		plan_key TEXT NOT NULL,
		status TEXT NOT NULL,
		billing_cycle TEXT NOT NULL DEFAULT 'monthly',
		started_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		previous_plan_key TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant_created
		ON subscriptions (tenant_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_expiring
		ON subscriptions (expires_at)
		WHERE status IN ('active','trial') AND expires_at IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_tenant_current
		ON subscriptions (tenant_id)
		WHERE status IN ('active','trial')`,
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		plan TEXT,
		plan_expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the billing tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
