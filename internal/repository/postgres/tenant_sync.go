// internal/repository/postgres/tenant_sync.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantSyncRepository mirrors the resolved plan onto the tenant's own row so
// other services can read it without consulting subscription history. In a
// full microservice split this would publish an event instead.
type TenantSyncRepository struct {
	db *pgxpool.Pool
}

func NewTenantSyncRepository(db *pgxpool.Pool) *TenantSyncRepository {
	return &TenantSyncRepository{db: db}
}

// SyncPlan writes the plan key and optional expiry onto the tenant record.
func (r *TenantSyncRepository) SyncPlan(ctx context.Context, tenantID, planKey string, expiresAt *time.Time) error {
	query := `
		UPDATE tenants
		SET plan = $2, plan_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, tenantID, planKey, expiresAt); err != nil {
		return fmt.Errorf("failed to sync plan to tenant: %w", err)
	}
	return nil
}
