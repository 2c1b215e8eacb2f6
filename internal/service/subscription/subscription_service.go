// internal/service/subscription/subscription_service.go
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// allowedPlans is the set of plan keys a tenant may change to.
var allowedPlans = map[string]struct{}{
	"free":         {},
	"starter":      {},
	"professional": {},
	"enterprise":   {},
}

// trialPlans are the keys that start in a time-boxed trial instead of going
// straight to active. Eligibility is keyed here rather than read from the
// catalog's trial_duration_minutes; the catalog field is display metadata as
// far as the engine is concerned.
var trialPlans = map[string]struct{}{
	"professional": {},
	"enterprise":   {},
}

// Store is the persistence contract for subscription history. Replace must
// terminalize the superseded record and insert its replacement atomically,
// conditional on the old record still being current; a lost race returns
// xerrors.ErrStaleRecord. Create of a second current record for the same
// tenant returns xerrors.ErrConflict.
type Store interface {
	Create(ctx context.Context, sub *subscription.Subscription) error
	FindCurrent(ctx context.Context, tenantID string) (*subscription.Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*subscription.Subscription, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error)
	Replace(ctx context.Context, supersededID string, toStatus subscription.Status, at time.Time, replacement *subscription.Subscription) error
}

// TenantSync mirrors the resolved plan onto the tenant record. It is invoked
// after every transition and never read back; failures are logged, not
// propagated.
type TenantSync interface {
	SyncPlan(ctx context.Context, tenantID, planKey string, expiresAt *time.Time) error
}

type Config struct {
	DefaultPlan    string
	TrialDuration  time.Duration
	SweepBatchSize int
}

// Service is the subscription lifecycle engine: it decides transitions between
// active, trial, expired and cancelled, computes trial windows, and keeps
// persisted state consistent with wall-clock time.
type Service struct {
	store      Store
	tenantSync TenantSync
	cfg        Config
	logger     *zap.Logger

	now func() time.Time
}

func NewService(store Store, tenantSync TenantSync, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = "starter"
	}
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = 5 * time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 500
	}
	return &Service{
		store:      store,
		tenantSync: tenantSync,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// ResolveCurrent returns the tenant's current subscription. A tenant with no
// history gets its first record synthesized on the default plan, and a lapsed
// trial is expired and replaced on the spot, so the operation always resolves
// to a stable active or trial record.
func (s *Service) ResolveCurrent(ctx context.Context, tenantID string) (*subscription.Subscription, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.store.FindCurrent(ctx, tenantID)
		if errors.Is(err, xerrors.ErrNotFound) {
			now := s.now()
			sub := s.newSubscription(tenantID, s.cfg.DefaultPlan, subscription.CycleMonthly, subscription.StatusActive, sql.NullTime{}, "", now)
			if err := s.store.Create(ctx, sub); err != nil {
				if errors.Is(err, xerrors.ErrConflict) {
					// Another caller synthesized the first record; pick it up.
					continue
				}
				return nil, fmt.Errorf("failed to create default subscription: %w", err)
			}
			s.syncPlan(ctx, tenantID, s.cfg.DefaultPlan, nil)
			return sub, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current subscription: %w", err)
		}

		now := s.now()
		if !cur.IsExpired(now) {
			return cur, nil
		}

		// Lazy expiry: flip the lapsed record and downgrade to the default plan.
		replacement := s.newSubscription(tenantID, s.cfg.DefaultPlan, cur.BillingCycle, subscription.StatusActive, sql.NullTime{}, cur.PlanKey, now)
		err = s.store.Replace(ctx, cur.ID, subscription.StatusExpired, now, replacement)
		if errors.Is(err, xerrors.ErrStaleRecord) || errors.Is(err, xerrors.ErrConflict) {
			// The sweep or another request already expired it; refetch.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to expire subscription: %w", err)
		}
		s.syncPlan(ctx, tenantID, s.cfg.DefaultPlan, nil)
		return replacement, nil
	}
	return nil, fmt.Errorf("failed to resolve current subscription for tenant %s: %w", tenantID, xerrors.ErrStaleRecord)
}

// ChangePlan supersedes the tenant's current subscription, if any, with a new
// record on the requested plan. Trial-eligible plans start in trial with an
// expiry of now plus the configured trial duration.
func (s *Service) ChangePlan(ctx context.Context, tenantID, planKey, billingCycle string) (*subscription.Subscription, error) {
	if _, ok := allowedPlans[planKey]; !ok {
		return nil, fmt.Errorf("%w: %q is not one of free, starter, professional, enterprise", xerrors.ErrInvalidPlan, planKey)
	}

	cycle := subscription.ResolveBillingCycle(billingCycle)

	for attempt := 0; attempt < 3; attempt++ {
		now := s.now()

		status := subscription.StatusActive
		var expiresAt sql.NullTime
		if _, trial := trialPlans[planKey]; trial {
			status = subscription.StatusTrial
			expiresAt = sql.NullTime{Time: now.Add(s.cfg.TrialDuration), Valid: true}
		}

		cur, err := s.store.FindCurrent(ctx, tenantID)
		switch {
		case errors.Is(err, xerrors.ErrNotFound):
			sub := s.newSubscription(tenantID, planKey, cycle, status, expiresAt, "", now)
			if err := s.store.Create(ctx, sub); err != nil {
				if errors.Is(err, xerrors.ErrConflict) {
					continue
				}
				return nil, fmt.Errorf("failed to create subscription: %w", err)
			}
			s.syncPlan(ctx, tenantID, planKey, nullTimePtr(expiresAt))
			return sub, nil
		case err != nil:
			return nil, fmt.Errorf("failed to change plan: %w", err)
		}

		sub := s.newSubscription(tenantID, planKey, cycle, status, expiresAt, cur.PlanKey, now)
		err = s.store.Replace(ctx, cur.ID, subscription.StatusCancelled, now, sub)
		if errors.Is(err, xerrors.ErrStaleRecord) || errors.Is(err, xerrors.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to change plan: %w", err)
		}
		s.syncPlan(ctx, tenantID, planKey, nullTimePtr(expiresAt))
		return sub, nil
	}
	return nil, fmt.Errorf("failed to change plan for tenant %s: %w", tenantID, xerrors.ErrStaleRecord)
}

// History returns the tenant's full subscription history, newest first.
func (s *Service) History(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	subs, err := s.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription history: %w", err)
	}
	return subs, nil
}

// ReconcileExpired sweeps lapsed current records, expiring each and creating a
// default-plan replacement. One tenant's failure never aborts the batch; the
// next sweep re-derives its candidates from stored state, so interrupted work
// is retried naturally. Returns the number of tenants transitioned.
func (s *Service) ReconcileExpired(ctx context.Context) (int, error) {
	now := s.now()

	expired, err := s.store.ListExpired(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}

	count := 0
	for _, cur := range expired {
		replacement := s.newSubscription(cur.TenantID, s.cfg.DefaultPlan, cur.BillingCycle, subscription.StatusActive, sql.NullTime{}, cur.PlanKey, now)
		err := s.store.Replace(ctx, cur.ID, subscription.StatusExpired, now, replacement)
		if errors.Is(err, xerrors.ErrStaleRecord) || errors.Is(err, xerrors.ErrConflict) {
			// A request-driven path got there first; nothing to do.
			continue
		}
		if err != nil {
			s.logger.Error("failed to reconcile expired subscription",
				zap.String("tenant_id", cur.TenantID),
				zap.String("subscription_id", cur.ID),
				zap.Error(err))
			continue
		}
		s.syncPlan(ctx, cur.TenantID, s.cfg.DefaultPlan, nil)
		count++
	}
	return count, nil
}

// syncPlan is fire-and-forget: a failed write-through leaves the tenant row
// stale until the next transition, which is an accepted consistency gap.
func (s *Service) syncPlan(ctx context.Context, tenantID, planKey string, expiresAt *time.Time) {
	if err := s.tenantSync.SyncPlan(ctx, tenantID, planKey, expiresAt); err != nil {
		s.logger.Warn("failed to sync plan to tenant record",
			zap.String("tenant_id", tenantID),
			zap.String("plan_key", planKey),
			zap.Error(err))
	}
}

func (s *Service) newSubscription(
	tenantID, planKey string,
	cycle subscription.BillingCycle,
	status subscription.Status,
	expiresAt sql.NullTime,
	previousPlanKey string,
	now time.Time,
) *subscription.Subscription {
	sub := &subscription.Subscription{
		ID:           ulid.Make().String(),
		TenantID:     tenantID,
		PlanKey:      planKey,
		Status:       status,
		BillingCycle: cycle,
		StartedAt:    now,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if previousPlanKey != "" {
		sub.PreviousPlanKey = sql.NullString{String: previousPlanKey, Valid: true}
	}
	return sub
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
