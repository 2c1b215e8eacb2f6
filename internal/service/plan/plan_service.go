// internal/service/plan/plan_service.go
package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"billing-service/internal/domain/plan"
	"billing-service/internal/pkg/cache"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const planListCacheKey = "billing:plans:active"

// Repository is the catalog persistence contract.
type Repository interface {
	Count(ctx context.Context) (int64, error)
	Create(ctx context.Context, p *plan.Plan) error
	ListActive(ctx context.Context) ([]*plan.Plan, error)
}

// PlanService serves the immutable plan catalog: seeding the reference rows on
// startup and listing them through a short-lived cache.
type PlanService struct {
	repo     Repository
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewPlanService(repo Repository, c cache.Cache, cacheTTL time.Duration, logger *zap.Logger) *PlanService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &PlanService{
		repo:     repo,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// ListActivePlans returns the active catalog entries in display order.
func (s *PlanService) ListActivePlans(ctx context.Context) ([]plan.PlanResponse, error) {
	if cached, err := s.cache.Get(ctx, planListCacheKey); err == nil {
		var plans []plan.PlanResponse
		if err := json.Unmarshal([]byte(cached), &plans); err == nil {
			return plans, nil
		}
		s.logger.Warn("discarding malformed plan cache entry")
	}

	rows, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}

	plans := make([]plan.PlanResponse, 0, len(rows))
	for _, p := range rows {
		plans = append(plans, plan.NewPlanResponse(p))
	}

	if payload, err := json.Marshal(plans); err == nil {
		if err := s.cache.Set(ctx, planListCacheKey, string(payload), s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache plan list", zap.Error(err))
		}
	}
	return plans, nil
}

// Seed inserts the default catalog rows if the table is empty. Safe to call on
// every boot.
func (s *PlanService) Seed(ctx context.Context) error {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count plans: %w", err)
	}
	if count > 0 {
		s.logger.Info("plans already seeded, skipping", zap.Int64("count", count))
		return nil
	}

	s.logger.Info("seeding subscription plans")
	for _, p := range defaultPlans() {
		if err := s.repo.Create(ctx, p); err != nil {
			return fmt.Errorf("failed to seed plan %q: %w", p.Key, err)
		}
	}
	s.logger.Info("seeded subscription plans", zap.Int("count", len(defaultPlans())))
	return nil
}

func defaultPlans() []*plan.Plan {
	mk := func(key, name, desc string, monthly, yearly float64, order, trialMinutes int) *plan.Plan {
		return &plan.Plan{
			ID:                   ulid.Make().String(),
			Key:                  key,
			Name:                 name,
			Description:          sql.NullString{String: desc, Valid: desc != ""},
			MonthlyPrice:         monthly,
			YearlyPrice:          yearly,
			Currency:             "SAR",
			SortOrder:            order,
			Active:               true,
			TrialDurationMinutes: trialMinutes,
		}
	}

	return []*plan.Plan{
		mk("free", "Free", "Basic access with limited features", 0, 0, 0, 0),
		mk("starter", "Starter", "Everything you need to get started", 0, 0, 1, 0),
		mk("professional", "Professional", "Advanced tools for growing businesses", 99, 990, 2, 5),
		mk("enterprise", "Enterprise", "Full platform access with premium support", 299, 2990, 3, 5),
	}
}
