// internal/service/subscription/reconciler.go
package subscription

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler drives the expiry sweep on a fixed cadence. The default 30s tick
// keeps a lapsed trial unexpired for at most one interval when no request
// observes it first. The engine owns all concurrency safety; the reconciler
// holds no locks and a missed or overlapping tick is harmless.
type Reconciler struct {
	engine   *Service
	interval time.Duration
	logger   *zap.Logger
}

func NewReconciler(engine *Service, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled. Errors are logged, never returned: the
// next tick re-derives the candidate set from stored state.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("subscription reconciler stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reconcile sweep", zap.Any("panic", rec))
		}
	}()

	count, err := r.engine.ReconcileExpired(ctx)
	if err != nil {
		r.logger.Error("failed to reconcile expired subscriptions", zap.Error(err))
		return
	}
	if count > 0 {
		r.logger.Info("reconciled expired subscriptions", zap.Int("count", count))
	}
}
