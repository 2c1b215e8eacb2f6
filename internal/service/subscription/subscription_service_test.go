package subscription

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	domain "billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// memoryStore mimics the postgres store's contract, including the conditional
// Replace and the at-most-one-current constraint enforced by the partial
// unique index.
type memoryStore struct {
	mu   sync.Mutex
	subs []*domain.Subscription

	failReplace map[string]error // superseded ID -> injected error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{failReplace: make(map[string]error)}
}

func (m *memoryStore) Create(ctx context.Context, sub *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subs {
		if s.TenantID == sub.TenantID && s.IsCurrent() {
			return xerrors.ErrConflict
		}
	}
	cp := *sub
	m.subs = append(m.subs, &cp)
	return nil
}

func (m *memoryStore) FindCurrent(ctx context.Context, tenantID string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.subs) - 1; i >= 0; i-- {
		s := m.subs[i]
		if s.TenantID == tenantID && s.IsCurrent() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *memoryStore) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Subscription
	for i := len(m.subs) - 1; i >= 0; i-- {
		if m.subs[i].TenantID == tenantID {
			cp := *m.subs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Subscription
	for _, s := range m.subs {
		if s.IsCurrent() && s.ExpiresAt.Valid && s.ExpiresAt.Time.Before(now) {
			cp := *s
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryStore) Replace(ctx context.Context, supersededID string, toStatus domain.Status, at time.Time, replacement *domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failReplace[supersededID]; ok {
		return err
	}

	var old *domain.Subscription
	for _, s := range m.subs {
		if s.ID == supersededID {
			old = s
			break
		}
	}
	if old == nil || !old.IsCurrent() {
		return xerrors.ErrStaleRecord
	}
	for _, s := range m.subs {
		if s.TenantID == replacement.TenantID && s.IsCurrent() && s.ID != supersededID {
			return xerrors.ErrConflict
		}
	}

	old.Status = toStatus
	old.UpdatedAt = at
	if toStatus == domain.StatusCancelled {
		old.CancelledAt = sql.NullTime{Time: at, Valid: true}
	}

	cp := *replacement
	m.subs = append(m.subs, &cp)
	return nil
}

func (m *memoryStore) currentCount(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.subs {
		if s.TenantID == tenantID && s.IsCurrent() {
			n++
		}
	}
	return n
}

func (m *memoryStore) byID(id string) *domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subs {
		if s.ID == id {
			cp := *s
			return &cp
		}
	}
	return nil
}

type syncCall struct {
	tenantID  string
	planKey   string
	expiresAt *time.Time
}

type recordingSync struct {
	mu    sync.Mutex
	calls []syncCall
	err   error
}

func (r *recordingSync) SyncPlan(ctx context.Context, tenantID, planKey string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, syncCall{tenantID, planKey, expiresAt})
	return r.err
}

func (r *recordingSync) last() (syncCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return syncCall{}, false
	}
	return r.calls[len(r.calls)-1], true
}

type fixedClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func newTestService(t *testing.T) (*Service, *memoryStore, *recordingSync, *fixedClock) {
	t.Helper()

	store := newMemoryStore()
	tenantSync := &recordingSync{}
	clock := &fixedClock{cur: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(store, tenantSync, Config{
		DefaultPlan:    "starter",
		TrialDuration:  5 * time.Minute,
		SweepBatchSize: 100,
	}, zap.NewNop())
	svc.now = clock.now

	return svc, store, tenantSync, clock
}

func TestResolveCurrentSynthesizesDefault(t *testing.T) {
	svc, store, tenantSync, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}
	if sub.PlanKey != "starter" {
		t.Errorf("plan key = %q, want starter", sub.PlanKey)
	}
	if sub.Status != domain.StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if sub.ExpiresAt.Valid {
		t.Error("synthesized default should have no expiry")
	}
	if sub.PreviousPlanKey.Valid {
		t.Error("synthesized default should have no previous plan")
	}
	if got := store.currentCount("tenant-1"); got != 1 {
		t.Errorf("current record count = %d, want 1", got)
	}

	call, ok := tenantSync.last()
	if !ok {
		t.Fatal("expected a tenant sync call")
	}
	if call.planKey != "starter" || call.expiresAt != nil {
		t.Errorf("sync call = %+v, want starter with nil expiry", call)
	}
}

func TestResolveCurrentIsStable(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("first ResolveCurrent returned error: %v", err)
	}
	second, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("second ResolveCurrent returned error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated resolve created a new record: %s != %s", first.ID, second.ID)
	}

	history, _ := svc.History(ctx, "tenant-1")
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestChangePlanTrialAssignment(t *testing.T) {
	svc, store, tenantSync, clock := newTestService(t)
	ctx := context.Background()
	t0 := clock.now()

	prior, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}

	sub, err := svc.ChangePlan(ctx, "tenant-1", "professional", "monthly")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	if sub.Status != domain.StatusTrial {
		t.Errorf("status = %q, want trial", sub.Status)
	}
	if !sub.ExpiresAt.Valid || !sub.ExpiresAt.Time.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("expires_at = %+v, want %s", sub.ExpiresAt, t0.Add(5*time.Minute))
	}
	if sub.PreviousPlanKey.String != "starter" {
		t.Errorf("previous plan = %q, want starter", sub.PreviousPlanKey.String)
	}

	superseded := store.byID(prior.ID)
	if superseded.Status != domain.StatusCancelled {
		t.Errorf("superseded status = %q, want cancelled", superseded.Status)
	}
	if !superseded.CancelledAt.Valid || !superseded.CancelledAt.Time.Equal(t0) {
		t.Errorf("cancelled_at = %+v, want %s", superseded.CancelledAt, t0)
	}

	call, _ := tenantSync.last()
	if call.planKey != "professional" || call.expiresAt == nil {
		t.Errorf("sync call = %+v, want professional with expiry", call)
	}
}

func TestChangePlanNonTrialStaysActive(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	for _, key := range []string{"free", "starter"} {
		sub, err := svc.ChangePlan(ctx, "tenant-"+key, key, "")
		if err != nil {
			t.Fatalf("ChangePlan(%q) returned error: %v", key, err)
		}
		if sub.Status != domain.StatusActive {
			t.Errorf("ChangePlan(%q) status = %q, want active", key, sub.Status)
		}
		if sub.ExpiresAt.Valid {
			t.Errorf("ChangePlan(%q) should not set an expiry", key)
		}
	}
}

func TestChangePlanBillingCycle(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.ChangePlan(ctx, "tenant-1", "enterprise", "YEARLY")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	if sub.BillingCycle != domain.CycleYearly {
		t.Errorf("billing cycle = %q, want yearly", sub.BillingCycle)
	}

	sub, err = svc.ChangePlan(ctx, "tenant-2", "free", "weekly")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	if sub.BillingCycle != domain.CycleMonthly {
		t.Errorf("billing cycle = %q, want monthly fallback", sub.BillingCycle)
	}
}

func TestChangePlanRejectsUnknownPlan(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	cur, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}

	_, err = svc.ChangePlan(ctx, "tenant-1", "gold", "monthly")
	if !errors.Is(err, xerrors.ErrInvalidPlan) {
		t.Fatalf("ChangePlan error = %v, want ErrInvalidPlan", err)
	}

	// Nothing created, nothing superseded.
	history, _ := svc.History(ctx, "tenant-1")
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
	if got := store.byID(cur.ID); got.Status != domain.StatusActive {
		t.Errorf("current record status = %q, want active", got.Status)
	}
}

func TestLazyExpiryOnResolve(t *testing.T) {
	svc, store, _, clock := newTestService(t)
	ctx := context.Background()

	trial, err := svc.ChangePlan(ctx, "tenant-1", "professional", "monthly")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}

	clock.advance(6 * time.Minute)

	cur, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}
	if cur.ID == trial.ID {
		t.Fatal("expired trial returned as current")
	}
	if cur.PlanKey != "starter" || cur.Status != domain.StatusActive {
		t.Errorf("replacement = %s/%s, want starter/active", cur.PlanKey, cur.Status)
	}
	if cur.PreviousPlanKey.String != "professional" {
		t.Errorf("previous plan = %q, want professional", cur.PreviousPlanKey.String)
	}
	if store.byID(trial.ID).Status != domain.StatusExpired {
		t.Error("lapsed trial should be expired")
	}

	// Idempotent with respect to time: resolving again changes nothing.
	again, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("second ResolveCurrent returned error: %v", err)
	}
	if again.ID != cur.ID {
		t.Error("repeated resolve produced another replacement")
	}
	if got := store.currentCount("tenant-1"); got != 1 {
		t.Errorf("current record count = %d, want 1", got)
	}
}

func TestReconcileExpired(t *testing.T) {
	svc, store, tenantSync, clock := newTestService(t)
	ctx := context.Background()

	trial, err := svc.ChangePlan(ctx, "tenant-1", "enterprise", "yearly")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}

	clock.advance(10 * time.Minute)

	count, err := svc.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("ReconcileExpired returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("reconciled count = %d, want 1", count)
	}
	if store.byID(trial.ID).Status != domain.StatusExpired {
		t.Error("trial should be expired after sweep")
	}

	cur, err := svc.ResolveCurrent(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}
	if cur.PlanKey != "starter" {
		t.Errorf("replacement plan = %q, want starter", cur.PlanKey)
	}
	// Billing cycle carries forward from the expired record.
	if cur.BillingCycle != domain.CycleYearly {
		t.Errorf("billing cycle = %q, want yearly carried forward", cur.BillingCycle)
	}

	call, _ := tenantSync.last()
	if call.planKey != "starter" || call.expiresAt != nil {
		t.Errorf("sync call = %+v, want starter with nil expiry", call)
	}

	// Second sweep with no new expirations is a no-op.
	count, err = svc.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("second ReconcileExpired returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("second sweep count = %d, want 0", count)
	}
}

func TestLazyAndScheduledExpiryEquivalence(t *testing.T) {
	svc, store, _, clock := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ChangePlan(ctx, "tenant-1", "professional", "monthly"); err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	clock.advance(6 * time.Minute)

	if _, err := svc.ReconcileExpired(ctx); err != nil {
		t.Fatalf("ReconcileExpired returned error: %v", err)
	}
	if _, err := svc.ResolveCurrent(ctx, "tenant-1"); err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}

	// Both paths ran; only one replacement may exist.
	if got := store.currentCount("tenant-1"); got != 1 {
		t.Errorf("current record count = %d, want 1", got)
	}
	history, _ := svc.History(ctx, "tenant-1")
	if len(history) != 3 {
		t.Errorf("history length = %d, want 3 (starter, trial, replacement)", len(history))
	}
}

func TestReconcilePartialFailureIsolation(t *testing.T) {
	svc, store, _, clock := newTestService(t)
	ctx := context.Background()

	a, err := svc.ChangePlan(ctx, "tenant-a", "professional", "monthly")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	if _, err := svc.ChangePlan(ctx, "tenant-b", "enterprise", "monthly"); err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}

	store.failReplace[a.ID] = errors.New("connection reset")
	clock.advance(6 * time.Minute)

	count, err := svc.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("ReconcileExpired returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("reconciled count = %d, want 1 (failed tenant skipped)", count)
	}

	// The failed tenant still satisfies the sweep predicate and is retried.
	delete(store.failReplace, a.ID)
	count, err = svc.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("retry ReconcileExpired returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("retry count = %d, want 1", count)
	}
}

func TestHistoryOrdering(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ResolveCurrent(ctx, "tenant-1"); err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}

	changes := []string{"professional", "free", "enterprise"}
	for _, key := range changes {
		clock.advance(time.Minute)
		if _, err := svc.ChangePlan(ctx, "tenant-1", key, "monthly"); err != nil {
			t.Fatalf("ChangePlan(%q) returned error: %v", key, err)
		}
	}

	history, err := svc.History(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != len(changes)+1 {
		t.Fatalf("history length = %d, want %d", len(history), len(changes)+1)
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.After(history[i-1].CreatedAt) {
			t.Fatalf("history not in descending creation order at index %d", i)
		}
	}
	if history[0].PlanKey != "enterprise" {
		t.Errorf("newest plan = %q, want enterprise", history[0].PlanKey)
	}
}

func TestSyncFailureDoesNotBlockTransition(t *testing.T) {
	svc, store, tenantSync, _ := newTestService(t)
	tenantSync.err = errors.New("tenants table unavailable")
	ctx := context.Background()

	sub, err := svc.ChangePlan(ctx, "tenant-1", "starter", "monthly")
	if err != nil {
		t.Fatalf("ChangePlan returned error despite sync failure: %v", err)
	}
	if got := store.byID(sub.ID); got == nil || got.Status != domain.StatusActive {
		t.Error("subscription transition should persist even when sync fails")
	}
}

func TestLifecycleScenario(t *testing.T) {
	svc, store, _, clock := newTestService(t)
	ctx := context.Background()
	t0 := clock.now()

	first, err := svc.ResolveCurrent(ctx, "tenant-T")
	if err != nil {
		t.Fatalf("ResolveCurrent returned error: %v", err)
	}
	if first.PlanKey != "starter" || first.ExpiresAt.Valid {
		t.Fatalf("first = %s with expiry %v, want starter without expiry", first.PlanKey, first.ExpiresAt)
	}

	trial, err := svc.ChangePlan(ctx, "tenant-T", "professional", "monthly")
	if err != nil {
		t.Fatalf("ChangePlan returned error: %v", err)
	}
	if !trial.ExpiresAt.Time.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("trial expiry = %s, want t0+5m", trial.ExpiresAt.Time)
	}
	if trial.PreviousPlanKey.String != "starter" {
		t.Errorf("trial previous plan = %q, want starter", trial.PreviousPlanKey.String)
	}
	if store.byID(first.ID).Status != domain.StatusCancelled {
		t.Error("starter record should be cancelled after plan change")
	}

	clock.advance(6 * time.Minute)
	count, err := svc.ReconcileExpired(ctx)
	if err != nil {
		t.Fatalf("ReconcileExpired returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("reconciled count = %d, want 1", count)
	}
	if store.byID(trial.ID).Status != domain.StatusExpired {
		t.Error("professional trial should be expired")
	}

	clock.advance(time.Minute)
	cur, err := svc.ResolveCurrent(ctx, "tenant-T")
	if err != nil {
		t.Fatalf("final ResolveCurrent returned error: %v", err)
	}
	if cur.PlanKey != "starter" || cur.Status != domain.StatusActive {
		t.Errorf("final current = %s/%s, want starter/active", cur.PlanKey, cur.Status)
	}
	if cur.PreviousPlanKey.String != "professional" {
		t.Errorf("final previous plan = %q, want professional", cur.PreviousPlanKey.String)
	}
	if got := store.currentCount("tenant-T"); got != 1 {
		t.Errorf("current record count = %d, want 1", got)
	}
}
