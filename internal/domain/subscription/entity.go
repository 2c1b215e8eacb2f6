// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// ResolveBillingCycle maps a caller-supplied cycle to a known value. Only an
// exact case-insensitive "yearly" yields CycleYearly; everything else,
// including empty input, falls back to CycleMonthly.
func ResolveBillingCycle(raw string) BillingCycle {
	if strings.EqualFold(raw, string(CycleYearly)) {
		return CycleYearly
	}
	return CycleMonthly
}

// Subscription is one row of a tenant's subscription history. A tenant has at
// most one record in {active, trial} at a time; every older record is
// cancelled or expired and never mutated again.
type Subscription struct {
	ID              string         `json:"id" db:"id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	PlanKey         string         `json:"plan_key" db:"plan_key"`
	Status          Status         `json:"status" db:"status"`
	BillingCycle    BillingCycle   `json:"billing_cycle" db:"billing_cycle"`
	StartedAt       time.Time      `json:"started_at" db:"started_at"`
	ExpiresAt       sql.NullTime   `json:"expires_at,omitempty" db:"expires_at"`
	CancelledAt     sql.NullTime   `json:"cancelled_at,omitempty" db:"cancelled_at"`
	PreviousPlanKey sql.NullString `json:"previous_plan_key,omitempty" db:"previous_plan_key"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// IsCurrent reports whether the record counts as the tenant's current
// subscription.
func (s *Subscription) IsCurrent() bool {
	return s.Status == StatusActive || s.Status == StatusTrial
}

// IsExpired reports whether the record carries an expiry that has elapsed at
// the given instant. Records without an expiry never expire.
func (s *Subscription) IsExpired(now time.Time) bool {
	return s.ExpiresAt.Valid && !now.Before(s.ExpiresAt.Time)
}
