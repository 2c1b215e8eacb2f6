// internal/domain/plan/entity.go
package plan

import (
	"database/sql"
	"time"
)

// Plan is an immutable catalog entry. The key is stable once any subscription
// references it.
type Plan struct {
	ID                   string         `json:"id" db:"id"`
	Key                  string         `json:"key" db:"key"`
	Name                 string         `json:"name" db:"name"`
	Description          sql.NullString `json:"description,omitempty" db:"description"`
	MonthlyPrice         float64        `json:"monthly_price" db:"monthly_price"`
	YearlyPrice          float64        `json:"yearly_price" db:"yearly_price"`
	Currency             string         `json:"currency" db:"currency"`
	SortOrder            int            `json:"sort_order" db:"sort_order"`
	Active               bool           `json:"active" db:"active"`
	TrialDurationMinutes int            `json:"trial_duration_minutes" db:"trial_duration_minutes"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
}

type PlanResponse struct {
	ID                   string  `json:"id"`
	Key                  string  `json:"key"`
	Name                 string  `json:"name"`
	Description          string  `json:"description,omitempty"`
	MonthlyPrice         float64 `json:"monthlyPrice"`
	YearlyPrice          float64 `json:"yearlyPrice"`
	Currency             string  `json:"currency"`
	SortOrder            int     `json:"sortOrder"`
	TrialDurationMinutes int     `json:"trialDurationMinutes"`
}

func NewPlanResponse(p *Plan) PlanResponse {
	return PlanResponse{
		ID:                   p.ID,
		Key:                  p.Key,
		Name:                 p.Name,
		Description:          p.Description.String,
		MonthlyPrice:         p.MonthlyPrice,
		YearlyPrice:          p.YearlyPrice,
		Currency:             p.Currency,
		SortOrder:            p.SortOrder,
		TrialDurationMinutes: p.TrialDurationMinutes,
	}
}
