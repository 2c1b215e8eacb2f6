// internal/domain/subscription/dto.go
package subscription

import "time"

type ChangePlanRequest struct {
	Plan         string `json:"plan" binding:"required"`
	BillingCycle string `json:"billingCycle"`
}

type SubscriptionResponse struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	PlanKey         string     `json:"planKey"`
	Status          string     `json:"status"`
	BillingCycle    string     `json:"billingCycle"`
	StartedAt       time.Time  `json:"startedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	PreviousPlanKey string     `json:"previousPlanKey,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func NewSubscriptionResponse(s *Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:           s.ID,
		TenantID:     s.TenantID,
		PlanKey:      s.PlanKey,
		Status:       string(s.Status),
		BillingCycle: string(s.BillingCycle),
		StartedAt:    s.StartedAt,
		CreatedAt:    s.CreatedAt,
	}
	if s.ExpiresAt.Valid {
		t := s.ExpiresAt.Time
		resp.ExpiresAt = &t
	}
	if s.PreviousPlanKey.Valid {
		resp.PreviousPlanKey = s.PreviousPlanKey.String
	}
	return resp
}

func NewHistoryResponse(subs []*Subscription) []SubscriptionResponse {
	out := make([]SubscriptionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, NewSubscriptionResponse(s))
	}
	return out
}
