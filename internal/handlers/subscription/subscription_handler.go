// internal/handlers/subscription/subscription_handler.go
package subscription

import (
	"net/http"

	domain "billing-service/internal/domain/subscription"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/response"
	service "billing-service/internal/service/subscription"

	"github.com/gin-gonic/gin"
)

type SubscriptionHandler struct {
	engine *service.Service
}

func NewSubscriptionHandler(engine *service.Service) *SubscriptionHandler {
	return &SubscriptionHandler{engine: engine}
}

// GetCurrent resolves the tenant's current subscription, synthesizing the
// first one if the tenant has no history.
func (h *SubscriptionHandler) GetCurrent(c *gin.Context) {
	tenantID := c.Query("tenantId")
	if tenantID == "" {
		response.Error(c, http.StatusBadRequest, "tenantId is required", nil)
		return
	}

	sub, err := h.engine.ResolveCurrent(c.Request.Context(), tenantID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to resolve subscription", err)
		return
	}

	response.Success(c, http.StatusOK, "subscription resolved", domain.NewSubscriptionResponse(sub))
}

// ChangePlan switches the tenant to a new plan, superseding the current
// subscription.
func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	tenantID := c.Query("tenantId")
	if tenantID == "" {
		response.Error(c, http.StatusBadRequest, "tenantId is required", nil)
		return
	}

	var req domain.ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	sub, err := h.engine.ChangePlan(c.Request.Context(), tenantID, req.Plan, req.BillingCycle)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrInvalidPlan) {
			response.Error(c, http.StatusBadRequest, "invalid plan", err)
			return
		}
		response.Error(c, http.StatusInternalServerError, "failed to change plan", err)
		return
	}

	response.Success(c, http.StatusOK, "plan changed", domain.NewSubscriptionResponse(sub))
}

// GetHistory lists the tenant's subscription history, newest first.
func (h *SubscriptionHandler) GetHistory(c *gin.Context) {
	tenantID := c.Query("tenantId")
	if tenantID == "" {
		response.Error(c, http.StatusBadRequest, "tenantId is required", nil)
		return
	}

	subs, err := h.engine.History(c.Request.Context(), tenantID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	response.Success(c, http.StatusOK, "history retrieved", domain.NewHistoryResponse(subs))
}
