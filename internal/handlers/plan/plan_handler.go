// internal/handlers/plan/plan_handler.go
package plan

import (
	"net/http"

	"billing-service/internal/pkg/response"
	service "billing-service/internal/service/plan"

	"github.com/gin-gonic/gin"
)

type PlanHandler struct {
	planService *service.PlanService
}

func NewPlanHandler(planService *service.PlanService) *PlanHandler {
	return &PlanHandler{planService: planService}
}

// ListPlans retrieves the active plan catalog in display order.
func (h *PlanHandler) ListPlans(c *gin.Context) {
	plans, err := h.planService.ListActivePlans(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list plans", err)
		return
	}

	response.Success(c, http.StatusOK, "plans retrieved", plans)
}
