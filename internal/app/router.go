// internal/app/router.go
package app

import (
	planHandler "billing-service/internal/handlers/plan"
	subscriptionHandler "billing-service/internal/handlers/subscription"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	SubscriptionHandler *subscriptionHandler.SubscriptionHandler
	PlanHandler         *planHandler.PlanHandler
}

func SetupRouter(r *gin.Engine, h *Handlers) {
	api := r.Group("/api/v1")

	subscriptions := api.Group("/subscriptions")
	{
		subscriptions.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok", "service": "billing-subscriptions"})
		})
		subscriptions.GET("/current", h.SubscriptionHandler.GetCurrent)
		subscriptions.PUT("/change-plan", h.SubscriptionHandler.ChangePlan)
		subscriptions.GET("/history", h.SubscriptionHandler.GetHistory)
		subscriptions.GET("/plans", h.PlanHandler.ListPlans)
	}
}
