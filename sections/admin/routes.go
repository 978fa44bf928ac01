package admin

import (
	"pettag-backend/middleware"
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"
	"pettag-backend/sections/models"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers administrator routes and the internal maintenance routes
func RegisterRoutes(frontendRoutes, internalRoutes *gin.RouterGroup, deps *sections.Dependencies, jwtManager *auth.JWTManager) {
	handler := NewHandler(deps)

	admin := frontendRoutes.Group("/api/v1/admin")
	admin.Use(auth.JWTAuthMiddleware(jwtManager), auth.RequireRole(models.RoleAdmin))
	{
		admin.POST("/partner-subscriptions/:id/approve", handler.ApprovePartnerSubscription)
		admin.POST("/partner-subscriptions/:id/reject", handler.RejectPartnerSubscription)
		admin.POST("/partner-subscriptions/:id/cancel", handler.CancelPartnerSubscription)
		admin.POST("/subscriptions/:id/cancel", handler.CancelSubscription)
		admin.POST("/subscriptions/:id/renew", handler.RenewSubscription)
		admin.POST("/subscriptions/:id/renewal-failure", handler.RecordRenewalFailure)
		admin.POST("/payments/manual", handler.RecordManualPayment)
		admin.POST("/payments/:id/refund", handler.RefundPayment)
		admin.POST("/sweeps/duplicates", handler.ReconcileDuplicates)
		admin.POST("/sweeps/expire", handler.ExpireDue)
		admin.GET("/renewals", handler.DueForRenewal)
	}

	// Internal routes (API key authentication), used by external schedulers
	internal := internalRoutes.Group("/jobs")
	internal.Use(middleware.APIKeyAuthMiddleware(middleware.StaticCredentials(deps.Config.ApiKey, deps.Config.ApiKeySecret)))
	{
		internal.POST("/:name/run", handler.RunJob)
	}
}
