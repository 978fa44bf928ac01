package payments

import (
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers payment routes
func RegisterRoutes(frontendRoutes, callbackRoutes *gin.RouterGroup, deps *sections.Dependencies, jwtManager *auth.JWTManager) {
	handler := NewHandler(deps)

	frontendRoutes.GET("/api/v1/plans", handler.ListPlans)

	// Protected routes for creating and completing payments (requires authentication)
	payment := frontendRoutes.Group("/api/v1/payments")
	payment.Use(auth.JWTAuthMiddleware(jwtManager))
	{
		payment.GET("/gateways", handler.ListGateways)
		payment.POST("/intent", handler.CreateIntent)
		payment.POST("/paypal/complete", handler.CompletePayPal)
		payment.GET("/:id", handler.GetPayment)
	}

	// Webhook routes (no authentication, verified via gateway signature)
	callbackRoutes.POST("/stripe/webhook", handler.HandleStripeWebhook)
	callbackRoutes.POST("/paypal/webhook", handler.HandlePayPalWebhook)
}
