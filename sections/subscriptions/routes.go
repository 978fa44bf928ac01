package subscriptions

import (
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers subscription and partner routes
func RegisterRoutes(frontendRoutes *gin.RouterGroup, deps *sections.Dependencies, jwtManager *auth.JWTManager) {
	handler := NewHandler(deps)

	api := frontendRoutes.Group("/api/v1")
	api.Use(auth.JWTAuthMiddleware(jwtManager))

	subs := api.Group("/subscriptions")
	{
		subs.GET("/:id", handler.GetSubscription)
		subs.POST("/:id/cancel", handler.Cancel)
		subs.POST("/:id/reactivate", handler.Reactivate)
	}

	partners := api.Group("/partners")
	{
		partners.GET("/:id", handler.GetPartner)
		partners.POST("/:id/members", handler.AddMember)
	}

	partnerSubs := api.Group("/partner-subscriptions")
	{
		partnerSubs.GET("/:id", handler.GetPartnerSubscription)
		partnerSubs.POST("/:id/cancel", handler.CancelPartnerSubscription)
		partnerSubs.POST("/:id/reactivate", handler.ReactivatePartnerSubscription)
	}
}
