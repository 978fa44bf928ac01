package tags

import (
	"pettag-backend/sections"
	"pettag-backend/sections/common/auth"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers tag routes
func RegisterRoutes(frontendRoutes *gin.RouterGroup, deps *sections.Dependencies, jwtManager *auth.JWTManager) {
	handler := NewHandler(deps)

	tags := frontendRoutes.Group("/api/v1/tags")
	tags.GET("/:code", auth.OptionalJWTAuthMiddleware(jwtManager), handler.Lookup)

	protected := tags.Group("")
	protected.Use(auth.JWTAuthMiddleware(jwtManager))
	{
		protected.POST("", handler.Create)
		protected.POST("/:code/activate", handler.Activate)
		protected.POST("/:code/deactivate", handler.Deactivate)
		protected.PUT("/:code/pet", handler.LinkPet)
		protected.GET("/:code/subscriptions", handler.Subscriptions)
	}
}
