package auth

import (
	"log/slog"
	"net/http"

	"pettag-backend/common"

	"github.com/gin-gonic/gin"
)

type TokenResponse struct {
	Token string `json:"token"`
}

// RegisterRoutes registers token routes. Tokens are issued by the identity
// service; this service only extends them.
func RegisterRoutes(frontendRoutes *gin.RouterGroup, jwtManager *JWTManager) {
	tokens := frontendRoutes.Group("/api/v1/auth")
	tokens.Use(JWTAuthMiddleware(jwtManager))
	{
		tokens.POST("/refresh", RefreshHandler(jwtManager))
	}
}

// RefreshHandler signs a new token for the caller's still-valid claims
func RefreshHandler(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaimsFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, common.ApiResponse[any]{Error: ErrMissingToken.Error()})
			return
		}
		token, err := jwtManager.RefreshToken(claims)
		if err != nil {
			slog.Error("Failed to refresh token", "user_id", claims.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, common.ApiResponse[any]{Error: "internal error"})
			return
		}
		c.JSON(http.StatusOK, common.ApiResponse[TokenResponse]{Data: TokenResponse{Token: token}, Success: true})
	}
}
