package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrMissingAPICredentials = errors.New("missing or invalid API credentials")

type apiClientKey struct{}

// APIClientFromContext returns the API key that authenticated the request
func APIClientFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiClientKey{}).(string)
	return key, ok
}

func APIKeyAuthMiddleware(validateFunc func(ctx context.Context, apiKey, apiSecret string) (context.Context, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		var apiKey, apiSecret string
		if credentials, ok := strings.CutPrefix(authHeader, "ApiKey "); ok {
			// Expected format: "ApiKey key:secret"
			apiKey, apiSecret, _ = strings.Cut(credentials, ":")
		}

		if apiKey == "" || apiSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key and secret are required"})
			return
		}

		ctx, err := validateFunc(c.Request.Context(), apiKey, apiSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key or secret"})
			return
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// StaticCredentials validates against a single configured key pair. An empty
// key disables the routes it guards.
func StaticCredentials(key, secret string) func(ctx context.Context, apiKey, apiSecret string) (context.Context, error) {
	return func(ctx context.Context, apiKey, apiSecret string) (context.Context, error) {
		if key == "" || secret == "" {
			return ctx, ErrMissingAPICredentials
		}
		keyOK := subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1
		secretOK := subtle.ConstantTimeCompare([]byte(apiSecret), []byte(secret)) == 1
		if !keyOK || !secretOK {
			return ctx, ErrMissingAPICredentials
		}
		return context.WithValue(ctx, apiClientKey{}, apiKey), nil
	}
}
