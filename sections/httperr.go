package sections

import (
	"errors"
	"log/slog"
	"net/http"

	"pettag-backend/common"
	"pettag-backend/registry"

	"github.com/gin-gonic/gin"
)

// StatusFor maps registry errors onto an HTTP status and a message safe to
// show the caller
func StatusFor(err error) (int, string) {
	if reason, ok := registry.FailureReason(err); ok {
		return http.StatusUnprocessableEntity, "payment could not be applied: " + reason
	}
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, registry.ErrForbidden):
		return http.StatusForbidden, "not allowed"
	case errors.Is(err, registry.ErrQuotaExceeded):
		return http.StatusForbidden, "quota exceeded"
	case errors.Is(err, registry.ErrInvalidTransition):
		return http.StatusConflict, "not allowed in the current state"
	case errors.Is(err, registry.ErrConcurrencyConflict):
		return http.StatusConflict, "modified concurrently, try again"
	case errors.Is(err, registry.ErrDuplicatesRemain):
		return http.StatusConflict, "duplicate subscriptions remain"
	case errors.Is(err, registry.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid payment request"
	case errors.Is(err, registry.ErrAuthenticityFailure):
		return http.StatusBadRequest, "invalid signature"
	case errors.Is(err, registry.ErrConfigurationMissing):
		return http.StatusServiceUnavailable, "payment gateway unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

// WriteError logs err and writes the mapped status. Internal detail stays in the log.
func WriteError(c *gin.Context, logger *slog.Logger, err error) {
	status, msg := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "path", c.FullPath(), "error", err)
	} else {
		logger.Warn("Request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, common.ApiResponse[any]{Success: false, Error: msg})
}

// OK writes a successful ApiResponse
func OK[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, common.ApiResponse[T]{Data: data, Success: true})
}
