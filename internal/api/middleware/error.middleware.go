package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

// ErrorHandler renders errors attached with c.Error as JSON
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		statusCode := determineStatusCode(err)
		code := determineErrorCode(err, statusCode)

		fields := []interface{}{
			"status", statusCode,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err.Error(),
		}
		if statusCode >= http.StatusInternalServerError {
			log.Error("HTTP Error Response", fields...)
		} else {
			log.Debug("HTTP Error Response", fields...)
		}

		c.JSON(statusCode, ErrorResponse{Status: "error", Error: err.Error(), Code: code})
	}
}

// determineStatusCode maps domain errors onto HTTP status codes
func determineStatusCode(err error) int {
	var attrErr *session.AttributeTypeError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, cache.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &attrErr), errors.Is(err, session.ErrInvalidAttributeType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrIllegalState):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManyActiveSessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrManagerStopped),
		errors.Is(err, session.ErrReplicationDegraded),
		errors.Is(err, cache.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, cache.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// determineErrorCode creates a machine-readable error code
func determineErrorCode(err error, statusCode int) string {
	if errors.Is(err, cache.ErrTimeout) {
		return "TIMEOUT"
	}
	switch statusCode {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "VALIDATION_ERROR"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
