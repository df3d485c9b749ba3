package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/mirador-session/internal/config"
	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

type HealthHandler struct {
	store   cache.Store
	manager *session.Manager
	logger  logger.Logger
}

func NewHealthHandler(store cache.Store, m *session.Manager, logger logger.Logger) *HealthHandler {
	return &HealthHandler{
		store:   store,
		manager: m,
		logger:  logger,
	}
}

// GET /health - Quick health check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   config.ServiceName,
		"version":   config.ServiceVersion,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// GET /ready - Readiness depends on the replication store. A store running on
// its in-memory fallback reports degraded but stays ready so traffic keeps
// flowing to the node.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	storeErr := h.store.Ping(ctx)
	degraded := cache.IsDegraded(h.store)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case storeErr != nil:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case degraded:
		status = "degraded"
	}

	resp := gin.H{
		"status":    status,
		"service":   config.ServiceName,
		"version":   config.ServiceVersion,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks": gin.H{
			"store": gin.H{"reachable": storeErr == nil, "degraded": degraded},
		},
	}
	if h.manager != nil {
		resp["node"] = h.manager.Config().NodeID
		resp["active_sessions"] = h.manager.ActiveCount()
	}
	if storeErr != nil {
		resp["error"] = storeErr.Error()
		h.logger.Warn("Readiness check failed", "error", storeErr)
	}
	c.JSON(httpStatus, resp)
}
