package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// SessionHandler exposes the management operations of the session manager
type SessionHandler struct {
	manager *session.Manager
	logger  logger.Logger
}

func NewSessionHandler(m *session.Manager, l logger.Logger) *SessionHandler {
	return &SessionHandler{manager: m, logger: l}
}

// GET /api/v1/sessions?scope=local|cluster
func (h *SessionHandler) ListSessions(c *gin.Context) {
	scope := c.DefaultQuery("scope", "local")

	var ids []string
	switch scope {
	case "local":
		ids = h.manager.LocalSessionIDs()
	case "cluster":
		known, err := h.manager.KnownSessionIDs(c.Request.Context())
		if err != nil {
			// Local ids are still meaningful when the store is unreachable
			h.logger.Warn("Listing cluster sessions failed", "error", err)
			c.JSON(http.StatusOK, gin.H{
				"status":  "partial",
				"data":    gin.H{"sessions": nonNil(known), "total": len(known), "scope": scope},
				"warning": err.Error(),
			})
			return
		}
		ids = known
	default:
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": fmt.Sprintf("invalid scope %q", scope)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   gin.H{"sessions": nonNil(ids), "total": len(ids), "scope": scope},
	})
}

// GET /api/v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	info, err := h.manager.Describe(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": info})
}

// GET /api/v1/sessions/:id/attributes/:name
func (h *SessionHandler) GetAttribute(c *gin.Context) {
	name := c.Param("name")
	value, ok, err := h.manager.AttributeByID(c.Request.Context(), c.Param("id"), name)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": fmt.Sprintf("attribute %q not set", name), "code": "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   gin.H{"name": name, "type": fmt.Sprintf("%T", value), "value": value},
	})
}

// GET /api/v1/sessions/:id/last-accessed
func (h *SessionHandler) GetLastAccessed(c *gin.Context) {
	t, err := h.manager.LastAccessedTime(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{"last_accessed_time": t}})
}

// DELETE /api/v1/sessions/:id expires the session on every node
func (h *SessionHandler) ExpireSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.ExpireSession(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	h.logger.Info("Session expired through management API", "session", id, "subject", c.GetString("subject"))
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{"expired": true}})
}

// GET /api/v1/stats
func (h *SessionHandler) GetStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": h.manager.Statistics()})
}

// POST /api/v1/stats/reset
func (h *SessionHandler) ResetStatistics(c *gin.Context) {
	h.manager.ResetStatistics()
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{"reset": true}})
}

type policyView struct {
	ReplicationTrigger    string `json:"replication_trigger"`
	MaxUnreplicatedFactor int    `json:"max_unreplicated_factor"`
	ExpiryEnabled         bool   `json:"expiry_enabled"`
}

type policyUpdate struct {
	ReplicationTrigger    *string `json:"replication_trigger"`
	MaxUnreplicatedFactor *int    `json:"max_unreplicated_factor"`
	ExpiryEnabled         *bool   `json:"expiry_enabled"`
}

func viewPolicy(p session.Policy) policyView {
	return policyView{
		ReplicationTrigger:    p.Trigger.String(),
		MaxUnreplicatedFactor: p.MaxUnreplicatedFactor,
		ExpiryEnabled:         p.ExpiryEnabled,
	}
}

// GET /api/v1/policy
func (h *SessionHandler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": viewPolicy(h.manager.Policy())})
}

// PUT /api/v1/policy applies a partial update of the live policy
func (h *SessionHandler) UpdatePolicy(c *gin.Context) {
	var body policyUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid JSON body", "code": "INVALID_REQUEST"})
		return
	}

	p := h.manager.Policy()
	if body.ReplicationTrigger != nil {
		trigger, err := session.ParseTrigger(strings.ToUpper(*body.ReplicationTrigger))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error(), "code": "INVALID_REQUEST"})
			return
		}
		p.Trigger = trigger
	}
	if body.MaxUnreplicatedFactor != nil {
		p.MaxUnreplicatedFactor = *body.MaxUnreplicatedFactor
	}
	if body.ExpiryEnabled != nil {
		p.ExpiryEnabled = *body.ExpiryEnabled
	}

	if err := h.manager.ApplyPolicy(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": viewPolicy(h.manager.Policy())})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
