package handlers

import (
	"github.com/gin-gonic/gin"

	ws "github.com/platformbuilds/mirador-session/internal/api/websocket"
	"github.com/platformbuilds/mirador-session/internal/session"
)

type EventsHandler struct {
	hub *ws.Hub
}

func NewEventsHandler(hub *ws.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// GET /api/v1/events - WebSocket stream of cluster change events.
// ?session=<id> restricts the stream to one session.
func (h *EventsHandler) Stream(c *gin.Context) {
	key := ""
	if id := c.Query("session"); id != "" {
		key = session.RealID(id)
	}
	h.hub.Serve(c.Writer, c.Request, key)
}
