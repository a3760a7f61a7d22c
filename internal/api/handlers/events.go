package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// EventHandler serves the recent-events buffer.
type EventHandler struct {
	bus *events.Bus
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(bus *events.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

// Recent returns buffered events, oldest first. Supported filters: category,
// action, entity_id, since (RFC 3339) and limit.
func (h *EventHandler) Recent(c *gin.Context) {
	q := events.Query{
		Category: types.EventCategory(c.Query("category")),
		Action:   types.EventAction(c.Query("action")),
		EntityID: c.Query("entity_id"),
		Limit:    queryLimit(c, 100),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: " + err.Error()})
			return
		}
		q.Since = t
	}
	c.JSON(http.StatusOK, h.bus.Recent(q))
}
