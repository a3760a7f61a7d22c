package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
)

// Rescanner triggers an out-of-band repository scan.
type Rescanner interface {
	Rescan()
}

// StateHandler serves the scanner-owned snapshots.
type StateHandler struct {
	store     *datastore.Store
	rescanner Rescanner
}

// NewStateHandler creates a new StateHandler. rescanner may be nil.
func NewStateHandler(store *datastore.Store, rescanner Rescanner) *StateHandler {
	return &StateHandler{
		store:     store,
		rescanner: rescanner,
	}
}

// Agents returns the detected agent processes.
func (h *StateHandler) Agents(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.SnapshotAgents())
}

// Repos returns the repository statuses.
func (h *StateHandler) Repos(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.SnapshotRepos())
}

// Ports returns the listening ports.
func (h *StateHandler) Ports(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.SnapshotPorts())
}

// Rescan schedules a full repository scan and returns immediately.
func (h *StateHandler) Rescan(c *gin.Context) {
	if h.rescanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "repository scanning is not running"})
		return
	}
	h.rescanner.Rescan()
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}
