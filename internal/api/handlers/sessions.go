package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentwatch/agentwatch/internal/core/session"
)

// SessionHandler handles managed-session requests.
type SessionHandler struct {
	store    *session.Store
	launcher *session.Launcher
}

// NewSessionHandler creates a new SessionHandler. launcher may be nil, in
// which case launching and stopping are unavailable.
func NewSessionHandler(store *session.Store, launcher *session.Launcher) *SessionHandler {
	return &SessionHandler{
		store:    store,
		launcher: launcher,
	}
}

// List returns all managed sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.List())
}

// Get returns a managed session by id.
func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Launch starts an agent run and returns its session.
func (h *SessionHandler) Launch(c *gin.Context) {
	if h.launcher == nil {
		respondError(c, session.ErrLauncherDisabled)
		return
	}

	var req session.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.launcher.Launch(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			// Remaining launch errors reject the request itself.
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// Stop terminates a running managed session.
func (h *SessionHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.store.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not running"})
		return
	}
	if h.launcher == nil {
		respondError(c, session.ErrLauncherDisabled)
		return
	}
	if err := h.launcher.Stop(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "session is not running"})
		return
	}

	sess, err = h.store.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Output returns the tail of a running session's output.
func (h *SessionHandler) Output(c *gin.Context) {
	if h.launcher == nil {
		respondError(c, session.ErrLauncherDisabled)
		return
	}
	out, err := h.launcher.Output(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}
