package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentwatch/agentwatch/internal/core/hooks"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// sessionRequest is the body of the hooks that only name a session.
type sessionRequest struct {
	SessionID string `json:"session_id"`
}

type tokensRequest struct {
	SessionID        string  `json:"session_id"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

type commitRequest struct {
	SessionID  string `json:"session_id"`
	CommitHash string `json:"commit_hash"`
	Message    string `json:"message"`
	RepoPath   string `json:"repo_path"`
}

// HookHandler receives agent hook callbacks and serves the recorded history.
type HookHandler struct {
	store *hooks.Store
}

// NewHookHandler creates a new HookHandler.
func NewHookHandler(store *hooks.Store) *HookHandler {
	return &HookHandler{store: store}
}

// SessionStart handles the session-start hook.
func (h *HookHandler) SessionStart(c *gin.Context) {
	var req hooks.SessionStart
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.store.SessionStart(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// PreToolUse handles the pre-tool-use hook.
func (h *HookHandler) PreToolUse(c *gin.Context) {
	var req hooks.PreToolUse
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	usage, err := h.store.RecordPreToolUse(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// PostToolUse handles the post-tool-use hook.
func (h *HookHandler) PostToolUse(c *gin.Context) {
	var req hooks.PostToolUse
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	usage, err := h.store.RecordPostToolUse(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// SessionEnd handles the session-end hook.
func (h *HookHandler) SessionEnd(c *gin.Context) {
	h.withSession(c, h.store.SessionEnd)
}

// UserPromptSubmit handles the user-prompt-submit hook.
func (h *HookHandler) UserPromptSubmit(c *gin.Context) {
	h.withSession(c, h.store.RecordUserPrompt)
}

// Stop handles the stop hook: the agent finished its turn and waits for input.
func (h *HookHandler) Stop(c *gin.Context) {
	h.withSession(c, func(id string) (*types.HookSession, error) {
		return h.store.SetAwaitingUser(id, true)
	})
}

// Notification handles the notification hook, sent when the agent needs the
// user's attention.
func (h *HookHandler) Notification(c *gin.Context) {
	h.withSession(c, func(id string) (*types.HookSession, error) {
		return h.store.SetAwaitingUser(id, true)
	})
}

// AutoContinue records an automatic continuation of a stopped session.
func (h *HookHandler) AutoContinue(c *gin.Context) {
	h.withSession(c, h.store.RecordAutoContinue)
}

// Tokens adds token usage to a session.
func (h *HookHandler) Tokens(c *gin.Context) {
	var req tokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := h.store.UpdateSessionTokens(req.SessionID, req.InputTokens, req.OutputTokens, req.EstimatedCostUSD)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Commit records a commit reported directly by a hook.
func (h *HookHandler) Commit(c *gin.Context) {
	var req commitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	commit, err := h.store.RecordCommit(req.SessionID, req.CommitHash, req.Message, req.RepoPath)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, commit)
}

// withSession binds a sessionRequest and applies fn to its session id.
func (h *HookHandler) withSession(c *gin.Context, fn func(sessionID string) (*types.HookSession, error)) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := fn(req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListSessions returns hook sessions, newest first. With active=true only
// sessions that have not ended are returned.
func (h *HookHandler) ListSessions(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, h.store.ActiveSessions())
		return
	}
	c.JSON(http.StatusOK, h.store.ListSessions(queryLimit(c, 100)))
}

// GetSession returns a hook session by id.
func (h *HookHandler) GetSession(c *gin.Context) {
	sess, ok := h.store.GetSession(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SessionTools returns the tool usages of a session, oldest first.
func (h *HookHandler) SessionTools(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.store.GetSession(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, h.store.SessionToolUsages(id))
}

// SessionCommits returns the commits made during a session.
func (h *HookHandler) SessionCommits(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.store.GetSession(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, h.store.SessionCommits(id))
}

// ToolStats returns per-tool aggregates.
func (h *HookHandler) ToolStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.GetToolStats())
}

// RecentTools returns the most recent tool usages across sessions.
func (h *HookHandler) RecentTools(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.RecentToolUsages(queryLimit(c, 100)))
}

// DailyStats returns per-day aggregates, newest day first.
func (h *HookHandler) DailyStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.GetDailyStats(queryLimit(c, 30)))
}

// Commits returns recent commits across sessions, newest first.
func (h *HookHandler) Commits(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.GetCommits(queryLimit(c, 50)))
}
