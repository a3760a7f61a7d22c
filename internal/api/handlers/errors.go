package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentwatch/agentwatch/internal/core/hooks"
	"github.com/agentwatch/agentwatch/internal/core/session"
)

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hooks.ErrMissingSessionID),
		errors.Is(err, hooks.ErrMissingToolUseID),
		errors.Is(err, hooks.ErrMissingToolName),
		errors.Is(err, hooks.ErrMissingCommitHash),
		errors.Is(err, session.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrLauncherFull):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrLauncherDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// queryLimit parses the "limit" query parameter. Missing or invalid values
// yield def.
func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
