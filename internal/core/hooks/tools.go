package hooks

import (
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// PreToolUse is the payload of a pre-tool-use hook.
type PreToolUse struct {
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	ToolInput any    `json:"tool_input"`
	CWD       string `json:"cwd"`
}

// PostToolUse is the payload of a post-tool-use hook. SessionID and ToolName
// are only used when no pending usage exists. ToolResponse may be an object,
// a string or an array of content blocks.
type PostToolUse struct {
	SessionID    string `json:"session_id"`
	ToolUseID    string `json:"tool_use_id"`
	ToolName     string `json:"tool_name"`
	ToolInput    any    `json:"tool_input"`
	ToolResponse any    `json:"tool_response"`
	Error        string `json:"error"`
	CWD          string `json:"cwd"`
}

// RecordPreToolUse stores a pending usage and counts it against the session
// immediately, since a tool may never report completion. A reused tool use id
// replaces the earlier usage.
func (s *Store) RecordPreToolUse(req PreToolUse) (*types.ToolUsage, error) {
	switch {
	case req.SessionID == "":
		return nil, ErrMissingSessionID
	case req.ToolUseID == "":
		return nil, ErrMissingToolUseID
	case req.ToolName == "":
		return nil, ErrMissingToolName
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	now := s.now()
	u := &types.ToolUsage{
		ToolUseID: req.ToolUseID,
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		CWD:       req.CWD,
		Timestamp: now,
	}
	s.usages[u.ToolUseID] = u
	s.persistUsage(u)

	sess := s.ensureSession(req.SessionID, req.CWD)
	countTool(sess, req.ToolName)
	sess.LastActivity = now
	sess.AwaitingUser = false
	s.persistSession(sess)

	usage, session := u.Clone(), sess.Clone()
	s.mu.Unlock()

	s.notifyUsage(usage)
	s.notifySession(SessionUpdated, session)
	return usage, nil
}

func countTool(sess *types.HookSession, tool string) {
	sess.ToolCount++
	if sess.ToolsUsed == nil {
		sess.ToolsUsed = make(map[string]int)
	}
	sess.ToolsUsed[tool]++
}

// RecordPostToolUse completes the pending usage with the same tool use id. With
// no pending usage a standalone completed record is created instead, counted
// against its session when one is named. A commit found in a successful Bash
// response is recorded for the session.
func (s *Store) RecordPostToolUse(req PostToolUse) (*types.ToolUsage, error) {
	if req.ToolUseID == "" {
		return nil, ErrMissingToolUseID
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	now := s.now()
	errMsg := req.Error
	if errMsg == "" {
		errMsg = responseError(req.ToolResponse)
	}
	success := errMsg == ""

	u, ok := s.usages[req.ToolUseID]
	var sess *types.HookSession
	if ok {
		elapsed := now.Sub(u.Timestamp).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		u.DurationMs = &elapsed
		if u.SessionID != "" {
			sess = s.sessions[u.SessionID]
		}
	} else {
		u = &types.ToolUsage{
			ToolUseID: req.ToolUseID,
			SessionID: req.SessionID,
			ToolName:  req.ToolName,
			ToolInput: req.ToolInput,
			CWD:       req.CWD,
			Timestamp: now,
		}
		s.usages[u.ToolUseID] = u
		if req.SessionID != "" {
			sess = s.ensureSession(req.SessionID, req.CWD)
			countTool(sess, req.ToolName)
		}
		s.logger.WithFields(logrus.Fields{"tool_use_id": req.ToolUseID, "tool": req.ToolName}).Debug("Post-tool-use without pending usage")
	}
	u.ToolResponse = req.ToolResponse
	u.Success = &success
	u.Error = errMsg
	u.CompletedAt = &now
	s.persistUsage(u)

	var commit *types.GitCommit
	if sess != nil {
		sess.LastActivity = now
		if success && u.ToolName == "Bash" {
			if hash, msg, found := ExtractCommit(responseText(req.ToolResponse)); found {
				repo := u.CWD
				if repo == "" {
					repo = sess.CWD
				}
				commit = s.appendCommit(sess, hash, msg, repo, now)
			}
		}
		s.persistSession(sess)
	}

	usage := u.Clone()
	var session *types.HookSession
	if sess != nil {
		session = sess.Clone()
	}
	s.mu.Unlock()

	s.notifyUsage(usage)
	if session != nil {
		s.notifySession(SessionUpdated, session)
	}
	if commit != nil {
		s.notifyCommit(*commit)
	}
	return usage, nil
}

// RecordCommit appends a commit to the global log and to the session's commit
// list.
func (s *Store) RecordCommit(sessionID, commitHash, message, repoPath string) (*types.GitCommit, error) {
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	if commitHash == "" {
		return nil, ErrMissingCommitHash
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	now := s.now()
	sess := s.ensureSession(sessionID, repoPath)
	sess.LastActivity = now
	c := s.appendCommit(sess, commitHash, message, repoPath, now)
	s.persistSession(sess)
	session := sess.Clone()
	s.mu.Unlock()

	s.notifySession(SessionUpdated, session)
	s.notifyCommit(*c)
	return c, nil
}

// Caller holds mu and persists sess.
func (s *Store) appendCommit(sess *types.HookSession, hash, message, repoPath string, now time.Time) *types.GitCommit {
	c := types.GitCommit{
		SessionID:  sess.SessionID,
		CommitHash: hash,
		Message:    message,
		RepoPath:   repoPath,
		Timestamp:  now,
	}
	s.commits = append(s.commits, c)
	s.persistCommit(&c)

	seen := false
	for _, h := range sess.Commits {
		if h == hash {
			seen = true
			break
		}
	}
	if !seen {
		sess.Commits = append(sess.Commits, hash)
	}
	s.logger.WithFields(logrus.Fields{"session": sess.SessionID, "commit": hash, "repo": repoPath}).Info("Commit recorded")
	return &c
}

// commitLine matches git's commit summary line, e.g.
// "[main 1a2b3c4] Fix parser", "[main (root-commit) 1a2b3c4] Initial" or
// "[detached HEAD 1a2b3c4] Try".
var commitLine = regexp.MustCompile(`(?m)^\[(detached HEAD|[^\]\s]+)(?: \([^)]*\))? ([0-9a-f]{7,40})\] (.+)$`)

// ExtractCommit finds the commit hash and subject in git commit output.
func ExtractCommit(output string) (hash, message string, ok bool) {
	m := commitLine.FindStringSubmatch(output)
	if m == nil {
		return "", "", false
	}
	return m[2], strings.TrimSpace(m[3]), true
}

// responseText joins the textual parts of a tool response.
func responseText(resp any) string {
	switch v := resp.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, block := range v {
			if text := responseText(block); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		var parts []string
		for _, key := range []string{"stdout", "output", "result", "text", "content"} {
			if text := responseText(v[key]); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// responseError reports the failure carried inside a tool response, if any.
// Only object responses can carry one.
func responseError(resp any) string {
	m, ok := resp.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := m["error"].(string); ok && v != "" {
		return v
	}
	if isErr, ok := m["is_error"].(bool); ok && isErr {
		if text := responseText(m["content"]); text != "" {
			return text
		}
		return "tool reported an error"
	}
	if interrupted, ok := m["interrupted"].(bool); ok && interrupted {
		return "interrupted"
	}
	return ""
}
