package hooks

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// SessionStart is the payload of a session-start hook.
type SessionStart struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	PermissionMode string `json:"permission_mode"`
	Source         string `json:"source"`
}

// SessionStart creates the session, or overwrites the descriptive fields of an
// existing one and reopens it. Counters and accumulated tokens survive a
// repeated start for the same id.
func (s *Store) SessionStart(req SessionStart) (*types.HookSession, error) {
	if req.SessionID == "" {
		return nil, ErrMissingSessionID
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	now := s.now()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		sess = newSession(req.SessionID, now)
		s.sessions[req.SessionID] = sess
	}
	sess.TranscriptPath = req.TranscriptPath
	sess.CWD = req.CWD
	sess.PermissionMode = req.PermissionMode
	sess.Source = req.Source
	sess.EndTime = nil
	sess.AwaitingUser = false
	sess.LastActivity = now
	s.persistSession(sess)
	out := sess.Clone()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"session": req.SessionID, "source": req.Source, "cwd": req.CWD, "restart": ok}).Info("Hook session started")
	s.notifySession(SessionStarted, out)
	return out, nil
}

func newSession(id string, now time.Time) *types.HookSession {
	return &types.HookSession{
		SessionID:    id,
		StartTime:    now,
		ToolsUsed:    make(map[string]int),
		Commits:      []string{},
		LastActivity: now,
	}
}

// Caller holds mu. Hooks for a session we never saw start create it implicitly
// rather than dropping the data.
func (s *Store) ensureSession(id, cwd string) *types.HookSession {
	sess, ok := s.sessions[id]
	if ok {
		return sess
	}
	sess = newSession(id, s.now())
	sess.CWD = cwd
	sess.Source = "implicit"
	s.sessions[id] = sess
	return sess
}

// mutateSession applies fn to the session under the store lock, persists it
// and notifies observers.
func (s *Store) mutateSession(id string, change SessionChange, fn func(sess *types.HookSession)) (*types.HookSession, error) {
	if id == "" {
		return nil, ErrMissingSessionID
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	sess := s.ensureSession(id, "")
	fn(sess)
	s.persistSession(sess)
	out := sess.Clone()
	s.mu.Unlock()

	s.notifySession(change, out)
	return out, nil
}

// SessionEnd sets the session's end time. The session stays queryable.
func (s *Store) SessionEnd(sessionID string) (*types.HookSession, error) {
	sess, err := s.mutateSession(sessionID, SessionEnded, func(sess *types.HookSession) {
		now := s.now()
		sess.EndTime = &now
		sess.AwaitingUser = false
		sess.LastActivity = now
	})
	if err == nil {
		s.logger.WithFields(logrus.Fields{"session": sessionID, "tools": sess.ToolCount}).Info("Hook session ended")
	}
	return sess, err
}

// UpdateSessionTokens adds to the session's token and cost totals.
func (s *Store) UpdateSessionTokens(sessionID string, inputTokens, outputTokens int64, costUSD float64) (*types.HookSession, error) {
	return s.mutateSession(sessionID, SessionUpdated, func(sess *types.HookSession) {
		sess.TotalInputTokens += inputTokens
		sess.TotalOutputTokens += outputTokens
		sess.EstimatedCostUSD += costUSD
	})
}

// RecordUserPrompt counts a submitted prompt and clears the awaiting flag.
func (s *Store) RecordUserPrompt(sessionID string) (*types.HookSession, error) {
	return s.mutateSession(sessionID, SessionUpdated, func(sess *types.HookSession) {
		sess.PromptCount++
		sess.AwaitingUser = false
		sess.LastActivity = s.now()
	})
}

// SetAwaitingUser records whether the agent is blocked on the user (stop and
// notification hooks).
func (s *Store) SetAwaitingUser(sessionID string, awaiting bool) (*types.HookSession, error) {
	return s.mutateSession(sessionID, SessionUpdated, func(sess *types.HookSession) {
		sess.AwaitingUser = awaiting
		sess.LastActivity = s.now()
	})
}

// RecordAutoContinue counts an automatic continuation sent on the user's behalf.
func (s *Store) RecordAutoContinue(sessionID string) (*types.HookSession, error) {
	return s.mutateSession(sessionID, SessionUpdated, func(sess *types.HookSession) {
		sess.AutoContinueAttempts++
		sess.AwaitingUser = false
		sess.LastActivity = s.now()
	})
}
