package types

import "time"

// ManagedStatus is the lifecycle status of a managed session.
type ManagedStatus string

const (
	ManagedRunning   ManagedStatus = "running"
	ManagedCompleted ManagedStatus = "completed"
	ManagedFailed    ManagedStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s ManagedStatus) Terminal() bool {
	return s == ManagedCompleted || s == ManagedFailed
}

// ManagedSession is an agent session launched by agentwatch on the user's behalf.
type ManagedSession struct {
	ID         string        `json:"id"`
	Prompt     string        `json:"prompt"`
	Agent      string        `json:"agent"`
	CWD        string        `json:"cwd"`
	PID        *int          `json:"pid,omitempty"`
	Status     ManagedStatus `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	LastSeenAt time.Time     `json:"last_seen_at"`
	Stale      bool          `json:"stale,omitempty"` // failed because the pid vanished without an explicit end
	Error      string        `json:"error,omitempty"`
}

// Clone returns a copy with its own pointer fields.
func (s *ManagedSession) Clone() *ManagedSession {
	cp := *s
	if s.PID != nil {
		v := *s.PID
		cp.PID = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		cp.EndedAt = &v
	}
	if s.ExitCode != nil {
		v := *s.ExitCode
		cp.ExitCode = &v
	}
	return &cp
}
