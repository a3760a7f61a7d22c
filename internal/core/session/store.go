// Package session tracks managed sessions: agent runs launched by agentwatch
// itself, as opposed to the ones it only observes.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("managed session not found")

// Persister stores managed sessions durably.
type Persister interface {
	SaveSession(s *types.ManagedSession) error
	LoadSessions() ([]*types.ManagedSession, error)
	DeleteSessions(ids []string) error
}

// Observer receives a copy of every changed session.
type Observer func(s *types.ManagedSession)

// CreateRequest describes a session to track.
type CreateRequest struct {
	Prompt string `json:"prompt"`
	Agent  string `json:"agent"`
	CWD    string `json:"cwd"`
}

// Store is the SessionStore. Terminal sessions never change status again.
type Store struct {
	persist Persister
	logger  *logrus.Entry
	now     func() time.Time

	notifyMu sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*types.ManagedSession

	nextObs   int
	observers map[int]Observer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads the persisted sessions. A nil persister keeps sessions in
// memory only.
func NewStore(p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		persist:   p,
		now:       time.Now,
		sessions:  make(map[string]*types.ManagedSession),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("session")
	}

	if p != nil {
		loaded, err := p.LoadSessions()
		if err != nil {
			return nil, fmt.Errorf("failed to load managed sessions: %w", err)
		}
		for _, sess := range loaded {
			s.sessions[sess.ID] = sess
		}
	}
	return s, nil
}

// Caller holds mu.
func (s *Store) save(sess *types.ManagedSession) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveSession(sess); err != nil {
		s.logger.WithError(err).WithField("session", sess.ID).Warn("Failed to persist managed session")
	}
}

// OnChange registers fn and returns a function that removes it.
func (s *Store) OnChange(fn Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) notify(changed ...*types.ManagedSession) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.RUnlock()

	for _, sess := range changed {
		for _, fn := range fns {
			fn(sess.Clone())
		}
	}
}

// Create starts tracking a running session.
func (s *Store) Create(req CreateRequest) (*types.ManagedSession, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	now := s.now()
	sess := &types.ManagedSession{
		ID:         uuid.NewString(),
		Prompt:     req.Prompt,
		Agent:      req.Agent,
		CWD:        req.CWD,
		Status:     types.ManagedRunning,
		StartedAt:  now,
		LastSeenAt: now,
	}
	s.sessions[sess.ID] = sess
	s.save(sess)
	out := sess.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// update applies fn to a running session. A terminal session is returned
// unchanged and observers are not called.
func (s *Store) update(id string, fn func(sess *types.ManagedSession, now time.Time)) (*types.ManagedSession, error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if sess.Status.Terminal() {
		out := sess.Clone()
		s.mu.Unlock()
		return out, nil
	}
	fn(sess, s.now())
	s.save(sess)
	out := sess.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// SetPID records the process running the session.
func (s *Store) SetPID(id string, pid int) (*types.ManagedSession, error) {
	return s.update(id, func(sess *types.ManagedSession, now time.Time) {
		sess.PID = &pid
		sess.LastSeenAt = now
	})
}

// Complete ends the session with the process exit code. A non-zero code
// fails the session.
func (s *Store) Complete(id string, exitCode int) (*types.ManagedSession, error) {
	return s.update(id, func(sess *types.ManagedSession, now time.Time) {
		sess.EndedAt = &now
		sess.ExitCode = &exitCode
		sess.LastSeenAt = now
		if exitCode == 0 {
			sess.Status = types.ManagedCompleted
		} else {
			sess.Status = types.ManagedFailed
			sess.Error = fmt.Sprintf("exit status %d", exitCode)
		}
	})
}

// Fail ends the session with an error.
func (s *Store) Fail(id, reason string) (*types.ManagedSession, error) {
	return s.update(id, func(sess *types.ManagedSession, now time.Time) {
		sess.EndedAt = &now
		sess.Status = types.ManagedFailed
		sess.Error = reason
	})
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*types.ManagedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// List returns every session, newest first.
func (s *Store) List() []*types.ManagedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ManagedSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkStaleSessions fails running sessions whose pid is missing from
// currentPIDs and that have not been seen for longer than grace. Sessions whose
// pid is present are marked seen. It returns the sessions it failed.
func (s *Store) MarkStaleSessions(currentPIDs map[int]struct{}, grace time.Duration) []*types.ManagedSession {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	now := s.now()
	var stale []*types.ManagedSession
	for _, sess := range s.sessions {
		if sess.Status != types.ManagedRunning {
			continue
		}
		if sess.PID != nil {
			if _, alive := currentPIDs[*sess.PID]; alive {
				// LastSeenAt is only persisted with other changes.
				sess.LastSeenAt = now
				continue
			}
		}
		if now.Sub(sess.LastSeenAt) <= grace {
			continue
		}
		ended := now
		sess.Status = types.ManagedFailed
		sess.Stale = true
		sess.EndedAt = &ended
		sess.Error = "process exited without reporting completion"
		s.save(sess)
		stale = append(stale, sess.Clone())
	}
	s.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	s.notify(stale...)
	return stale
}

// Cleanup deletes terminal sessions that ended more than retention ago.
func (s *Store) Cleanup(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	var ids []string
	for id, sess := range s.sessions {
		if !sess.Status.Terminal() {
			continue
		}
		ended := sess.LastSeenAt
		if sess.EndedAt != nil {
			ended = *sess.EndedAt
		}
		if ended.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)
	if s.persist != nil {
		if err := s.persist.DeleteSessions(ids); err != nil {
			return 0, err
		}
	}
	for _, id := range ids {
		delete(s.sessions, id)
	}
	s.logger.WithField("count", len(ids)).Info("Pruned managed sessions")
	return len(ids), nil
}
