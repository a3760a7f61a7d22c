// Package hooks implements the HookStore: sessions, tool usages and commits
// reported by agent hooks. State is event sourced from append-only JSON-lines
// logs and rebuilt in memory on Open.
package hooks

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/jsonl"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

var (
	// ErrMissingSessionID is returned when a hook call carries no session id.
	ErrMissingSessionID = errors.New("session_id is required")
	// ErrMissingToolUseID is returned when a tool hook carries no tool use id.
	ErrMissingToolUseID = errors.New("tool_use_id is required")
	// ErrMissingToolName is returned when a pre-tool-use hook carries no tool name.
	ErrMissingToolName = errors.New("tool_name is required")
	// ErrMissingCommitHash is returned when a commit carries no hash.
	ErrMissingCommitHash = errors.New("commit_hash is required")
)

const (
	sessionsFile  = "sessions.jsonl"
	commitsFile   = "commits.jsonl"
	toolUsagesDir = "tool_usages"
)

// SessionChange says what happened to a session.
type SessionChange string

const (
	SessionStarted SessionChange = "started"
	SessionUpdated SessionChange = "updated"
	SessionEnded   SessionChange = "ended"
)

type (
	// SessionObserver receives the post-mutation session.
	SessionObserver func(change SessionChange, s *types.HookSession)
	// ToolUsageObserver receives the post-mutation tool usage.
	ToolUsageObserver func(u *types.ToolUsage)
	// CommitObserver receives each recorded commit.
	CommitObserver func(c *types.GitCommit)
)

// Store is the HookStore. Observers run synchronously after each mutation, in
// mutation order; they may read the store but must not mutate it.
type Store struct {
	dir           string
	retentionDays int
	logger        *logrus.Entry
	now           func() time.Time

	// notifyMu orders mutation+notification; mu guards the indexes.
	notifyMu sync.Mutex
	mu       sync.RWMutex
	sessions map[string]*types.HookSession
	usages   map[string]*types.ToolUsage
	commits  []types.GitCommit

	nextObs    int
	sessionObs map[int]SessionObserver
	usageObs   map[int]ToolUsageObserver
	commitObs  map[int]CommitObserver
}

// Option configures a Store.
type Option func(*Store)

// WithRetentionDays sets the CleanupOldData horizon.
func WithRetentionDays(days int) Option {
	return func(s *Store) { s.retentionDays = days }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates dir if needed and replays its logs. Malformed lines are skipped
// and counted; only an unreadable directory is an error.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:           dir,
		retentionDays: 30,
		now:           time.Now,
		sessions:      make(map[string]*types.HookSession),
		usages:        make(map[string]*types.ToolUsage),
		sessionObs:    make(map[int]SessionObserver),
		usageObs:      make(map[int]ToolUsageObserver),
		commitObs:     make(map[int]CommitObserver),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("hooks")
	}

	if err := os.MkdirAll(filepath.Join(dir, toolUsagesDir), 0755); err != nil {
		return nil, err
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	skipped := 0

	res, err := jsonl.Replay(filepath.Join(s.dir, sessionsFile), func(rec types.HookSession) {
		if rec.SessionID == "" {
			skipped++
			return
		}
		if rec.ToolsUsed == nil {
			rec.ToolsUsed = make(map[string]int)
		}
		s.sessions[rec.SessionID] = &rec
	})
	if err != nil {
		return err
	}
	skipped += res.Skipped

	files, err := jsonl.ListDaily(filepath.Join(s.dir, toolUsagesDir), "")
	if err != nil {
		return err
	}
	for _, f := range files {
		res, err := jsonl.Replay(f.Path, func(rec types.ToolUsage) {
			if rec.ToolUseID == "" {
				skipped++
				return
			}
			s.usages[rec.ToolUseID] = &rec
		})
		if err != nil {
			return err
		}
		skipped += res.Skipped
	}

	res, err = jsonl.Replay(filepath.Join(s.dir, commitsFile), func(rec types.GitCommit) {
		if rec.CommitHash == "" {
			skipped++
			return
		}
		s.commits = append(s.commits, rec)
	})
	if err != nil {
		return err
	}
	skipped += res.Skipped

	fields := logrus.Fields{"sessions": len(s.sessions), "tool_usages": len(s.usages), "commits": len(s.commits)}
	if skipped > 0 {
		s.logger.WithFields(fields).WithField("skipped", skipped).Warn("Skipped malformed hook records")
	} else {
		s.logger.WithFields(fields).Debug("Hook store loaded")
	}
	return nil
}

// Caller holds mu.
func (s *Store) persistSession(sess *types.HookSession) {
	if err := jsonl.Append(filepath.Join(s.dir, sessionsFile), sess); err != nil {
		s.logger.WithError(err).WithField("session", sess.SessionID).Warn("Failed to persist session")
	}
}

// Caller holds mu. Usages land in the file of the day they started so a late
// post-tool-use overrides its pre-tool-use on replay.
func (s *Store) persistUsage(u *types.ToolUsage) {
	path := jsonl.DailyPath(filepath.Join(s.dir, toolUsagesDir), "", u.Timestamp)
	if err := jsonl.Append(path, u); err != nil {
		s.logger.WithError(err).WithField("tool_use_id", u.ToolUseID).Warn("Failed to persist tool usage")
	}
}

// Caller holds mu.
func (s *Store) persistCommit(c *types.GitCommit) {
	if err := jsonl.Append(filepath.Join(s.dir, commitsFile), c); err != nil {
		s.logger.WithError(err).WithField("commit", c.CommitHash).Warn("Failed to persist commit")
	}
}

// OnSessionChange registers fn and returns a function that removes it.
func (s *Store) OnSessionChange(fn SessionObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.sessionObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sessionObs, id)
	}
}

// OnToolUsage registers fn and returns a function that removes it.
func (s *Store) OnToolUsage(fn ToolUsageObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.usageObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.usageObs, id)
	}
}

// OnCommit registers fn and returns a function that removes it.
func (s *Store) OnCommit(fn CommitObserver) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.commitObs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.commitObs, id)
	}
}

func (s *Store) notifySession(change SessionChange, sess *types.HookSession) {
	s.mu.RLock()
	ids := sortedIDs(s.sessionObs)
	fns := make([]SessionObserver, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.sessionObs[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(change, sess.Clone())
	}
}

func (s *Store) notifyUsage(u *types.ToolUsage) {
	s.mu.RLock()
	ids := sortedIDs(s.usageObs)
	fns := make([]ToolUsageObserver, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.usageObs[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(u.Clone())
	}
}

func (s *Store) notifyCommit(c types.GitCommit) {
	s.mu.RLock()
	ids := sortedIDs(s.commitObs)
	fns := make([]CommitObserver, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.commitObs[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		cp := c
		fn(&cp)
	}
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// GetSession returns a copy of the session.
func (s *Store) GetSession(id string) (*types.HookSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// ListSessions returns sessions newest first. limit <= 0 returns all.
func (s *Store) ListSessions(limit int) []*types.HookSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.HookSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sortSessions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ActiveSessions returns sessions that have not ended, newest first.
func (s *Store) ActiveSessions() []*types.HookSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*types.HookSession{}
	for _, sess := range s.sessions {
		if sess.Active() {
			out = append(out, sess.Clone())
		}
	}
	sortSessions(out)
	return out
}

func sortSessions(out []*types.HookSession) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].SessionID < out[j].SessionID
	})
}

// GetToolUsage returns a copy of the tool usage.
func (s *Store) GetToolUsage(toolUseID string) (*types.ToolUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usages[toolUseID]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// SessionToolUsages returns the session's tool usages oldest first.
func (s *Store) SessionToolUsages(sessionID string) []*types.ToolUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*types.ToolUsage{}
	for _, u := range s.usages {
		if u.SessionID == sessionID {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return usageLess(out[i], out[j]) })
	return out
}

// RecentToolUsages returns the most recent tool usages, newest first.
func (s *Store) RecentToolUsages(limit int) []*types.ToolUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ToolUsage, 0, len(s.usages))
	for _, u := range s.usages {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return usageLess(out[j], out[i]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func usageLess(a, b *types.ToolUsage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ToolUseID < b.ToolUseID
}

// GetCommits returns the global commit log newest first.
func (s *Store) GetCommits(limit int) []types.GitCommit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.GitCommit, 0, len(s.commits))
	for i := len(s.commits) - 1; i >= 0; i-- {
		out = append(out, s.commits[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SessionCommits returns the commits recorded for a session, oldest first.
func (s *Store) SessionCommits(sessionID string) []types.GitCommit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []types.GitCommit{}
	for _, c := range s.commits {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}
