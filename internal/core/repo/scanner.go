package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// Emitter accepts normalized events.
type Emitter interface {
	Emit(opts events.EmitOptions) (*types.AgentWatchEvent, error)
}

type repoEntry struct {
	status  types.RepoStatus
	gitDir  string
	scanned bool
	// promoted is set by the git-dir watcher and consumed by the next fast pass.
	promoted bool
}

// Scanner is the RepoScanner. Dirty repositories and repositories in a special
// state are refreshed on the fast cadence; the slow cadence rediscovers the
// roots and refreshes everything else.
type Scanner struct {
	cfg     types.ReposConfig
	store   *datastore.Store
	runner  GitRunner
	emitter Emitter
	logger  *logrus.Entry
	now     func() time.Time

	sem      chan struct{}
	rescanCh chan struct{}

	// publishMu orders whole publish calls so an older snapshot never
	// overwrites a newer one in the DataStore.
	publishMu sync.Mutex

	mu        sync.Mutex
	repos     map[string]*repoEntry
	published map[string]types.RepoStatus

	watcher  *gitDirWatcher
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithGitRunner sets how `git status` is run.
func WithGitRunner(r GitRunner) Option {
	return func(s *Scanner) { s.runner = r }
}

// WithEmitter sets where discover/update/end events go.
func WithEmitter(e Emitter) Option {
	return func(s *Scanner) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// NewScanner creates a RepoScanner writing into store.
func NewScanner(cfg types.ReposConfig, store *datastore.Store, opts ...Option) *Scanner {
	if cfg.ConcurrencyGit <= 0 {
		cfg.ConcurrencyGit = 1
	}
	s := &Scanner{
		cfg:       cfg,
		store:     store,
		now:       time.Now,
		sem:       make(chan struct{}, cfg.ConcurrencyGit),
		rescanCh:  make(chan struct{}, 1),
		repos:     make(map[string]*repoEntry),
		published: make(map[string]types.RepoStatus),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("repo")
	}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}
	return s
}

// Start runs a full pass immediately and then both cadences until Stop or ctx
// is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.WatchGitDir {
		w, err := newGitDirWatcher(s.logger, s.promote)
		if err != nil {
			s.logger.WithError(err).Warn("Git dir watching disabled")
		} else {
			s.watcher = w
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				w.Run(ctx)
			}()
		}
	}

	fast := durationOr(time.Duration(s.cfg.RefreshFastSeconds)*time.Second, 3*time.Second)
	slow := durationOr(time.Duration(s.cfg.RefreshSlowSeconds)*time.Second, 45*time.Second)

	// The cadences run on separate goroutines so a long slow pass never holds
	// back the fast one. They share sem for the git concurrency bound.
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.FullScan(ctx)

		ticker := time.NewTicker(slow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SlowScan(ctx)
			case <-s.rescanCh:
				s.FullScan(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(fast)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.FastScan(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts both cadences, cancels in-flight git calls and waits for them.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Rescan requests a full rediscovery and refresh. Requests made while one is
// pending are coalesced.
func (s *Scanner) Rescan() {
	select {
	case s.rescanCh <- struct{}{}:
	default:
	}
}

// FullScan rediscovers the roots and refreshes every repository.
func (s *Scanner) FullScan(ctx context.Context) {
	s.discover()
	s.scanPaths(ctx, s.selectPaths(func(*repoEntry) bool { return true }), s.slowTimeout())
	s.publish()
}

// SlowScan rediscovers the roots and refreshes repositories not on the fast
// cadence.
func (s *Scanner) SlowScan(ctx context.Context) {
	s.discover()
	s.scanPaths(ctx, s.selectPaths(func(e *repoEntry) bool {
		return !e.scanned || !onFastCadence(e)
	}), s.slowTimeout())
	s.publish()
}

// FastScan refreshes dirty repositories, repositories in a special state and
// those whose git dir changed since the last pass.
func (s *Scanner) FastScan(ctx context.Context) {
	paths := s.selectPaths(func(e *repoEntry) bool {
		return e.scanned && onFastCadence(e)
	})
	if len(paths) == 0 {
		return
	}
	s.scanPaths(ctx, paths, s.fastTimeout())
	s.publish()
}

func onFastCadence(e *repoEntry) bool {
	return e.promoted || e.status.NeedsFastScan()
}

func (s *Scanner) selectPaths(pred func(*repoEntry) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for path, e := range s.repos {
		if pred(e) {
			e.promoted = false
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (s *Scanner) promote(repoPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.repos[repoPath]; ok {
		e.promoted = true
	}
}

// discover reconciles the known set with the repositories found under the roots.
func (s *Scanner) discover() {
	found := Discover(s.cfg.Roots, s.cfg.MaxDepth, s.cfg.IgnoreDirs)
	foundSet := make(map[string]bool, len(found))

	var added []*repoEntry
	var removed []*repoEntry

	s.mu.Lock()
	for _, path := range found {
		foundSet[path] = true
		if _, ok := s.repos[path]; ok {
			continue
		}
		gitDir, err := ResolveGitDir(path)
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Debug("Cannot resolve git dir")
		}
		e := &repoEntry{
			status: types.RepoStatus{Path: path, Name: filepath.Base(path)},
			gitDir: gitDir,
		}
		s.repos[path] = e
		added = append(added, e)
	}
	for path, e := range s.repos {
		if !foundSet[path] {
			delete(s.repos, path)
			delete(s.published, path)
			removed = append(removed, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].status.Path < removed[j].status.Path })

	for _, e := range added {
		if s.watcher != nil && e.gitDir != "" {
			s.watcher.Add(e.status.Path, e.gitDir)
		}
		s.emit(types.ActionDiscover, e.status, fmt.Sprintf("Repository %s discovered", e.status.Name))
	}
	for _, e := range removed {
		if s.watcher != nil && e.gitDir != "" {
			s.watcher.Remove(e.gitDir)
		}
		s.emit(types.ActionEnd, e.status, fmt.Sprintf("Repository %s removed", e.status.Name))
	}
	if len(added) > 0 || len(removed) > 0 {
		s.logger.WithFields(logrus.Fields{"added": len(added), "removed": len(removed), "total": len(found)}).Debug("Repository discovery")
	}
}

// scanPaths refreshes paths with at most ConcurrencyGit git processes at once.
func (s *Scanner) scanPaths(ctx context.Context, paths []string, timeout time.Duration) {
	var wg sync.WaitGroup
	for _, path := range paths {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.scanRepo(ctx, path, timeout)
		}(path)
	}
	wg.Wait()
}

// scanRepo runs git status for one repository. A failed or timed-out call keeps
// the previous counts and records the failure in Health.
func (s *Scanner) scanRepo(ctx context.Context, path string, timeout time.Duration) {
	s.mu.Lock()
	e, ok := s.repos[path]
	var gitDir string
	if ok {
		gitDir = e.gitDir
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := s.runner.Status(cctx, path)
	if ctx.Err() != nil {
		// Shutting down; leave the repo as it was.
		return
	}
	var special types.SpecialState
	if err == nil {
		special = DetectSpecialState(gitDir)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.repos[path]
	if !ok {
		return
	}
	e.scanned = true

	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)
		msg := err.Error()
		if timedOut {
			msg = fmt.Sprintf("git status timed out after %s", timeout)
		}
		e.status.Health = types.RepoHealth{LastError: msg, TimedOut: timedOut, LastScanAt: now}
		s.logger.WithFields(logrus.Fields{"path": path, "timed_out": timedOut}).WithError(err).Warn("Git status failed")
		return
	}

	st := ParseStatus(out)
	e.status.Branch = st.Branch
	e.status.Ahead = st.Ahead
	e.status.Behind = st.Behind
	e.status.StagedCount = st.Staged
	e.status.UnstagedCount = st.Unstaged
	e.status.UntrackedCount = st.Untracked
	e.status.SpecialState = special
	e.status.Health = types.RepoHealth{LastScanAt: now}
}

// publish pushes the current statuses to the DataStore and emits an update for
// every repository whose status changed since it was last published.
func (s *Scanner) publish() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	repos := make([]types.RepoStatus, 0, len(s.repos))
	var changed []types.RepoStatus
	for path, e := range s.repos {
		if !e.scanned {
			continue
		}
		repos = append(repos, e.status)
		prev, ok := s.published[path]
		if ok && !prev.SameStatus(&e.status) {
			changed = append(changed, e.status)
		}
		s.published[path] = e.status
	}
	s.mu.Unlock()

	sort.Slice(repos, func(i, j int) bool { return repos[i].Path < repos[j].Path })
	sort.Slice(changed, func(i, j int) bool { return changed[i].Path < changed[j].Path })

	s.store.SetRepos(repos)

	for _, r := range changed {
		s.emit(types.ActionUpdate, r, describe(r))
	}
}

func describe(r types.RepoStatus) string {
	if r.Health.LastError != "" {
		return fmt.Sprintf("%s: %s", r.Name, r.Health.LastError)
	}
	desc := fmt.Sprintf("%s on %s: %d staged, %d unstaged, %d untracked",
		r.Name, r.Branch, r.StagedCount, r.UnstagedCount, r.UntrackedCount)
	switch {
	case r.SpecialState.Conflict:
		desc += " (conflict)"
	case r.SpecialState.Rebase:
		desc += " (rebase)"
	case r.SpecialState.Merge:
		desc += " (merge)"
	}
	return desc
}

func (s *Scanner) emit(action types.EventAction, r types.RepoStatus, desc string) {
	if s.emitter == nil {
		return
	}
	details := map[string]any{
		"path":   r.Path,
		"name":   r.Name,
		"branch": r.Branch,
	}
	if action == types.ActionUpdate {
		details["staged"] = r.StagedCount
		details["unstaged"] = r.UnstagedCount
		details["untracked"] = r.UntrackedCount
		details["ahead"] = r.Ahead
		details["behind"] = r.Behind
		if r.Health.LastError != "" {
			details["error"] = r.Health.LastError
			details["timed_out"] = r.Health.TimedOut
		}
	}
	_, err := s.emitter.Emit(events.EmitOptions{
		Category:    types.CategoryRepo,
		Action:      action,
		EntityID:    r.Path,
		Description: desc,
		Details:     details,
		Source:      "repo_scanner",
	})
	if err != nil {
		s.logger.WithError(err).WithField("path", r.Path).Debug("Repo event not emitted")
	}
}

func (s *Scanner) fastTimeout() time.Duration {
	return durationOr(time.Duration(s.cfg.GitTimeoutFastMs)*time.Millisecond, 2*time.Second)
}

func (s *Scanner) slowTimeout() time.Duration {
	return durationOr(time.Duration(s.cfg.GitTimeoutSlowMs)*time.Millisecond, 5*time.Second)
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
