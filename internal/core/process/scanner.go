package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/jsonl"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// SnapshotPrefix is the file name prefix of the daily process snapshot logs.
const SnapshotPrefix = "process-snapshots-"

// Emitter accepts normalized events.
type Emitter interface {
	Emit(opts events.EmitOptions) (*types.AgentWatchEvent, error)
}

// SessionReconciler fails managed sessions whose process is gone.
type SessionReconciler interface {
	MarkStaleSessions(currentPIDs map[int]struct{}, grace time.Duration) []*types.ManagedSession
}

// Processes whose ancestor has one of these command names run inside a wrapper.
var wrapperNames = []string{"tmux", "screen", "zellij"}

type matcher struct {
	label string
	kind  types.MatcherType
	re    *regexp.Regexp
}

type cpuSample struct {
	ticks     uint64
	at        time.Time
	startTime time.Time
}

// Scanner is the ProcessScanner.
type Scanner struct {
	cfg      types.AgentsConfig
	store    *datastore.Store
	lister   ProcessLister
	emitter  Emitter
	sessions SessionReconciler
	logger   *logrus.Entry
	now      func() time.Time
	selfPID  int

	matchers    []matcher
	staleGrace  time.Duration
	snapshotDir string

	// scan state, guarded by mu
	mu           sync.Mutex
	samples      map[int]cpuSample
	lastActive   map[int]time.Time
	prev         map[int]types.AgentProcess
	lastSnapshot time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLister sets the process lister.
func WithLister(l ProcessLister) Option {
	return func(s *Scanner) { s.lister = l }
}

// WithEmitter sets where discover/end events go.
func WithEmitter(e Emitter) Option {
	return func(s *Scanner) { s.emitter = e }
}

// WithSessionReconciler sets the managed-session store reconciled every cycle.
func WithSessionReconciler(r SessionReconciler, grace time.Duration) Option {
	return func(s *Scanner) {
		s.sessions = r
		s.staleGrace = grace
	}
}

// WithSnapshotDir enables periodic process snapshot logging into dir.
func WithSnapshotDir(dir string) Option {
	return func(s *Scanner) { s.snapshotDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// NewScanner creates a ProcessScanner writing into store. Matchers whose pattern
// does not compile are logged and skipped.
func NewScanner(cfg types.AgentsConfig, store *datastore.Store, opts ...Option) *Scanner {
	s := &Scanner{
		cfg:        cfg,
		store:      store,
		now:        time.Now,
		selfPID:    os.Getpid(),
		samples:    make(map[int]cpuSample),
		lastActive: make(map[int]time.Time),
		prev:       make(map[int]types.AgentProcess),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewLogger("process")
	}
	if s.lister == nil {
		s.lister = NewLister()
	}

	for _, m := range cfg.Matchers {
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"label": m.Label, "pattern": m.Pattern}).WithError(err).Warn("Skipping invalid matcher")
			continue
		}
		kind := m.Type
		if kind == "" {
			kind = types.MatchCmdRegex
		}
		s.matchers = append(s.matchers, matcher{label: m.Label, kind: kind, re: re})
	}
	return s
}

// Start runs a scan immediately and then every RefreshSeconds until Stop or
// ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.RefreshSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ScanOnce(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ScanOnce(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop and waits for an in-flight cycle to finish.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// ScanOnce runs a single cycle and returns the matched agents. A failed
// enumeration leaves the previous snapshot in place.
func (s *Scanner) ScanOnce(ctx context.Context) []types.AgentProcess {
	procs, err := s.lister.List(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Process enumeration failed")
		return nil
	}

	s.mu.Lock()
	now := s.now()
	byPID := make(map[int]*ProcessInfo, len(procs))
	livePIDs := make(map[int]struct{}, len(procs))
	for i := range procs {
		byPID[procs[i].PID] = &procs[i]
		livePIDs[procs[i].PID] = struct{}{}
	}

	var agents []types.AgentProcess
	current := make(map[int]types.AgentProcess)
	for i := range procs {
		p := &procs[i]
		if p.PID == s.selfPID {
			continue
		}
		label, ok := s.match(p)
		if !ok {
			continue
		}

		agent := types.AgentProcess{
			PID:       p.PID,
			Label:     label,
			Exe:       p.Exe,
			Cmdline:   p.Cmdline,
			StartTime: p.StartTime,
			RSSKB:     p.RSSKB,
			TTY:       p.TTY,
		}
		if s.cfg.ResolveCWD {
			agent.CWD = s.lister.CWD(p.PID)
		}
		agent.CPUPct = s.cpuPercent(p, now)
		agent.HeuristicState = s.classify(p.PID, agent.CPUPct, now)
		agent.WrapperState = wrapperOf(p, byPID)

		agents = append(agents, agent)
		current[p.PID] = agent
	}

	// Forget per-pid state of processes that are gone.
	for pid := range s.samples {
		if _, ok := livePIDs[pid]; !ok {
			delete(s.samples, pid)
		}
	}
	for pid := range s.lastActive {
		if _, ok := current[pid]; !ok {
			delete(s.lastActive, pid)
		}
	}

	discovered, ended := diffPIDs(s.prev, current)
	prev := s.prev
	s.prev = current
	snapshotDue := s.snapshotDue(now)
	s.mu.Unlock()

	s.store.SetAgents(agents)

	for _, pid := range discovered {
		s.emit(types.ActionDiscover, current[pid], "discovered")
	}
	for _, pid := range ended {
		s.emit(types.ActionEnd, prev[pid], "ended")
	}

	if s.sessions != nil {
		for _, sess := range s.sessions.MarkStaleSessions(livePIDs, s.staleGrace) {
			s.logger.WithFields(logrus.Fields{"session": sess.ID, "pid": sess.PID}).Info("Managed session marked stale")
		}
	}

	if snapshotDue {
		s.writeSnapshot(now, agents)
	}

	return agents
}

func (s *Scanner) match(p *ProcessInfo) (string, bool) {
	for _, m := range s.matchers {
		var subject string
		switch m.kind {
		case types.MatchExePath:
			subject = p.Exe
		default:
			subject = p.Cmdline
		}
		if subject != "" && m.re.MatchString(subject) {
			return m.label, true
		}
	}
	return "", false
}

// cpuPercent is the share of one CPU used since the previous sample of the same
// process. The first observation of a pid reports 0.
func (s *Scanner) cpuPercent(p *ProcessInfo, now time.Time) float64 {
	prev, ok := s.samples[p.PID]
	s.samples[p.PID] = cpuSample{ticks: p.CPUTicks, at: now, startTime: p.StartTime}
	if !ok || !prev.startTime.Equal(p.StartTime) || p.CPUTicks < prev.ticks {
		return 0
	}
	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	used := float64(p.CPUTicks-prev.ticks) / s.lister.TicksPerSecond()
	pct := used / elapsed * 100
	return float64(int(pct*10+0.5)) / 10
}

// classify returns WORKING above the threshold, STALLED after StalledSeconds
// below it and IDLE in between.
func (s *Scanner) classify(pid int, cpuPct float64, now time.Time) types.HeuristicState {
	if cpuPct >= s.cfg.CPUThresholdPct {
		s.lastActive[pid] = now
		return types.StateWorking
	}
	last, ok := s.lastActive[pid]
	if !ok {
		// Count quiet time from the first observation.
		s.lastActive[pid] = now
		return types.StateIdle
	}
	if now.Sub(last) > time.Duration(s.cfg.StalledSeconds)*time.Second {
		return types.StateStalled
	}
	return types.StateIdle
}

func wrapperOf(p *ProcessInfo, byPID map[int]*ProcessInfo) *string {
	seen := make(map[int]bool)
	for cur := byPID[p.PPID]; cur != nil && !seen[cur.PID]; cur = byPID[cur.PPID] {
		seen[cur.PID] = true
		name := strings.ToLower(cur.Comm)
		for _, w := range wrapperNames {
			if name == w || strings.HasPrefix(name, w+":") || strings.HasPrefix(filepath.Base(cur.Exe), w) {
				wrapper := w
				return &wrapper
			}
		}
		if cur.PPID == cur.PID {
			break
		}
	}
	return nil
}

// diffPIDs returns pids in next but not prev, and in prev but not next, both sorted.
func diffPIDs(prev, next map[int]types.AgentProcess) (discovered, ended []int) {
	for pid := range next {
		if _, ok := prev[pid]; !ok {
			discovered = append(discovered, pid)
		}
	}
	for pid := range prev {
		if _, ok := next[pid]; !ok {
			ended = append(ended, pid)
		}
	}
	sort.Ints(discovered)
	sort.Ints(ended)
	return discovered, ended
}

func (s *Scanner) emit(action types.EventAction, a types.AgentProcess, verb string) {
	if s.emitter == nil {
		return
	}
	_, err := s.emitter.Emit(events.EmitOptions{
		Category:    types.CategoryProcess,
		Action:      action,
		EntityID:    strconv.Itoa(a.PID),
		Description: fmt.Sprintf("%s process %s (pid %d)", a.Label, verb, a.PID),
		Details: map[string]any{
			"pid":     a.PID,
			"label":   a.Label,
			"cwd":     a.CWD,
			"cmdline": a.Cmdline,
		},
		Source: "process_scanner",
	})
	if err != nil {
		s.logger.WithError(err).WithField("pid", a.PID).Debug("Process event not emitted")
	}
}

// Caller holds mu.
func (s *Scanner) snapshotDue(now time.Time) bool {
	if s.snapshotDir == "" || s.cfg.SnapshotIntervalSecond <= 0 {
		return false
	}
	if !s.lastSnapshot.IsZero() && now.Sub(s.lastSnapshot) < time.Duration(s.cfg.SnapshotIntervalSecond)*time.Second {
		return false
	}
	s.lastSnapshot = now
	return true
}

// Snapshot is one line of the process snapshot log.
type Snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Agents    []types.AgentProcess `json:"agents"`
}

func (s *Scanner) writeSnapshot(now time.Time, agents []types.AgentProcess) {
	if agents == nil {
		agents = []types.AgentProcess{}
	}
	path := jsonl.DailyPath(s.snapshotDir, SnapshotPrefix, now)
	if err := jsonl.Append(path, Snapshot{Timestamp: now, Agents: agents}); err != nil {
		s.logger.WithError(err).Warn("Failed to write process snapshot")
	}
}

// CleanupSnapshots deletes snapshot logs older than retentionDays.
func (s *Scanner) CleanupSnapshots(retentionDays int) (int, error) {
	if s.snapshotDir == "" || retentionDays <= 0 {
		return 0, nil
	}
	return jsonl.RemoveOlderThan(s.snapshotDir, SnapshotPrefix, s.now().AddDate(0, 0, -retentionDays))
}
