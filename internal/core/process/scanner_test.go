package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/jsonl"
	"github.com/agentwatch/agentwatch/pkg/types"
)

type fakeLister struct {
	mu    sync.Mutex
	procs []ProcessInfo
	err   error
	cwds  map[int]string
}

func (f *fakeLister) set(procs ...ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func (f *fakeLister) List(ctx context.Context) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]ProcessInfo(nil), f.procs...), nil
}

func (f *fakeLister) CWD(pid int) string      { return f.cwds[pid] }
func (f *fakeLister) TicksPerSecond() float64 { return 100 }

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.EmitOptions
}

func (r *recordingEmitter) Emit(opts events.EmitOptions) (*types.AgentWatchEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, opts)
	return &types.AgentWatchEvent{Category: opts.Category, Action: opts.Action, EntityID: opts.EntityID}, nil
}

func (r *recordingEmitter) count(action types.EventAction, entity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Action == action && e.EntityID == entity {
			n++
		}
	}
	return n
}

type fakeReconciler struct {
	calls []map[int]struct{}
	grace time.Duration
}

func (f *fakeReconciler) MarkStaleSessions(pids map[int]struct{}, grace time.Duration) []*types.ManagedSession {
	f.calls = append(f.calls, pids)
	f.grace = grace
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testMatchers = []types.Matcher{
	{Label: "claude", Type: types.MatchExePath, Pattern: `(^|/)claude$`},
	{Label: "codex", Type: types.MatchCmdRegex, Pattern: `\bcodex\b`},
}

func claudeProc(pid int, ticks uint64) ProcessInfo {
	return ProcessInfo{PID: pid, PPID: 1, Comm: "claude", Exe: "/usr/local/bin/claude", Cmdline: "claude --resume", CPUTicks: ticks}
}

func newTestScanner(t *testing.T, lister *fakeLister, opts ...Option) (*Scanner, *datastore.Store, *recordingEmitter, *clock) {
	t.Helper()
	store := datastore.New()
	em := &recordingEmitter{}
	clk := &clock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.Local)}
	cfg := types.AgentsConfig{
		RefreshSeconds:  2,
		Matchers:        testMatchers,
		ResolveCWD:      true,
		CPUThresholdPct: 5,
		StalledSeconds:  30,
	}
	opts = append([]Option{WithLister(lister), WithEmitter(em), WithClock(clk.now)}, opts...)
	return NewScanner(cfg, store, opts...), store, em, clk
}

func TestScanMatchesAgents(t *testing.T) {
	lister := &fakeLister{cwds: map[int]string{100: "/src/app"}}
	lister.set(
		claudeProc(100, 0),
		ProcessInfo{PID: 200, Exe: "/usr/bin/node", Cmdline: "node /opt/codex/bin/codex.js"},
		ProcessInfo{PID: 300, Exe: "/usr/bin/vim", Cmdline: "vim claude.md"},
	)
	s, store, _, _ := newTestScanner(t, lister)

	agents := s.ScanOnce(context.Background())
	require.Len(t, agents, 2)

	snap := store.SnapshotAgents()
	require.Len(t, snap, 2)
	assert.Equal(t, "claude", snap[0].Label)
	assert.Equal(t, "/src/app", snap[0].CWD)
	assert.Equal(t, "codex", snap[1].Label)
	assert.Equal(t, types.StateIdle, snap[1].HeuristicState)
}

func TestInvalidMatcherIsSkipped(t *testing.T) {
	lister := &fakeLister{}
	lister.set(claudeProc(100, 0))
	store := datastore.New()
	s := NewScanner(types.AgentsConfig{Matchers: []types.Matcher{
		{Label: "broken", Pattern: `([`},
		{Label: "claude", Type: types.MatchExePath, Pattern: `claude$`},
	}}, store, WithLister(lister))

	agents := s.ScanOnce(context.Background())
	require.Len(t, agents, 1)
	assert.Equal(t, "claude", agents[0].Label)
}

func TestPIDDiffEmitsDiscoverAndEnd(t *testing.T) {
	lister := &fakeLister{}
	s, _, em, clk := newTestScanner(t, lister)
	ctx := context.Background()

	// A = {100, 101}, B = {101, 102}
	lister.set(claudeProc(100, 0), claudeProc(101, 0))
	s.ScanOnce(ctx)
	clk.advance(2 * time.Second)
	lister.set(claudeProc(101, 0), claudeProc(102, 0))
	s.ScanOnce(ctx)

	assert.Equal(t, 1, em.count(types.ActionDiscover, "100"))
	assert.Equal(t, 1, em.count(types.ActionDiscover, "101"))
	assert.Equal(t, 1, em.count(types.ActionDiscover, "102"))
	assert.Equal(t, 1, em.count(types.ActionEnd, "100"))
	assert.Equal(t, 0, em.count(types.ActionEnd, "101"))
	assert.Len(t, em.events, 4)

	ended := em.events[3]
	assert.Equal(t, types.CategoryProcess, ended.Category)
	assert.Equal(t, "claude", ended.Details["label"])
}

func TestSamePIDTwiceDiscoversOnce(t *testing.T) {
	lister := &fakeLister{}
	lister.set(claudeProc(100, 0))
	s, _, em, clk := newTestScanner(t, lister)

	s.ScanOnce(context.Background())
	clk.advance(2 * time.Second)
	s.ScanOnce(context.Background())

	assert.Equal(t, 1, em.count(types.ActionDiscover, "100"))
	assert.Equal(t, 0, em.count(types.ActionEnd, "100"))
}

func TestEnumerationFailureKeepsSnapshot(t *testing.T) {
	lister := &fakeLister{}
	lister.set(claudeProc(100, 0))
	s, store, em, _ := newTestScanner(t, lister)
	s.ScanOnce(context.Background())

	lister.err = errors.New("permission denied")
	assert.Nil(t, s.ScanOnce(context.Background()))

	assert.Len(t, store.SnapshotAgents(), 1)
	assert.Equal(t, 0, em.count(types.ActionEnd, "100"))
}

func TestHeuristicStates(t *testing.T) {
	lister := &fakeLister{}
	s, store, _, clk := newTestScanner(t, lister)
	ctx := context.Background()

	lister.set(claudeProc(100, 0))
	s.ScanOnce(ctx)
	assert.Equal(t, types.StateIdle, store.SnapshotAgents()[0].HeuristicState)

	// 100 ticks over 2s is 50% of a CPU.
	clk.advance(2 * time.Second)
	lister.set(claudeProc(100, 100))
	s.ScanOnce(ctx)
	a := store.SnapshotAgents()[0]
	assert.Equal(t, types.StateWorking, a.HeuristicState)
	assert.InDelta(t, 50.0, a.CPUPct, 0.01)

	clk.advance(20 * time.Second)
	s.ScanOnce(ctx)
	assert.Equal(t, types.StateIdle, store.SnapshotAgents()[0].HeuristicState)

	clk.advance(20 * time.Second)
	s.ScanOnce(ctx)
	assert.Equal(t, types.StateStalled, store.SnapshotAgents()[0].HeuristicState)
}

func TestPIDReuseResetsCPUSample(t *testing.T) {
	lister := &fakeLister{}
	s, store, _, clk := newTestScanner(t, lister)
	ctx := context.Background()

	first := claudeProc(100, 5000)
	first.StartTime = clk.t.Add(-time.Hour)
	lister.set(first)
	s.ScanOnce(ctx)

	clk.advance(2 * time.Second)
	reused := claudeProc(100, 5100)
	reused.StartTime = clk.t
	lister.set(reused)
	s.ScanOnce(ctx)

	assert.Zero(t, store.SnapshotAgents()[0].CPUPct)
}

func TestWrapperDetection(t *testing.T) {
	lister := &fakeLister{}
	child := claudeProc(100, 0)
	child.PPID = 50
	lister.set(
		ProcessInfo{PID: 10, PPID: 1, Comm: "tmux: server", Exe: "/usr/bin/tmux", Cmdline: "tmux"},
		ProcessInfo{PID: 50, PPID: 10, Comm: "zsh", Exe: "/bin/zsh", Cmdline: "-zsh"},
		child,
		claudeProc(101, 0),
	)
	s, store, _, _ := newTestScanner(t, lister)
	s.ScanOnce(context.Background())

	snap := store.SnapshotAgents()
	require.Len(t, snap, 2)
	require.NotNil(t, snap[0].WrapperState)
	assert.Equal(t, "tmux", *snap[0].WrapperState)
	assert.Nil(t, snap[1].WrapperState)
}

func TestReconcilesManagedSessions(t *testing.T) {
	lister := &fakeLister{}
	lister.set(claudeProc(100, 0), ProcessInfo{PID: 7, Exe: "/bin/sh", Cmdline: "sh"})
	rec := &fakeReconciler{}
	s, _, _, _ := newTestScanner(t, lister, WithSessionReconciler(rec, 10*time.Second))

	s.ScanOnce(context.Background())

	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0], 7, "all live pids are passed, not only agents")
	assert.Contains(t, rec.calls[0], 100)
	assert.Equal(t, 10*time.Second, rec.grace)
}

func TestSnapshotLogging(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{}
	lister.set(claudeProc(100, 0))
	s, _, _, clk := newTestScanner(t, lister, WithSnapshotDir(dir))
	s.cfg.SnapshotIntervalSecond = 60
	ctx := context.Background()

	s.ScanOnce(ctx)
	clk.advance(30 * time.Second)
	s.ScanOnce(ctx)
	clk.advance(31 * time.Second)
	s.ScanOnce(ctx)

	var snaps []Snapshot
	_, err := jsonl.Replay(jsonl.DailyPath(dir, SnapshotPrefix, clk.t), func(sn Snapshot) { snaps = append(snaps, sn) })
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 100, snaps[0].Agents[0].PID)

	clk.advance(10 * 24 * time.Hour)
	removed, err := s.CleanupSnapshots(7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestStartStop(t *testing.T) {
	lister := &fakeLister{}
	lister.set(claudeProc(100, 0))
	s, store, _, _ := newTestScanner(t, lister)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(store.SnapshotAgents()) == 1 }, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
