package repo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// fakeRunner answers git status from a table. Paths in hang block until the
// call's context expires.
type fakeRunner struct {
	mu     sync.Mutex
	out    map[string]string
	hang   map[string]bool
	delay  map[string]time.Duration
	calls  map[string]int
	active int
	peak   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{out: map[string]string{}, hang: map[string]bool{}, delay: map[string]time.Duration{}, calls: map[string]int{}}
}

func (f *fakeRunner) set(path, out string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[path] = out
}

func (f *fakeRunner) setHang(path string, hang bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang[path] = hang
}

func (f *fakeRunner) setDelay(path string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[path] = d
}

func (f *fakeRunner) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeRunner) Status(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	f.calls[path]++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	hang := f.hang[path]
	delay := f.delay[path]
	out := f.out[path]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay <= 0 {
		delay = 5 * time.Millisecond
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(out), nil
}

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

func (r *recordingEmitter) actions(entity string) []types.EventAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EventAction
	for _, e := range r.events {
		if e.EntityID == entity {
			out = append(out, e.Action)
		}
	}
	return out
}

const (
	cleanOut = "# branch.oid abc\n# branch.head main\n"
	dirtyOut = "# branch.oid abc\n# branch.head main\n1 .M N... 100644 100644 100644 a a main.go\n? new.txt\n"
)

func newTestScanner(t *testing.T, root string, runner *fakeRunner) (*Scanner, *datastore.Store, *recordingEmitter) {
	t.Helper()
	store := datastore.New()
	em := &recordingEmitter{}
	cfg := types.ReposConfig{
		Roots:              []string{root},
		RefreshFastSeconds: 1,
		RefreshSlowSeconds: 10,
		ConcurrencyGit:     2,
		GitTimeoutFastMs:   100,
		GitTimeoutSlowMs:   100,
		MaxDepth:           3,
	}
	return NewScanner(cfg, store, WithGitRunner(runner), WithEmitter(em)), store, em
}

func repoByPath(repos []types.RepoStatus, path string) *types.RepoStatus {
	for i := range repos {
		if repos[i].Path == path {
			return &repos[i]
		}
	}
	return nil
}

func TestFullScanPublishesStatuses(t *testing.T) {
	root := t.TempDir()
	clean, dirty := filepath.Join(root, "clean"), filepath.Join(root, "dirty")
	mkRepo(t, clean)
	mkRepo(t, dirty)

	runner := newFakeRunner()
	runner.set(clean, cleanOut)
	runner.set(dirty, dirtyOut)
	s, store, em := newTestScanner(t, root, runner)

	s.FullScan(context.Background())

	repos := store.SnapshotRepos()
	require.Len(t, repos, 2)
	d := repoByPath(repos, dirty)
	require.NotNil(t, d)
	assert.Equal(t, "dirty", d.Name)
	assert.Equal(t, "main", d.Branch)
	assert.Equal(t, 1, d.UnstagedCount)
	assert.Equal(t, 1, d.UntrackedCount)
	assert.False(t, d.Health.LastScanAt.IsZero())

	assert.Equal(t, []types.EventAction{types.ActionDiscover}, em.actions(clean))
	assert.Equal(t, []types.EventAction{types.ActionDiscover}, em.actions(dirty))
}

func TestFastScanOnlyDirtyRepos(t *testing.T) {
	root := t.TempDir()
	clean, dirty := filepath.Join(root, "clean"), filepath.Join(root, "dirty")
	mkRepo(t, clean)
	mkRepo(t, dirty)

	runner := newFakeRunner()
	runner.set(clean, cleanOut)
	runner.set(dirty, dirtyOut)
	s, _, _ := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	s.FastScan(context.Background())
	s.FastScan(context.Background())

	assert.Equal(t, 1, runner.callCount(clean))
	assert.Equal(t, 3, runner.callCount(dirty))

	// Once clean, the repo drops back to the slow cadence.
	runner.set(dirty, cleanOut)
	s.FastScan(context.Background())
	s.FastScan(context.Background())
	assert.Equal(t, 4, runner.callCount(dirty))

	s.SlowScan(context.Background())
	assert.Equal(t, 2, runner.callCount(clean))
	assert.Equal(t, 5, runner.callCount(dirty))
}

func TestSlowScanSkipsFastRepos(t *testing.T) {
	root := t.TempDir()
	clean, dirty := filepath.Join(root, "clean"), filepath.Join(root, "dirty")
	mkRepo(t, clean)
	mkRepo(t, dirty)

	runner := newFakeRunner()
	runner.set(clean, cleanOut)
	runner.set(dirty, dirtyOut)
	s, _, _ := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	s.SlowScan(context.Background())
	assert.Equal(t, 2, runner.callCount(clean))
	assert.Equal(t, 1, runner.callCount(dirty))
}

func TestPromotedRepoJoinsFastPass(t *testing.T) {
	root := t.TempDir()
	clean := filepath.Join(root, "clean")
	mkRepo(t, clean)

	runner := newFakeRunner()
	runner.set(clean, cleanOut)
	s, _, _ := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	s.promote(clean)
	s.FastScan(context.Background())
	s.FastScan(context.Background())
	assert.Equal(t, 2, runner.callCount(clean))
}

func TestTimedOutRepoKeepsPreviousStatus(t *testing.T) {
	root := t.TempDir()
	slow, fast := filepath.Join(root, "slow"), filepath.Join(root, "fast")
	mkRepo(t, slow)
	mkRepo(t, fast)

	runner := newFakeRunner()
	runner.set(slow, dirtyOut)
	runner.set(fast, cleanOut)
	s, store, em := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	before := repoByPath(store.SnapshotRepos(), slow)
	require.NotNil(t, before)
	require.Equal(t, 1, before.UntrackedCount)

	runner.setHang(slow, true)
	runner.set(fast, dirtyOut)
	start := time.Now()
	s.FullScan(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	repos := store.SnapshotRepos()
	got := repoByPath(repos, slow)
	require.NotNil(t, got)
	assert.True(t, got.Health.TimedOut)
	assert.Contains(t, got.Health.LastError, "timed out")
	assert.Equal(t, 1, got.UntrackedCount)
	assert.Equal(t, 1, got.UnstagedCount)

	// The other repository was refreshed in the same pass.
	other := repoByPath(repos, fast)
	require.NotNil(t, other)
	assert.Equal(t, 1, other.UntrackedCount)
	assert.Empty(t, other.Health.LastError)

	assert.Contains(t, em.actions(slow), types.ActionUpdate)

	// Recovery clears the error.
	runner.setHang(slow, false)
	s.FullScan(context.Background())
	got = repoByPath(store.SnapshotRepos(), slow)
	require.NotNil(t, got)
	assert.Empty(t, got.Health.LastError)
	assert.False(t, got.Health.TimedOut)
}

func TestFirstScanFailureStillListsRepo(t *testing.T) {
	root := t.TempDir()
	broken := filepath.Join(root, "broken")
	mkRepo(t, broken)

	runner := newFakeRunner()
	runner.setHang(broken, true)
	s, store, _ := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	repos := store.SnapshotRepos()
	require.Len(t, repos, 1)
	assert.True(t, repos[0].Health.TimedOut)
	assert.Zero(t, repos[0].UntrackedCount)
}

func TestConcurrencyIsBounded(t *testing.T) {
	root := t.TempDir()
	runner := newFakeRunner()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		path := filepath.Join(root, name)
		mkRepo(t, path)
		runner.set(path, cleanOut)
	}
	s, store, _ := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	assert.Len(t, store.SnapshotRepos(), 6)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.peak, 2)
}

func TestSpecialStateKeepsRepoOnFastCadence(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "merging")
	mkRepo(t, path)
	touch(t, filepath.Join(path, ".git", "MERGE_HEAD"), "abc\n")

	runner := newFakeRunner()
	runner.set(path, cleanOut)
	s, store, _ := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	repos := store.SnapshotRepos()
	require.Len(t, repos, 1)
	assert.True(t, repos[0].SpecialState.Merge)

	s.FastScan(context.Background())
	assert.Equal(t, 2, runner.callCount(path))
}

func TestRemovedRepoEnds(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone")
	mkRepo(t, path)

	runner := newFakeRunner()
	runner.set(path, cleanOut)
	s, store, em := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	require.Len(t, store.SnapshotRepos(), 1)

	require.NoError(t, os.RemoveAll(path))
	s.FullScan(context.Background())
	assert.Empty(t, store.SnapshotRepos())
	assert.Equal(t, []types.EventAction{types.ActionDiscover, types.ActionEnd}, em.actions(path))
}

func TestUnchangedStatusEmitsNoUpdate(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "r")
	mkRepo(t, path)

	runner := newFakeRunner()
	runner.set(path, dirtyOut)
	s, _, em := newTestScanner(t, root, runner)

	s.FullScan(context.Background())
	s.FastScan(context.Background())
	assert.Equal(t, []types.EventAction{types.ActionDiscover}, em.actions(path))

	runner.set(path, cleanOut)
	s.FastScan(context.Background())
	assert.Equal(t, []types.EventAction{types.ActionDiscover, types.ActionUpdate}, em.actions(path))
}

func TestStartRescanStop(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "r")
	mkRepo(t, path)

	runner := newFakeRunner()
	runner.set(path, cleanOut)
	s, store, _ := newTestScanner(t, root, runner)
	s.cfg.WatchGitDir = true

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(store.SnapshotRepos()) == 1 }, 2*time.Second, 10*time.Millisecond)

	added := filepath.Join(root, "added")
	mkRepo(t, added)
	runner.set(added, cleanOut)
	s.Rescan()
	require.Eventually(t, func() bool { return len(store.SnapshotRepos()) == 2 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestSlowPassDoesNotStarveDirtyRepo(t *testing.T) {
	root := t.TempDir()
	runner := newFakeRunner()
	dirty := filepath.Join(root, "dirty")
	mkRepo(t, dirty)
	runner.set(dirty, dirtyOut)
	for _, name := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"} {
		path := filepath.Join(root, name)
		mkRepo(t, path)
		runner.set(path, cleanOut)
		runner.setDelay(path, 300*time.Millisecond)
	}

	s, _, _ := newTestScanner(t, root, runner)
	s.cfg.ConcurrencyGit = 1
	s.sem = make(chan struct{}, 1)
	s.cfg.GitTimeoutFastMs = 1000
	s.cfg.GitTimeoutSlowMs = 1000
	s.cfg.RefreshFastSeconds = 1
	s.cfg.RefreshSlowSeconds = 2

	s.Start(context.Background())
	time.Sleep(8 * time.Second)
	s.Stop()

	// Clean repos keep the slow goroutine busy almost continuously; the dirty
	// repo must still be refreshed on nearly every fast tick.
	assert.GreaterOrEqual(t, runner.callCount(dirty), 5)
}

func TestWatcherPromotesOnGitDirChange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "r")
	mkRepo(t, path)

	runner := newFakeRunner()
	runner.set(path, cleanOut)
	s, _, _ := newTestScanner(t, root, runner)
	s.cfg.WatchGitDir = true
	s.cfg.RefreshFastSeconds = 3600
	s.cfg.RefreshSlowSeconds = 3600

	s.Start(context.Background())
	defer s.Stop()
	require.Eventually(t, func() bool { return runner.callCount(path) == 1 }, 2*time.Second, 10*time.Millisecond)

	touch(t, filepath.Join(path, ".git", "HEAD"), "ref: refs/heads/other\n")
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.repos[path].promoted
	}, 2*time.Second, 10*time.Millisecond)
}
