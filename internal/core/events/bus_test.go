package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/jsonl"
	"github.com/agentwatch/agentwatch/pkg/types"
)

func newBus(t *testing.T, capacity int) (*Bus, string) {
	t.Helper()
	dir := t.TempDir()
	b := New(dir, capacity)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b, dir
}

func TestEmitAssignsIDAndTimestamp(t *testing.T) {
	b, _ := newBus(t, 10)

	ev, err := b.Emit(EmitOptions{Category: types.CategoryProcess, Action: types.ActionDiscover, EntityID: "100"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev, err = b.Emit(EmitOptions{ID: "given", Timestamp: fixed, Category: types.CategorySystem, Action: types.ActionStart})
	require.NoError(t, err)
	assert.Equal(t, "given", ev.ID)
	assert.Equal(t, fixed, ev.Timestamp)
}

func TestEmitOutsideLifecycleIsDropped(t *testing.T) {
	b := New("", 10)
	var got []types.AgentWatchEvent
	b.Subscribe(func(ev types.AgentWatchEvent) { got = append(got, ev) })

	_, err := b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionStart})
	assert.ErrorIs(t, err, ErrBusStopped)

	require.NoError(t, b.Start())
	_, err = b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionStart})
	require.NoError(t, err)

	b.Stop()
	_, err = b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionEnd})
	assert.ErrorIs(t, err, ErrBusStopped)

	assert.Len(t, got, 1)
	assert.Len(t, b.Recent(Query{}), 1)
	assert.Equal(t, 2, b.Dropped())
	assert.Error(t, b.Start(), "stopped bus cannot restart")
}

func TestSubscribersObserveEmitOrder(t *testing.T) {
	b, _ := newBus(t, 1000)

	var mu sync.Mutex
	var first, second []string
	b.Subscribe(func(ev types.AgentWatchEvent) { mu.Lock(); first = append(first, ev.EntityID); mu.Unlock() })
	b.Subscribe(func(ev types.AgentWatchEvent) { mu.Lock(); second = append(second, ev.EntityID); mu.Unlock() })

	var want []string
	for i := 0; i < 50; i++ {
		id := fmt.Sprint(i)
		want = append(want, id)
		_, err := b.Emit(EmitOptions{Category: types.CategoryRepo, Action: types.ActionUpdate, EntityID: id})
		require.NoError(t, err)
	}

	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestConcurrentEmitOrderMatchesBuffer(t *testing.T) {
	b, _ := newBus(t, 1000)

	var mu sync.Mutex
	var seen []string
	b.Subscribe(func(ev types.AgentWatchEvent) { mu.Lock(); seen = append(seen, ev.ID); mu.Unlock() })

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Emit(EmitOptions{Category: types.CategoryToolUsage, Action: types.ActionCreate})
			}
		}()
	}
	wg.Wait()

	recent := b.Recent(Query{})
	require.Len(t, recent, 200)
	for i, ev := range recent {
		assert.Equal(t, seen[i], ev.ID)
	}
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	b, _ := newBus(t, 10)

	delivered := 0
	b.Subscribe(func(types.AgentWatchEvent) { panic("boom") })
	b.Subscribe(func(types.AgentWatchEvent) { delivered++ })

	_, err := b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionStart})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newBus(t, 10)

	calls := 0
	unsub := b.Subscribe(func(types.AgentWatchEvent) { calls++ })
	b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionStart})
	unsub()
	b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionStart})

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.SubscriberCount())
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b, _ := newBus(t, 3)

	for i := 0; i < 5; i++ {
		b.Emit(EmitOptions{Category: types.CategoryPort, Action: types.ActionDiscover, EntityID: fmt.Sprint(i)})
	}

	var ids []string
	for _, ev := range b.Recent(Query{}) {
		ids = append(ids, ev.EntityID)
	}
	assert.Equal(t, []string{"2", "3", "4"}, ids)
}

func TestRecentFilters(t *testing.T) {
	b, _ := newBus(t, 10)

	b.Emit(EmitOptions{Category: types.CategoryProcess, Action: types.ActionDiscover, EntityID: "1"})
	b.Emit(EmitOptions{Category: types.CategoryProcess, Action: types.ActionEnd, EntityID: "1"})
	b.Emit(EmitOptions{Category: types.CategoryPort, Action: types.ActionDiscover, EntityID: "tcp:3000"})
	b.Emit(EmitOptions{Category: types.CategoryProcess, Action: types.ActionDiscover, EntityID: "2"})

	assert.Len(t, b.Recent(Query{Category: types.CategoryProcess}), 3)
	assert.Len(t, b.Recent(Query{Action: types.ActionDiscover}), 3)
	assert.Len(t, b.Recent(Query{EntityID: "1"}), 2)

	limited := b.Recent(Query{Category: types.CategoryProcess, Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, types.ActionEnd, limited[0].Action)
	assert.Equal(t, "2", limited[1].EntityID)
}

func TestAuditLogAndPreload(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, 10)
	require.NoError(t, b.Start())
	b.Emit(EmitOptions{Category: types.CategoryRepo, Action: types.ActionDiscover, EntityID: "/src/a"})
	b.Emit(EmitOptions{Category: types.CategoryRepo, Action: types.ActionUpdate, EntityID: "/src/a"})
	b.Stop()

	var audited []types.AgentWatchEvent
	res, err := jsonl.Replay(jsonl.DailyPath(dir, AuditPrefix, time.Now()), func(ev types.AgentWatchEvent) {
		audited = append(audited, ev)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)

	restarted := New(dir, 10)
	require.NoError(t, restarted.Start())
	defer restarted.Stop()
	recent := restarted.Recent(Query{})
	require.Len(t, recent, 2)
	assert.Equal(t, audited[1].ID, recent[1].ID)
}

func TestCleanupAudit(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.Local)
	dir := t.TempDir()
	b := New(dir, 10, WithClock(func() time.Time { return now }))
	require.NoError(t, b.Start())
	defer b.Stop()

	b.Emit(EmitOptions{Timestamp: now.AddDate(0, 0, -40), Category: types.CategorySystem, Action: types.ActionStart})
	b.Emit(EmitOptions{Category: types.CategorySystem, Action: types.ActionStart})

	removed, err := b.CleanupAudit(30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(jsonl.DailyPath(dir, AuditPrefix, now)), entries[0].Name())
}
