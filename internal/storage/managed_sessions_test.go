package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "agentwatch.db"))
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInitializeCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agentwatch.db")
	s := NewStore(path)
	require.NoError(t, s.Initialize())
	defer s.Close()
	assert.Equal(t, path, s.Path())
	assert.FileExists(t, path)
}

func TestManagedSessionRoundTrip(t *testing.T) {
	ms := NewManagedSessionStore(openStore(t))

	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)
	pid, code := 4242, 1
	sess := &types.ManagedSession{
		ID:         "m1",
		Prompt:     "fix the tests",
		Agent:      "claude",
		CWD:        "/src/app",
		PID:        &pid,
		Status:     types.ManagedFailed,
		StartedAt:  started,
		EndedAt:    &ended,
		ExitCode:   &code,
		LastSeenAt: started.Add(30 * time.Second),
		Stale:      true,
		Error:      "process vanished",
	}
	require.NoError(t, ms.SaveSession(sess))

	loaded, err := ms.LoadSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, sess, loaded[0])
}

func TestManagedSessionUpsertAndDelete(t *testing.T) {
	ms := NewManagedSessionStore(openStore(t))
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, ms.SaveSession(&types.ManagedSession{
			ID: id, Prompt: "p", Agent: "codex", Status: types.ManagedRunning,
			StartedAt: now, LastSeenAt: now,
		}))
	}
	require.NoError(t, ms.SaveSession(&types.ManagedSession{
		ID: "a", Prompt: "p", Agent: "codex", Status: types.ManagedCompleted,
		StartedAt: now, LastSeenAt: now,
	}))

	loaded, err := ms.LoadSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[string]*types.ManagedSession{}
	for _, s := range loaded {
		byID[s.ID] = s
	}
	assert.Equal(t, types.ManagedCompleted, byID["a"].Status)
	assert.Nil(t, byID["b"].PID)

	require.NoError(t, ms.DeleteSessions([]string{"a"}))
	loaded, err = ms.LoadSessions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)
}
