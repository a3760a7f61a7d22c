package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/core/hooks"
	"github.com/agentwatch/agentwatch/internal/core/session"
	"github.com/agentwatch/agentwatch/pkg/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeRescanner struct {
	calls atomic.Int32
}

func (f *fakeRescanner) Rescan() { f.calls.Add(1) }

type staticSnapshot struct {
	snapshot types.InitSnapshot
}

func (s staticSnapshot) InitSnapshot() types.InitSnapshot { return s.snapshot }

type testServer struct {
	router    *Router
	data      *datastore.Store
	hooks     *hooks.Store
	sessions  *session.Store
	bus       *events.Bus
	conns     *ConnectionManager
	rescanner *fakeRescanner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	hookStore, err := hooks.Open(t.TempDir())
	require.NoError(t, err)
	sessions, err := session.NewStore(nil)
	require.NoError(t, err)
	bus := events.New("", 50)
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)

	ts := &testServer{
		data:      datastore.New(),
		hooks:     hookStore,
		sessions:  sessions,
		bus:       bus,
		conns:     NewConnectionManager(nil),
		rescanner: &fakeRescanner{},
	}
	ts.router = NewRouter(Deps{
		DataStore:   ts.data,
		Rescanner:   ts.rescanner,
		Hooks:       ts.hooks,
		Sessions:    ts.sessions,
		Events:      ts.bus,
		Connections: ts.conns,
		Snapshotter: staticSnapshot{types.InitSnapshot{
			Ports: []types.ListeningPort{{Port: 5173, Protocol: "tcp"}},
		}},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["events_running"])

	ts.bus.Stop()
	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["events_running"])
}

func TestStateEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.data.SetPorts([]types.ListeningPort{{Port: 8080, Protocol: "tcp"}, {Port: 3000, Protocol: "tcp"}})

	w := ts.do(t, http.MethodGet, "/api/ports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ports := decode[[]types.ListeningPort](t, w)
	require.Len(t, ports, 2)
	assert.Equal(t, 3000, ports[0].Port)

	w = ts.do(t, http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/repos", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/repos/rescan", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int32(1), ts.rescanner.calls.Load())
}

func TestHookFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/hooks/session-start", map[string]any{
		"session_id": "s1", "cwd": "/repo", "permission_mode": "default", "source": "startup",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/hooks/pre-tool-use", map[string]any{
		"session_id": "s1", "tool_use_id": "t1", "tool_name": "Bash", "tool_input": map[string]any{"command": "git commit -m x"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/hooks/post-tool-use", map[string]any{
		"session_id": "s1", "tool_use_id": "t1", "tool_name": "Bash",
		"tool_response": map[string]any{"stdout": "[main abc1234] Fix parser\n 1 file changed"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	usage := decode[types.ToolUsage](t, w)
	require.NotNil(t, usage.Success)
	assert.True(t, *usage.Success)

	w = ts.do(t, http.MethodGet, "/api/hooks/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[types.HookSession](t, w)
	assert.Equal(t, 1, sess.ToolCount)
	assert.Equal(t, []string{"abc1234"}, sess.Commits)

	w = ts.do(t, http.MethodGet, "/api/hooks/sessions/s1/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.ToolUsage](t, w), 1)

	w = ts.do(t, http.MethodGet, "/api/hooks/sessions/s1/commits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	commits := decode[[]types.GitCommit](t, w)
	require.Len(t, commits, 1)
	assert.Equal(t, "Fix parser", commits[0].Message)

	w = ts.do(t, http.MethodPost, "/api/hooks/stop", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[types.HookSession](t, w).AwaitingUser)

	w = ts.do(t, http.MethodPost, "/api/hooks/user-prompt-submit", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[types.HookSession](t, w).AwaitingUser)

	w = ts.do(t, http.MethodPost, "/api/hooks/session-end", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode[types.HookSession](t, w).EndTime)

	w = ts.do(t, http.MethodGet, "/api/hooks/sessions?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]types.HookSession](t, w))

	w = ts.do(t, http.MethodGet, "/api/hooks/tools/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[[]types.ToolStats](t, w)
	require.Len(t, stats, 1)
	assert.Equal(t, "Bash", stats[0].ToolName)

	w = ts.do(t, http.MethodGet, "/api/hooks/commits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.GitCommit](t, w), 1)

	w = ts.do(t, http.MethodGet, "/api/hooks/stats/daily", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[[]types.DailyStats](t, w))
}

func TestPostToolUseAcceptsAnyResponseShape(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/hooks/session-start", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	responses := map[string]any{
		"t1": "plain text result",
		"t2": []any{map[string]any{"type": "text", "text": "from an MCP tool"}},
	}
	for id, resp := range responses {
		w = ts.do(t, http.MethodPost, "/api/hooks/pre-tool-use", map[string]any{
			"session_id": "s1", "tool_use_id": id, "tool_name": "mcp__docs__search", "tool_input": "query",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = ts.do(t, http.MethodPost, "/api/hooks/post-tool-use", map[string]any{
			"session_id": "s1", "tool_use_id": id, "tool_name": "mcp__docs__search", "tool_response": resp,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		usage := decode[types.ToolUsage](t, w)
		require.NotNil(t, usage.Success, id)
		assert.True(t, *usage.Success, id)
		assert.Equal(t, resp, usage.ToolResponse, id)
	}

	w = ts.do(t, http.MethodGet, "/api/hooks/sessions/s1/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	usages := decode[[]types.ToolUsage](t, w)
	require.Len(t, usages, 2)
	for _, u := range usages {
		assert.NotNil(t, u.CompletedAt, u.ToolUseID)
	}
}

func TestHookValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		path string
		body map[string]any
	}{
		{"start without session", "/api/hooks/session-start", map[string]any{"cwd": "/repo"}},
		{"pre without tool use id", "/api/hooks/pre-tool-use", map[string]any{"session_id": "s1", "tool_name": "Read"}},
		{"pre without tool name", "/api/hooks/pre-tool-use", map[string]any{"session_id": "s1", "tool_use_id": "t1"}},
		{"post without tool use id", "/api/hooks/post-tool-use", map[string]any{"session_id": "s1"}},
		{"end without session", "/api/hooks/session-end", map[string]any{}},
		{"commit without hash", "/api/hooks/commit", map[string]any{"session_id": "s1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[map[string]any](t, w)["error"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/hooks/session-start", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/hooks/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/hooks/sessions/missing/tools", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManagedSessionsWithoutLauncher(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/managed-sessions", map[string]any{"agent": "claude", "prompt": "hi", "cwd": t.TempDir()})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(t, http.MethodGet, "/api/managed-sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, err := ts.sessions.Create(session.CreateRequest{Prompt: "p", Agent: "claude", CWD: "/tmp"})
	require.NoError(t, err)
	_, err = ts.sessions.Complete(sess.ID, 0)
	require.NoError(t, err)

	w = ts.do(t, http.MethodGet, "/api/managed-sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.ManagedSession](t, w), 1)

	w = ts.do(t, http.MethodGet, "/api/managed-sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ManagedCompleted, decode[types.ManagedSession](t, w).Status)

	w = ts.do(t, http.MethodPost, "/api/managed-sessions/"+sess.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRecentEvents(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.bus.Emit(events.EmitOptions{Category: types.CategoryPort, Action: types.ActionDiscover, EntityID: "tcp:3000", Source: "port_scanner"})
	require.NoError(t, err)
	_, err = ts.bus.Emit(events.EmitOptions{Category: types.CategoryRepo, Action: types.ActionUpdate, EntityID: "/repo", Source: "repo_scanner"})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/events/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]types.AgentWatchEvent](t, w), 2)

	w = ts.do(t, http.MethodGet, "/api/events/recent?category=port", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evs := decode[[]types.AgentWatchEvent](t, w)
	require.Len(t, evs, 1)
	assert.Equal(t, "tcp:3000", evs[0].EntityID)

	w = ts.do(t, http.MethodGet, "/api/events/recent?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketInitThenBroadcast(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.router.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var init struct {
		Type     string             `json:"type"`
		Snapshot types.InitSnapshot `json:"snapshot"`
	}
	require.NoError(t, ws.ReadJSON(&init))
	assert.Equal(t, types.MsgInit, init.Type)
	require.Len(t, init.Snapshot.Ports, 1)
	assert.Equal(t, 5173, init.Snapshot.Ports[0].Port)

	require.Eventually(t, func() bool { return ts.conns.Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	ts.conns.Broadcast(types.NewMessage(types.MsgAgentWatchEvent, "event", types.AgentWatchEvent{ID: "e1"}))

	var msg types.WebSocketMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, types.MsgAgentWatchEvent, msg.Type())

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type())

	ws.Close()
	require.Eventually(t, func() bool { return ts.conns.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSlowClientDoesNotStallEmit(t *testing.T) {
	ts := newTestServer(t)
	slow := &fakeConn{block: make(chan struct{})}
	healthy := &fakeConn{}
	ts.conns.Connect(slow)
	ts.conns.Connect(healthy)
	defer close(slow.block)

	unsubscribe := ts.bus.Subscribe(func(ev types.AgentWatchEvent) {
		ts.conns.Broadcast(types.NewMessage(types.MsgAgentWatchEvent, "event", ev))
	})
	defer unsubscribe()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := ts.bus.Emit(events.EmitOptions{Category: types.CategorySystem, Action: types.ActionUpdate, EntityID: "daemon"})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool { return healthy.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, ts.bus.Recent(events.Query{EntityID: "daemon"}), 3)
}
