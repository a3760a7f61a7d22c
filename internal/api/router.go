// Package api provides the HTTP and WebSocket surface of agentwatch.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/api/handlers"
	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/core/hooks"
	"github.com/agentwatch/agentwatch/internal/core/session"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// Snapshotter provides the state sent to a client when it connects.
type Snapshotter interface {
	InitSnapshot() types.InitSnapshot
}

// Deps are the components the router serves. Rescanner and Launcher may be nil.
type Deps struct {
	DataStore   *datastore.Store
	Rescanner   handlers.Rescanner
	Hooks       *hooks.Store
	Sessions    *session.Store
	Launcher    *session.Launcher
	Events      *events.Bus
	Connections *ConnectionManager
	Snapshotter Snapshotter
	Logger      *logrus.Entry
}

// Router holds all API dependencies and routes.
type Router struct {
	engine      *gin.Engine
	connections *ConnectionManager
	snapshotter Snapshotter
	bus         *events.Bus
	logger      *logrus.Entry

	state    *handlers.StateHandler
	hooks    *handlers.HookHandler
	sessions *handlers.SessionHandler
	events   *handlers.EventHandler

	upgrader websocket.Upgrader
}

// NewRouter creates a new API router.
func NewRouter(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger("api")
	}
	if deps.Connections == nil {
		deps.Connections = NewConnectionManager(deps.Logger)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(deps.Logger))

	r := &Router{
		engine:      engine,
		connections: deps.Connections,
		snapshotter: deps.Snapshotter,
		bus:         deps.Events,
		logger:      deps.Logger,
		state:       handlers.NewStateHandler(deps.DataStore, deps.Rescanner),
		hooks:       handlers.NewHookHandler(deps.Hooks),
		sessions:    handlers.NewSessionHandler(deps.Sessions, deps.Launcher),
		events:      handlers.NewEventHandler(deps.Events),
		upgrader: websocket.Upgrader{
			// Clients are local dashboards served from other ports.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.health)

	api := r.engine.Group("/api")
	{
		api.GET("/agents", r.state.Agents)
		api.GET("/repos", r.state.Repos)
		api.POST("/repos/rescan", r.state.Rescan)
		api.GET("/ports", r.state.Ports)

		hookRoutes := api.Group("/hooks")
		{
			hookRoutes.POST("/session-start", r.hooks.SessionStart)
			hookRoutes.POST("/pre-tool-use", r.hooks.PreToolUse)
			hookRoutes.POST("/post-tool-use", r.hooks.PostToolUse)
			hookRoutes.POST("/session-end", r.hooks.SessionEnd)
			hookRoutes.POST("/user-prompt-submit", r.hooks.UserPromptSubmit)
			hookRoutes.POST("/stop", r.hooks.Stop)
			hookRoutes.POST("/notification", r.hooks.Notification)
			hookRoutes.POST("/auto-continue", r.hooks.AutoContinue)
			hookRoutes.POST("/tokens", r.hooks.Tokens)
			hookRoutes.POST("/commit", r.hooks.Commit)

			hookRoutes.GET("/sessions", r.hooks.ListSessions)
			hookRoutes.GET("/sessions/:id", r.hooks.GetSession)
			hookRoutes.GET("/sessions/:id/tools", r.hooks.SessionTools)
			hookRoutes.GET("/sessions/:id/commits", r.hooks.SessionCommits)
			hookRoutes.GET("/tools/stats", r.hooks.ToolStats)
			hookRoutes.GET("/tools/recent", r.hooks.RecentTools)
			hookRoutes.GET("/stats/daily", r.hooks.DailyStats)
			hookRoutes.GET("/commits", r.hooks.Commits)
		}

		managed := api.Group("/managed-sessions")
		{
			managed.GET("", r.sessions.List)
			managed.POST("", r.sessions.Launch)
			managed.GET("/:id", r.sessions.Get)
			managed.POST("/:id/stop", r.sessions.Stop)
			managed.GET("/:id/output", r.sessions.Output)
		}

		api.GET("/events/recent", r.events.Recent)
	}

	r.engine.GET("/ws", r.handleWebSocket)
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// handleWebSocket sends the init snapshot, then keeps the connection
// registered for broadcasts until the client goes away.
func (r *Router) handleWebSocket(c *gin.Context) {
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	conn := wsConn{ws}

	var snapshot types.InitSnapshot
	if r.snapshotter != nil {
		snapshot = r.snapshotter.InitSnapshot()
	}
	if err := r.connections.Send(conn, types.NewMessage(types.MsgInit, "snapshot", snapshot)); err != nil {
		r.logger.WithError(err).Debug("Failed to send init snapshot")
		ws.Close()
		return
	}

	r.connections.Connect(conn)
	defer r.connections.Disconnect(conn)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		if req.Type == "ping" {
			if err := r.connections.Send(conn, types.WebSocketMessage{"type": "pong"}); err != nil {
				return
			}
		}
	}
}

// health reports liveness. The daemon is degraded once its event bus no
// longer accepts events.
func (r *Router) health(c *gin.Context) {
	running := r.bus != nil && r.bus.Running()
	status := "ok"
	if !running {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"events_running": running,
		"clients":        r.connections.Count(),
	})
}

// requestLogger logs every request at debug level; hook traffic is too
// frequent for info.
func requestLogger(logger *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	}
}
