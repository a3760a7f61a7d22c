// Package watcher is the composition root of agentwatch: it builds every
// component from the configuration, wires their notifications into the event
// bus and the real-time stream, and owns their lifecycle.
package watcher

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/api"
	"github.com/agentwatch/agentwatch/internal/core/agent"
	"github.com/agentwatch/agentwatch/internal/core/datastore"
	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/core/hooks"
	"github.com/agentwatch/agentwatch/internal/core/port"
	"github.com/agentwatch/agentwatch/internal/core/process"
	"github.com/agentwatch/agentwatch/internal/core/repo"
	"github.com/agentwatch/agentwatch/internal/core/session"
	"github.com/agentwatch/agentwatch/internal/core/transcript"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/internal/models"
	"github.com/agentwatch/agentwatch/internal/storage"
	"github.com/agentwatch/agentwatch/pkg/types"
)

const (
	sweepInterval      = time.Hour
	recentEventsOnInit = 100
	transcriptQueue    = 256
)

// Option configures a Watcher.
type Option func(*options)

type options struct {
	processLister   process.ProcessLister
	portLister      port.PortLister
	gitRunner       repo.GitRunner
	pollTranscripts bool
}

// WithProcessLister replaces the OS process lister.
func WithProcessLister(l process.ProcessLister) Option {
	return func(o *options) { o.processLister = l }
}

// WithPortLister replaces the OS socket lister.
func WithPortLister(l port.PortLister) Option {
	return func(o *options) { o.portLister = l }
}

// WithGitRunner replaces the git command runner.
func WithGitRunner(r repo.GitRunner) Option {
	return func(o *options) { o.gitRunner = r }
}

// WithTranscriptPolling makes the transcript tailer poll instead of using
// inotify.
func WithTranscriptPolling(poll bool) Option {
	return func(o *options) { o.pollTranscripts = poll }
}

// transcriptCmd asks the transcript worker to follow or unfollow a session.
type transcriptCmd struct {
	sessionID string
	path      string
	fromStart bool
	unfollow  bool
}

// Watcher owns every agentwatch component.
type Watcher struct {
	cfg    *types.Config
	logger *logrus.Entry

	data      *datastore.Store
	bus       *events.Bus
	hooks     *hooks.Store
	db        *storage.Store
	sessions  *session.Store
	registry  *agent.Registry
	launcher  *session.Launcher
	tailer    *transcript.Tailer
	processes *process.Scanner
	repos     *repo.Scanner
	ports     *port.Scanner
	conns     *api.ConnectionManager
	router    *api.Router

	transcripts chan transcriptCmd
	unsubscribe []func()

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds every component under cfg.DataDir. Nothing runs until Start.
func New(cfg *types.Config, logger *logrus.Entry, opts ...Option) (*Watcher, error) {
	if cfg == nil {
		cfg = types.DefaultConfig()
	}
	cfg.Validate()
	if logger == nil {
		logger = logging.NewLogger("watcher")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	w := &Watcher{
		cfg:         cfg,
		logger:      logger,
		data:        datastore.New(),
		registry:    agent.NewRegistry(),
		conns:       api.NewConnectionManager(logging.NewLogger("ws")),
		transcripts: make(chan transcriptCmd, transcriptQueue),
	}

	w.bus = events.New(filepath.Join(cfg.DataDir, "events"), cfg.Events.BufferSize)

	hookStore, err := hooks.Open(filepath.Join(cfg.DataDir, "hooks"), hooks.WithRetentionDays(cfg.Hooks.RetentionDays))
	if err != nil {
		return nil, fmt.Errorf("failed to open hook store: %w", err)
	}
	w.hooks = hookStore

	w.db = storage.NewStore(filepath.Join(cfg.DataDir, "agentwatch.db"))
	if err := w.db.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage at %s: %w", w.db.Path(), err)
	}
	sessions, err := session.NewStore(storage.NewManagedSessionStore(w.db))
	if err != nil {
		w.db.Close()
		return nil, err
	}
	w.sessions = sessions
	w.launcher = session.NewLauncher(cfg.Launcher, w.registry, w.sessions, nil)
	w.tailer = transcript.NewTailer(w.hooks, models.NewCatalog(), transcript.WithPolling(o.pollTranscripts))

	agentsCfg := cfg.Agents
	if len(agentsCfg.Matchers) == 0 {
		agentsCfg.Matchers = w.registry.DefaultMatchers()
	}
	procOpts := []process.Option{
		process.WithEmitter(w.bus),
		process.WithSessionReconciler(w.sessions, time.Duration(cfg.Sessions.StaleGraceSeconds)*time.Second),
		process.WithSnapshotDir(filepath.Join(cfg.DataDir, "snapshots")),
	}
	if o.processLister != nil {
		procOpts = append(procOpts, process.WithLister(o.processLister))
	}
	w.processes = process.NewScanner(agentsCfg, w.data, procOpts...)

	repoOpts := []repo.Option{repo.WithEmitter(w.bus)}
	if o.gitRunner != nil {
		repoOpts = append(repoOpts, repo.WithGitRunner(o.gitRunner))
	}
	w.repos = repo.NewScanner(cfg.Repos, w.data, repoOpts...)

	portOpts := []port.Option{port.WithEmitter(w.bus)}
	if o.portLister != nil {
		portOpts = append(portOpts, port.WithLister(o.portLister))
	}
	w.ports = port.NewScanner(cfg.Ports, w.data, portOpts...)

	w.wire()

	w.router = api.NewRouter(api.Deps{
		DataStore:   w.data,
		Rescanner:   w.repos,
		Hooks:       w.hooks,
		Sessions:    w.sessions,
		Launcher:    w.launcher,
		Events:      w.bus,
		Connections: w.conns,
		Snapshotter: w,
		Logger:      logging.NewLogger("api"),
	})
	return w, nil
}

// Handler returns the HTTP handler serving the API and the real-time stream.
func (w *Watcher) Handler() http.Handler {
	return w.router.Handler()
}

// Connections returns the real-time stream's connection registry.
func (w *Watcher) Connections() *api.ConnectionManager {
	return w.conns
}

// Start opens the event bus and starts the scanners, the transcript worker and
// the retention sweep. It returns once they are running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if err := w.bus.Start(); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	w.wg.Add(2)
	go w.runTranscripts(ctx)
	go w.runSweeps(ctx)

	if w.cfg.Hooks.TailTranscripts {
		for _, s := range w.hooks.ActiveSessions() {
			w.followTranscript(s)
		}
	}

	w.processes.Start(ctx)
	w.repos.Start(ctx)
	w.ports.Start(ctx)

	w.bus.Emit(events.EmitOptions{
		Category:    types.CategorySystem,
		Action:      types.ActionStart,
		EntityID:    "agentwatch",
		Description: "agentwatch started",
		Details:     map[string]any{"data_dir": w.cfg.DataDir, "repo_roots": w.cfg.Repos.Roots},
		Source:      "watcher",
	})
	w.logger.WithFields(logrus.Fields{
		"data_dir": w.cfg.DataDir,
		"roots":    w.cfg.Repos.Roots,
		"database": w.db.Path(),
	}).Info("Watcher started")
	return nil
}

// Stop halts every component in reverse start order. It is safe to call more
// than once and without Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started, cancel := w.started, w.cancel
		w.mu.Unlock()

		if started {
			w.ports.Stop()
			w.repos.Stop()
			w.processes.Stop()
		}
		if cancel != nil {
			cancel()
		}
		w.wg.Wait()

		w.launcher.Shutdown()
		w.tailer.Stop()

		if started {
			w.bus.Emit(events.EmitOptions{
				Category:    types.CategorySystem,
				Action:      types.ActionEnd,
				EntityID:    "agentwatch",
				Description: "agentwatch stopped",
				Source:      "watcher",
			})
		}
		w.bus.Stop()

		for _, unsub := range w.unsubscribe {
			unsub()
		}
		if err := w.db.Close(); err != nil {
			w.logger.WithError(err).Warn("Failed to close storage")
		}
		w.logger.Info("Watcher stopped")
	})
}

// InitSnapshot returns the state a client receives when it connects.
func (w *Watcher) InitSnapshot() types.InitSnapshot {
	return types.InitSnapshot{
		Agents:          w.data.SnapshotAgents(),
		Repos:           w.data.SnapshotRepos(),
		Ports:           w.data.SnapshotPorts(),
		HookSessions:    w.hooks.ActiveSessions(),
		ManagedSessions: w.sessions.List(),
		RecentEvents:    w.bus.Recent(events.Query{Limit: recentEventsOnInit}),
	}
}

// runSweeps applies retention once an hour.
func (w *Watcher) runSweeps(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep deletes data older than the configured retention periods.
func (w *Watcher) Sweep() {
	fields := logrus.Fields{}

	if res, err := w.hooks.CleanupOldData(); err != nil {
		w.logger.WithError(err).Warn("Hook retention sweep failed")
	} else {
		fields["hook_sessions"] = res.Sessions
		fields["tool_usages"] = res.ToolUsages
	}

	retention := time.Duration(w.cfg.Sessions.RetentionDays) * 24 * time.Hour
	if n, err := w.sessions.Cleanup(retention); err != nil {
		w.logger.WithError(err).Warn("Managed session retention sweep failed")
	} else {
		fields["managed_sessions"] = n
	}

	if n, err := w.bus.CleanupAudit(w.cfg.Events.RetentionDays); err != nil {
		w.logger.WithError(err).Warn("Event audit retention sweep failed")
	} else {
		fields["audit_files"] = n
	}

	if n, err := w.processes.CleanupSnapshots(w.cfg.Agents.SnapshotRetentionDays); err != nil {
		w.logger.WithError(err).Warn("Process snapshot retention sweep failed")
	} else {
		fields["snapshot_files"] = n
	}

	w.logger.WithFields(fields).Debug("Retention sweep finished")
}
