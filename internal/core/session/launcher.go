package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/core/agent"
	"github.com/agentwatch/agentwatch/internal/logging"
	"github.com/agentwatch/agentwatch/pkg/types"
)

var (
	// ErrLauncherFull is returned when MaxConcurrent sessions are running.
	ErrLauncherFull = errors.New("too many managed sessions running")
	// ErrLauncherDisabled is returned when launching is turned off.
	ErrLauncherDisabled = errors.New("session launcher is disabled")
	// ErrEmptyPrompt is returned when a launch has no prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

const (
	// SessionIDEnv carries the managed session id into the agent process.
	SessionIDEnv = "AGENTWATCH_SESSION_ID"

	stopGrace   = 2 * time.Second
	outputLimit = 4096
)

// LaunchRequest describes an agent run.
type LaunchRequest struct {
	Agent  types.AgentRuntime `json:"agent"`
	Prompt string             `json:"prompt"`
	CWD    string             `json:"cwd"`
}

type process struct {
	sessionID string
	cmd       *exec.Cmd
	output    *tailBuffer
	done      chan struct{}

	mu       sync.Mutex
	stopping bool
}

// Launcher runs agent runtimes non-interactively as managed sessions.
type Launcher struct {
	cfg      types.LauncherConfig
	registry *agent.Registry
	store    *Store
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mu    sync.RWMutex
	procs map[string]*process
	wg    sync.WaitGroup
}

// NewLauncher creates a Launcher recording into store.
func NewLauncher(cfg types.LauncherConfig, registry *agent.Registry, store *Store, logger *logrus.Entry) *Launcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if logger == nil {
		logger = logging.NewLogger("launcher")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		procs:    make(map[string]*process),
	}
}

// Launch starts the agent and returns its running session. The process
// outlives ctx; it ends on its own, through Stop, or at Shutdown.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*types.ManagedSession, error) {
	if !l.cfg.Enabled {
		return nil, ErrLauncherDisabled
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if _, err := l.registry.Get(req.Agent); err != nil {
		return nil, err
	}
	if req.CWD == "" {
		return nil, errors.New("cwd is required")
	}
	if info, err := os.Stat(req.CWD); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("cwd is not a directory: %s", req.CWD)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case l.sem <- struct{}{}:
	default:
		return nil, ErrLauncherFull
	}

	sess, err := l.store.Create(CreateRequest{Prompt: req.Prompt, Agent: string(req.Agent), CWD: req.CWD})
	if err != nil {
		<-l.sem
		return nil, err
	}

	cmd, err := l.registry.Command(l.ctx, req.Agent, req.Prompt, req.CWD)
	if err != nil {
		<-l.sem
		l.store.Fail(sess.ID, err.Error())
		return nil, err
	}
	output := &tailBuffer{limit: outputLimit}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = append(os.Environ(), SessionIDEnv+"="+sess.ID)
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		<-l.sem
		failed, _ := l.store.Fail(sess.ID, fmt.Sprintf("failed to start process: %v", err))
		l.logger.WithError(err).WithField("agent", req.Agent).Warn("Managed session failed to start")
		return failed, nil
	}

	proc := &process{sessionID: sess.ID, cmd: cmd, output: output, done: make(chan struct{})}
	l.mu.Lock()
	l.procs[sess.ID] = proc
	l.mu.Unlock()

	running, err := l.store.SetPID(sess.ID, cmd.Process.Pid)
	if err != nil {
		running = sess
	}
	l.logger.WithFields(logrus.Fields{"session": sess.ID, "agent": req.Agent, "pid": cmd.Process.Pid, "cwd": req.CWD}).Info("Managed session started")

	l.wg.Add(1)
	go l.wait(proc)
	return running, nil
}

func (l *Launcher) wait(proc *process) {
	defer l.wg.Done()
	defer func() { <-l.sem }()
	// done closes once the outcome is recorded, so Stop returns a final session.
	defer close(proc.done)

	err := proc.cmd.Wait()

	l.mu.Lock()
	delete(l.procs, proc.sessionID)
	l.mu.Unlock()

	proc.mu.Lock()
	stopping := proc.stopping
	proc.mu.Unlock()

	fields := logrus.Fields{"session": proc.sessionID}
	switch {
	case err == nil:
		l.store.Complete(proc.sessionID, 0)
		l.logger.WithFields(fields).Info("Managed session completed")
	case stopping || l.ctx.Err() != nil:
		l.store.Fail(proc.sessionID, "stopped")
		l.logger.WithFields(fields).Info("Managed session stopped")
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			l.store.Complete(proc.sessionID, exitErr.ExitCode())
		} else {
			l.store.Fail(proc.sessionID, err.Error())
		}
		l.logger.WithFields(fields).WithField("output", proc.output.String()).WithError(err).Warn("Managed session failed")
	}
}

// Stop terminates a running session: SIGTERM first, then SIGKILL after a grace
// period.
func (l *Launcher) Stop(sessionID string) error {
	l.mu.RLock()
	proc, ok := l.procs[sessionID]
	l.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	proc.mu.Lock()
	proc.stopping = true
	proc.mu.Unlock()

	if proc.cmd.Process == nil {
		return nil
	}
	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(stopGrace):
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
	return nil
}

// Running returns the ids of sessions whose process is alive.
func (l *Launcher) Running() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	return ids
}

// Output returns the tail of a running session's combined output.
func (l *Launcher) Output(sessionID string) (string, error) {
	l.mu.RLock()
	proc, ok := l.procs[sessionID]
	l.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return proc.output.String(), nil
}

// Shutdown kills every running session and waits for them to be recorded.
func (l *Launcher) Shutdown() {
	l.cancel()
	l.wg.Wait()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
