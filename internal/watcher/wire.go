package watcher

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/core/events"
	"github.com/agentwatch/agentwatch/internal/core/hooks"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// wire connects store notifications to the real-time stream and the event bus.
func (w *Watcher) wire() {
	w.unsubscribe = append(w.unsubscribe,
		w.data.OnAgentsChange(func(_, next []types.AgentProcess) {
			w.conns.Broadcast(types.NewMessage(types.MsgAgentsUpdate, "agents", next))
		}),
		w.data.OnReposChange(func(_, next []types.RepoStatus) {
			w.conns.Broadcast(types.NewMessage(types.MsgReposUpdate, "repos", next))
		}),
		w.data.OnPortsChange(func(_, next []types.ListeningPort) {
			w.conns.Broadcast(types.NewMessage(types.MsgPortsUpdate, "ports", next))
		}),
		w.hooks.OnSessionChange(w.onHookSession),
		w.hooks.OnToolUsage(w.onToolUsage),
		w.hooks.OnCommit(w.onCommit),
		w.sessions.OnChange(w.onManagedSession),
		w.bus.Subscribe(func(ev types.AgentWatchEvent) {
			w.conns.Broadcast(types.NewMessage(types.MsgAgentWatchEvent, "event", ev))
		}),
	)
}

func (w *Watcher) emit(opts events.EmitOptions) {
	if _, err := w.bus.Emit(opts); err != nil {
		w.logger.WithError(err).WithField("category", opts.Category).Debug("Event not emitted")
	}
}

func (w *Watcher) onHookSession(change hooks.SessionChange, s *types.HookSession) {
	var (
		msgType string
		action  types.EventAction
		desc    string
	)
	switch change {
	case hooks.SessionStarted:
		msgType, action = types.MsgHookSessionStart, types.ActionStart
		desc = fmt.Sprintf("Session %s started in %s", s.SessionID, s.CWD)
		w.followTranscript(s)
	case hooks.SessionEnded:
		msgType, action = types.MsgHookSessionEnd, types.ActionEnd
		desc = fmt.Sprintf("Session %s ended after %d tool calls", s.SessionID, s.ToolCount)
		w.queueTranscript(transcriptCmd{sessionID: s.SessionID, unfollow: true})
	default:
		msgType, action = types.MsgHookSessionUpdate, types.ActionUpdate
		desc = fmt.Sprintf("Session %s updated", s.SessionID)
	}

	w.conns.Broadcast(types.NewMessage(msgType, "session", s))
	w.emit(events.EmitOptions{
		Category:    types.CategoryHookSession,
		Action:      action,
		EntityID:    s.SessionID,
		Description: desc,
		Details: map[string]any{
			"cwd":           s.CWD,
			"tool_count":    s.ToolCount,
			"awaiting_user": s.AwaitingUser,
			"input_tokens":  s.TotalInputTokens,
			"output_tokens": s.TotalOutputTokens,
		},
		Source: "hooks",
	})
}

func (w *Watcher) onToolUsage(u *types.ToolUsage) {
	action := types.ActionUpdate
	desc := fmt.Sprintf("%s finished", u.ToolName)
	if u.Pending() {
		action = types.ActionCreate
		desc = fmt.Sprintf("%s started", u.ToolName)
	} else if u.Success != nil && !*u.Success {
		desc = fmt.Sprintf("%s failed", u.ToolName)
	}

	details := map[string]any{
		"session_id": u.SessionID,
		"tool_name":  u.ToolName,
	}
	if u.Success != nil {
		details["success"] = *u.Success
	}
	if u.DurationMs != nil {
		details["duration_ms"] = *u.DurationMs
	}

	w.conns.Broadcast(types.NewMessage(types.MsgToolUsage, "tool_usage", u))
	w.emit(events.EmitOptions{
		Category:    types.CategoryToolUsage,
		Action:      action,
		EntityID:    u.ToolUseID,
		Description: desc,
		Details:     details,
		Source:      "hooks",
	})
}

func (w *Watcher) onCommit(c *types.GitCommit) {
	w.conns.Broadcast(types.NewMessage(types.MsgCommit, "commit", c))
	w.emit(events.EmitOptions{
		Category:    types.CategoryRepo,
		Action:      types.ActionCommit,
		EntityID:    c.RepoPath,
		Description: fmt.Sprintf("Commit %s: %s", shortHash(c.CommitHash), c.Message),
		Details: map[string]any{
			"session_id":  c.SessionID,
			"commit_hash": c.CommitHash,
			"message":     c.Message,
		},
		Source: "hooks",
	})
	// The commit changed the repository; refresh its status without waiting
	// for the slow cadence.
	w.repos.Rescan()
}

func (w *Watcher) onManagedSession(s *types.ManagedSession) {
	var action types.EventAction
	desc := fmt.Sprintf("Managed session %s is %s", s.ID, s.Status)
	switch {
	case s.Status.Terminal():
		action = types.ActionEnd
		if s.Error != "" {
			desc = fmt.Sprintf("Managed session %s failed: %s", s.ID, s.Error)
		}
	case s.PID == nil:
		action = types.ActionCreate
		desc = fmt.Sprintf("Managed session %s created for %s", s.ID, s.Agent)
	default:
		action = types.ActionStart
		desc = fmt.Sprintf("Managed session %s started (pid %d)", s.ID, *s.PID)
	}

	details := map[string]any{
		"agent":  s.Agent,
		"cwd":    s.CWD,
		"status": s.Status,
	}
	if s.PID != nil {
		details["pid"] = *s.PID
	}
	if s.ExitCode != nil {
		details["exit_code"] = *s.ExitCode
	}
	if s.Stale {
		details["stale"] = true
	}

	w.conns.Broadcast(types.NewMessage(types.MsgManagedSessionUpdate, "session", s))
	w.emit(events.EmitOptions{
		Category:    types.CategoryManagedSession,
		Action:      action,
		EntityID:    s.ID,
		Description: desc,
		Details:     details,
		Source:      "launcher",
	})
}

// followTranscript queues the session's transcript for tailing. A session
// that already has token totals is only followed from the end of the file.
func (w *Watcher) followTranscript(s *types.HookSession) {
	if !w.cfg.Hooks.TailTranscripts || s.TranscriptPath == "" || !s.Active() {
		return
	}
	w.queueTranscript(transcriptCmd{
		sessionID: s.SessionID,
		path:      s.TranscriptPath,
		fromStart: s.TotalInputTokens == 0 && s.TotalOutputTokens == 0,
	})
}

// queueTranscript hands cmd to the transcript worker. Hook observers run while
// the hook store holds its notification lock, which the tailer needs to record
// tokens, so following and unfollowing happen on the worker instead.
func (w *Watcher) queueTranscript(cmd transcriptCmd) {
	select {
	case w.transcripts <- cmd:
	default:
		w.logger.WithField("session", cmd.sessionID).Warn("Transcript queue full, dropping request")
	}
}

func (w *Watcher) runTranscripts(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case cmd := <-w.transcripts:
			if cmd.unfollow {
				w.tailer.Unfollow(cmd.sessionID)
				continue
			}
			if err := w.tailer.Follow(cmd.sessionID, cmd.path, cmd.fromStart); err != nil {
				w.logger.WithError(err).WithFields(logrus.Fields{
					"session": cmd.sessionID,
					"path":    cmd.path,
				}).Warn("Failed to follow transcript")
			}
		case <-ctx.Done():
			return
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
