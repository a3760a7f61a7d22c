package hooks

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/internal/jsonl"
	"github.com/agentwatch/agentwatch/pkg/types"
)

// GetToolStats aggregates all stored tool usages by tool name, most used first.
// Pending usages count as calls but not as successes or failures.
func (s *Store) GetToolStats() []types.ToolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		stats    types.ToolStats
		duration int64
		timed    int
	}
	byTool := make(map[string]*acc)
	for _, u := range s.usages {
		a, ok := byTool[u.ToolName]
		if !ok {
			a = &acc{stats: types.ToolStats{ToolName: u.ToolName}}
			byTool[u.ToolName] = a
		}
		a.stats.TotalCalls++
		if u.Success != nil {
			if *u.Success {
				a.stats.SuccessCount++
			} else {
				a.stats.FailureCount++
			}
		}
		if u.DurationMs != nil {
			a.duration += *u.DurationMs
			a.timed++
		}
	}

	out := make([]types.ToolStats, 0, len(byTool))
	for _, a := range byTool {
		if a.timed > 0 {
			a.stats.AvgDurationMs = float64(a.duration) / float64(a.timed)
		}
		out = append(out, a.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCalls != out[j].TotalCalls {
			return out[i].TotalCalls > out[j].TotalCalls
		}
		return out[i].ToolName < out[j].ToolName
	})
	return out
}

// GetDailyStats buckets sessions (by start) and tool calls (by timestamp) per
// local calendar day, newest day first. limit <= 0 returns every day.
func (s *Store) GetDailyStats(limit int) []types.DailyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[string]*types.DailyStats)
	day := func(t time.Time) *types.DailyStats {
		key := t.Local().Format(jsonl.DateLayout)
		d, ok := byDay[key]
		if !ok {
			d = &types.DailyStats{Date: key}
			byDay[key] = d
		}
		return d
	}

	for _, sess := range s.sessions {
		d := day(sess.StartTime)
		d.SessionCount++
		d.InputTokens += sess.TotalInputTokens
		d.OutputTokens += sess.TotalOutputTokens
		d.CostUSD += sess.EstimatedCostUSD
	}
	for _, u := range s.usages {
		day(u.Timestamp).ToolCalls++
	}

	out := make([]types.DailyStats, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CleanupResult counts what a retention sweep removed.
type CleanupResult struct {
	Sessions   int
	ToolUsages int
	Commits    int
	Files      int
}

// CleanupOldData removes sessions whose last activity, tool usages and commits
// older than the retention horizon, then compacts the logs so removed records
// do not return on the next replay.
func (s *Store) CleanupOldData() (CleanupResult, error) {
	var res CleanupResult
	if s.retentionDays <= 0 {
		return res, nil
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)

	for id, sess := range s.sessions {
		last := sess.LastActivity
		if sess.EndTime != nil && sess.EndTime.After(last) {
			last = *sess.EndTime
		}
		if last.IsZero() {
			last = sess.StartTime
		}
		if last.Before(cutoff) {
			delete(s.sessions, id)
			res.Sessions++
		}
	}
	for id, u := range s.usages {
		if u.Timestamp.Before(cutoff) {
			delete(s.usages, id)
			res.ToolUsages++
		}
	}
	kept := s.commits[:0]
	for _, c := range s.commits {
		if c.Timestamp.Before(cutoff) {
			res.Commits++
			continue
		}
		kept = append(kept, c)
	}
	s.commits = kept

	if res.Sessions > 0 {
		sessions := make([]*types.HookSession, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		sortSessions(sessions)
		if err := jsonl.Rewrite(filepath.Join(s.dir, sessionsFile), sessions); err != nil {
			return res, fmt.Errorf("failed to compact sessions: %w", err)
		}
	}
	if res.Commits > 0 {
		if err := jsonl.Rewrite(filepath.Join(s.dir, commitsFile), s.commits); err != nil {
			return res, fmt.Errorf("failed to compact commits: %w", err)
		}
	}

	usageDir := filepath.Join(s.dir, toolUsagesDir)
	removed, err := jsonl.RemoveOlderThan(usageDir, "", cutoff)
	res.Files = removed
	if err != nil {
		return res, fmt.Errorf("failed to remove tool usage logs: %w", err)
	}
	// The day containing the cutoff survives the file sweep but may still hold
	// expired usages.
	if res.ToolUsages > 0 {
		if err := s.compactBoundaryDay(usageDir, cutoff); err != nil {
			return res, err
		}
	}

	if res.Sessions+res.ToolUsages+res.Commits > 0 {
		s.logger.WithFields(logrus.Fields{
			"sessions":    res.Sessions,
			"tool_usages": res.ToolUsages,
			"commits":     res.Commits,
			"files":       res.Files,
		}).Info("Hook retention sweep")
	}
	return res, nil
}

// Caller holds mu.
func (s *Store) compactBoundaryDay(usageDir string, cutoff time.Time) error {
	files, err := jsonl.ListDaily(usageDir, "")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Date.After(cutoff) {
			continue
		}
		date := f.Date.Format(jsonl.DateLayout)
		var keep []*types.ToolUsage
		for _, u := range s.usages {
			if u.Timestamp.Local().Format(jsonl.DateLayout) == date {
				keep = append(keep, u)
			}
		}
		sort.Slice(keep, func(i, j int) bool { return usageLess(keep[i], keep[j]) })
		if err := jsonl.Rewrite(f.Path, keep); err != nil {
			return fmt.Errorf("failed to compact %s: %w", f.Path, err)
		}
	}
	return nil
}
