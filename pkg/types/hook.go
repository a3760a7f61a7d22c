package types

import "time"

// HookSession is an agent session reported through the hook surface.
// SessionID is supplied by the caller and treated as an untrusted key: a repeated
// session-start for the same id overwrites the previous record (last write wins).
type HookSession struct {
	SessionID            string         `json:"session_id"`
	TranscriptPath       string         `json:"transcript_path,omitempty"`
	CWD                  string         `json:"cwd"`
	StartTime            time.Time      `json:"start_time"`
	EndTime              *time.Time     `json:"end_time,omitempty"`
	PermissionMode       string         `json:"permission_mode"`
	Source               string         `json:"source"`
	ToolCount            int            `json:"tool_count"`
	ToolsUsed            map[string]int `json:"tools_used"`
	TotalInputTokens     int64          `json:"total_input_tokens"`
	TotalOutputTokens    int64          `json:"total_output_tokens"`
	EstimatedCostUSD     float64        `json:"estimated_cost_usd"`
	Commits              []string       `json:"commits"`
	AwaitingUser         bool           `json:"awaiting_user"`
	AutoContinueAttempts int            `json:"auto_continue_attempts"`
	PromptCount          int            `json:"prompt_count"`
	LastActivity         time.Time      `json:"last_activity"`
}

// Active reports whether the session has not ended.
func (s *HookSession) Active() bool {
	return s.EndTime == nil
}

// Clone returns a deep copy safe to hand to observers.
func (s *HookSession) Clone() *HookSession {
	cp := *s
	if s.EndTime != nil {
		t := *s.EndTime
		cp.EndTime = &t
	}
	cp.ToolsUsed = make(map[string]int, len(s.ToolsUsed))
	for k, v := range s.ToolsUsed {
		cp.ToolsUsed[k] = v
	}
	cp.Commits = append([]string(nil), s.Commits...)
	return &cp
}

// ToolUsage is a single tool invocation. Identity is ToolUseID; if a caller reuses
// an id the last post-tool-use wins.
type ToolUsage struct {
	ToolUseID    string     `json:"tool_use_id"`
	SessionID    string     `json:"session_id"`
	ToolName     string     `json:"tool_name"`
	ToolInput    any        `json:"tool_input,omitempty"`
	ToolResponse any        `json:"tool_response,omitempty"`
	Success      *bool      `json:"success,omitempty"`
	Error        string     `json:"error,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	CWD          string     `json:"cwd,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Pending reports whether the usage has not received its post-tool-use yet.
func (u *ToolUsage) Pending() bool {
	return u.CompletedAt == nil
}

// Clone returns a copy with its own pointer fields. Input/response maps are shared;
// they are never mutated after being recorded.
func (u *ToolUsage) Clone() *ToolUsage {
	cp := *u
	if u.Success != nil {
		v := *u.Success
		cp.Success = &v
	}
	if u.DurationMs != nil {
		v := *u.DurationMs
		cp.DurationMs = &v
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

// GitCommit is a commit made by an agent during a hook session.
type GitCommit struct {
	SessionID  string    `json:"session_id"`
	CommitHash string    `json:"commit_hash"`
	Message    string    `json:"message"`
	RepoPath   string    `json:"repo_path"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolStats aggregates tool usages by tool name.
type ToolStats struct {
	ToolName      string  `json:"tool_name"`
	TotalCalls    int     `json:"total_calls"`
	SuccessCount  int     `json:"success_count"`
	FailureCount  int     `json:"failure_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// DailyStats aggregates hook activity per calendar day (local time).
type DailyStats struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	SessionCount int     `json:"session_count"`
	ToolCalls    int     `json:"tool_calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
