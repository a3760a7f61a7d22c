package types

import "time"

// HeuristicState is the CPU-derived activity classification of an agent process.
type HeuristicState string

const (
	StateWorking HeuristicState = "WORKING"
	StateStalled HeuristicState = "STALLED"
	StateIdle    HeuristicState = "IDLE"
)

// AgentProcess is a running process that matched one of the configured agent matchers.
// Identity is the OS pid, which the OS may recycle.
type AgentProcess struct {
	PID            int            `json:"pid"`
	Label          string         `json:"label"`
	Exe            string         `json:"exe"`
	Cmdline        string         `json:"cmdline"`
	CWD            string         `json:"cwd,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	CPUPct         float64        `json:"cpu_pct"`
	RSSKB          int64          `json:"rss_kb"`
	TTY            string         `json:"tty,omitempty"`
	HeuristicState HeuristicState `json:"heuristic_state"`
	WrapperState   *string        `json:"wrapper_state,omitempty"` // e.g. "tmux", "screen"
}

// MatcherType selects what a Matcher pattern is applied to.
type MatcherType string

const (
	MatchCmdRegex MatcherType = "cmd_regex"
	MatchExePath  MatcherType = "exe_path"
)

// Matcher identifies agent processes by command line or executable path.
type Matcher struct {
	Label   string      `json:"label" yaml:"label"`
	Type    MatcherType `json:"type" yaml:"type"`
	Pattern string      `json:"pattern" yaml:"pattern"`
}

// AgentRuntime represents a supported agent runtime.
type AgentRuntime string

const (
	RuntimeClaudeCode AgentRuntime = "claude"
	RuntimeCodex      AgentRuntime = "codex"
	RuntimeGemini     AgentRuntime = "gemini"
	RuntimeOpenCode   AgentRuntime = "opencode"
)
