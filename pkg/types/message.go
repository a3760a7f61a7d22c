package types

// Message types sent over the real-time stream.
const (
	MsgInit                 = "init"
	MsgAgentsUpdate         = "agents_update"
	MsgReposUpdate          = "repos_update"
	MsgPortsUpdate          = "ports_update"
	MsgHookSessionStart     = "hook_session_start"
	MsgHookSessionUpdate    = "hook_session_update"
	MsgHookSessionEnd       = "hook_session_end"
	MsgToolUsage            = "tool_usage"
	MsgCommit               = "commit"
	MsgManagedSessionUpdate = "managed_session_update"
	MsgAgentWatchEvent      = "agentwatch_event"
)

// WebSocketMessage is a message in the legacy `{type, <entity>}` shape: the
// entity is carried under a message-specific key next to "type".
type WebSocketMessage map[string]any

// NewMessage builds a `{type, key: value}` message.
func NewMessage(msgType, key string, value any) WebSocketMessage {
	return WebSocketMessage{"type": msgType, key: value}
}

// Type returns the message type.
func (m WebSocketMessage) Type() string {
	t, _ := m["type"].(string)
	return t
}

// InitSnapshot is the full state sent to a client immediately after it connects.
type InitSnapshot struct {
	Agents          []AgentProcess    `json:"agents"`
	Repos           []RepoStatus      `json:"repos"`
	Ports           []ListeningPort   `json:"ports"`
	HookSessions    []*HookSession    `json:"hook_sessions"`
	ManagedSessions []*ManagedSession `json:"managed_sessions"`
	RecentEvents    []AgentWatchEvent `json:"recent_events"`
}
