package types

import "time"

// EventCategory groups events by the kind of entity they describe.
type EventCategory string

const (
	CategoryProcess        EventCategory = "process"
	CategoryPort           EventCategory = "port"
	CategoryRepo           EventCategory = "repo"
	CategoryHookSession    EventCategory = "hook_session"
	CategoryToolUsage      EventCategory = "tool_usage"
	CategoryManagedSession EventCategory = "managed_session"
	CategorySystem         EventCategory = "system"
)

// EventAction is what happened to the entity.
type EventAction string

const (
	ActionDiscover EventAction = "discover"
	ActionStart    EventAction = "start"
	ActionEnd      EventAction = "end"
	ActionCreate   EventAction = "create"
	ActionUpdate   EventAction = "update"
	ActionCommit   EventAction = "commit"
)

// AgentWatchEvent is a normalized, immutable state-change notification.
type AgentWatchEvent struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Category    EventCategory  `json:"category"`
	Action      EventAction    `json:"action"`
	EntityID    string         `json:"entity_id"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Source      string         `json:"source"`
}
