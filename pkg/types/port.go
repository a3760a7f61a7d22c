package types

import "fmt"

// ListeningPort is a listening socket above the configured minimum port.
type ListeningPort struct {
	Port        int     `json:"port"`
	Protocol    string  `json:"protocol"` // "tcp" or "tcp6"
	PID         *int    `json:"pid,omitempty"`
	ProcessName *string `json:"process_name,omitempty"`
	AgentLabel  string  `json:"agent_label,omitempty"`
}

// Key returns the identity of the port (port number plus protocol).
func (p ListeningPort) Key() string {
	return fmt.Sprintf("%s:%d", p.Protocol, p.Port)
}
