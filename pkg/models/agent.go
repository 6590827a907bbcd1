package models

import "time"

// AgentRecord describes one pool member as seen through the
// coordination layer. Liveness is derived from LastSeen at read time,
// never pushed by the agent itself.
type AgentRecord struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Capabilities lists the tags the agent declared at registration.
	Capabilities []string `json:"capabilities,omitempty"`
	// Band is the complexity band the agent is reserved for.
	Band Band `json:"band,omitempty"`
	// Live reports whether a heartbeat landed within the liveness window.
	Live bool `json:"live"`
	// LastSeen is the time of the most recent heartbeat.
	LastSeen time.Time `json:"last_seen"`
	// RegisteredAt is when the agent first registered.
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapabilities returns true if the agent's tags are a superset of required.
func (a *AgentRecord) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	declared := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		declared[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := declared[r]; !ok {
			return false
		}
	}
	return true
}
