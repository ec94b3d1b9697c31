package registry

import (
	"time"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	StatusActive  AgentStatus = "active"
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusExpired AgentStatus = "expired"
)

// Valid reports whether the status is one an agent may report itself.
// Expired is reserved for the reaper.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusBusy:
		return true
	}
	return false
}

// Agent is a registered worker bound to a project.
type Agent struct {
	AgentID       string      `json:"agentId"`
	ProjectKey    string      `json:"projectId"`
	AgentType     string      `json:"agentType"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	RegisteredAt  time.Time   `json:"registeredAt"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
}

// Stale reports whether the agent's heartbeat is older than the TTL.
func (a *Agent) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(a.LastHeartbeat) > ttl
}

// RegisterParams are the caller-supplied inputs to Register.
type RegisterParams struct {
	ProjectKey   string
	AgentType    string
	Capabilities []string
}

// CoordinationSummary rides along with agent listings so a newly joined
// agent can see who else is working and where they might collide.
type CoordinationSummary struct {
	TotalAgents     int      `json:"totalAgents"`
	ActiveAgents    int      `json:"activeAgents"`
	ContendedPaths  []string `json:"contendedPaths"`
	Recommendations []string `json:"recommendations"`
}
