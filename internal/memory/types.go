package memory

import (
	"time"
)

// Type classifies a memory. The set is closed; unknown types are
// rejected at write time so queries can rely on it.
type Type string

const (
	TypeEpisodic     Type = "episodic"
	TypeSemantic     Type = "semantic"
	TypeProcedural   Type = "procedural"
	TypeReasoning    Type = "reasoning"
	TypeSession      Type = "session"
	TypeConversation Type = "conversation"
	TypeToolUsage    Type = "tool_usage"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural, TypeReasoning,
		TypeSession, TypeConversation, TypeToolUsage:
		return true
	}
	return false
}

// Memory is one stored observation, scoped to a project.
type Memory struct {
	MemoryID   string         `json:"memoryId"`
	AgentID    string         `json:"agentId"`
	ProjectKey string         `json:"projectId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Type       Type           `json:"type"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	Importance int            `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// RecordParams are the caller-supplied inputs to Record. The project
// key and session come from the agent's registration, never the caller.
type RecordParams struct {
	AgentID    string
	Type       Type
	Content    string
	Context    map[string]any
	Importance int
	Tags       []string
}

// Filter narrows a query. Zero values mean "no constraint".
type Filter struct {
	Type          Type
	Since         time.Time
	Tags          []string
	MinImportance int
	Limit         int
}

// Summary condenses a project's memory for a newly joined agent.
type Summary struct {
	TotalMemories int            `json:"totalMemories"`
	ByType        map[string]int `json:"byType"`
	RecentFiles   []string       `json:"recentFiles"`
	KeyInsights   []string       `json:"keyInsights"`
}

// ProjectAggregate is one project's slice of a cross-project query.
type ProjectAggregate struct {
	ProjectKey string   `json:"projectId"`
	Summary    Summary  `json:"summary"`
	Memories   []Memory `json:"memories"`
}
