package client

import (
	"fmt"
	"time"
)

// Agent mirrors the server's agent resource.
type Agent struct {
	AgentID       string    `json:"agentId"`
	ProjectKey    string    `json:"projectId"`
	AgentType     string    `json:"agentType"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Project mirrors the server's project resource.
type Project struct {
	ProjectKey    string `json:"projectId"`
	RootPath      string `json:"rootPath,omitempty"`
	RemoteOrigin  string `json:"remoteOrigin,omitempty"`
	DefaultBranch string `json:"defaultBranch"`
	KeySource     string `json:"keySource"`
}

// CoordinationSummary describes who else is working on the project.
type CoordinationSummary struct {
	TotalAgents     int      `json:"totalAgents"`
	ActiveAgents    int      `json:"activeAgents"`
	ContendedPaths  []string `json:"contendedPaths"`
	Recommendations []string `json:"recommendations"`
}

// MemorySummary condenses a project's memory.
type MemorySummary struct {
	TotalMemories int            `json:"totalMemories"`
	ByType        map[string]int `json:"byType"`
	RecentFiles   []string       `json:"recentFiles"`
	KeyInsights   []string       `json:"keyInsights"`
}

// RegisterOptions are the inputs to Register.
type RegisterOptions struct {
	AgentType        string   `json:"agentType"`
	Capabilities     []string `json:"capabilities,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	RemoteOrigin     string   `json:"remoteOrigin,omitempty"`
	DefaultBranch    string   `json:"defaultBranch,omitempty"`
	ProjectKey       string   `json:"projectKey,omitempty"`
}

// RegisterResult is the full registration payload.
type RegisterResult struct {
	Agent        *Agent               `json:"agent"`
	Token        string               `json:"token"`
	ExpiresAt    int64                `json:"tokenExpiresAt"`
	Project      *Project             `json:"project"`
	Coordination *CoordinationSummary `json:"coordination"`
	Memory       *MemorySummary       `json:"memorySummary"`
}

// Lock is a granted file lock.
type Lock struct {
	ProjectKey string    `json:"projectId"`
	FilePath   string    `json:"filePath"`
	AgentID    string    `json:"agentId"`
	LockType   string    `json:"lockType"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LockHolder describes one current holder of a path.
type LockHolder struct {
	AgentID          string `json:"agentId"`
	LockType         string `json:"lockType"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

// LockState answers "is this path locked".
type LockState struct {
	FilePath string       `json:"filePath"`
	Locked   bool         `json:"locked"`
	Holders  []LockHolder `json:"holders,omitempty"`
}

// LockOptions configure AcquireLock.
type LockOptions struct {
	LockType        string
	DurationSeconds int64
	Reason          string
}

// Memory is one stored observation.
type Memory struct {
	MemoryID   string         `json:"memoryId"`
	AgentID    string         `json:"agentId"`
	ProjectKey string         `json:"projectId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	Importance int            `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// StoreMemoryOptions are the inputs to StoreMemory.
type StoreMemoryOptions struct {
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	Importance int            `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

// MemoryQuery narrows QueryMemory.
type MemoryQuery struct {
	Type          string
	SinceMillis   int64
	Tags          []string
	MinImportance int
	Limit         int
	WithSummary   bool
}

// SessionView is the agent's snapshot of its current session.
type SessionView struct {
	Session struct {
		SessionID  string     `json:"sessionId"`
		AgentID    string     `json:"agentId"`
		ProjectKey string     `json:"projectId"`
		StartedAt  time.Time  `json:"startedAt"`
		EndedAt    *time.Time `json:"endedAt,omitempty"`
	} `json:"session"`
	LocksHeld []struct {
		FilePath         string `json:"filePath"`
		LockType         string `json:"lockType"`
		RemainingSeconds int64  `json:"remainingSeconds"`
	} `json:"locksHeld"`
	MemoriesThisSession int      `json:"memoriesThisSession"`
	Recommendations     []string `json:"recommendations"`
}

// ProjectAggregate is one project's slice of a cross-project query.
type ProjectAggregate struct {
	ProjectKey string        `json:"projectId"`
	Summary    MemorySummary `json:"summary"`
	Memories   []Memory      `json:"memories"`
}

// APIError is a structured failure from the server.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether backing off and retrying can help: lock
// conflicts clear when the holder releases or expires, rate limits
// clear on their own, and 5xx may be transient.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 409 || e.StatusCode == 429 || e.StatusCode >= 500
}
