package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/identity"
	"github.com/blackswan-labs/coordd/internal/memory"
	"github.com/blackswan-labs/coordd/internal/project"
	"github.com/blackswan-labs/coordd/internal/registry"
	"github.com/blackswan-labs/coordd/internal/session"
)

// Envelope is the uniform response shape: success with data, or
// failure with a structured error.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the failure payload.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func ok(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(Envelope{Success: true, Data: data})
}

func fail(c *fiber.Ctx, err *coorderr.Error) error {
	return c.Status(err.Status()).JSON(Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    string(err.Kind),
			Message: err.Message,
			Details: err.Details,
		},
	})
}

// RegisterAgentRequest is the body of POST /agents/register. Project
// identity signals ride along so registration is one round trip.
type RegisterAgentRequest struct {
	AgentType    string   `json:"agentType"`
	Capabilities []string `json:"capabilities,omitempty"`

	WorkingDirectory string `json:"workingDirectory,omitempty"`
	RemoteOrigin     string `json:"remoteOrigin,omitempty"`
	DefaultBranch    string `json:"defaultBranch,omitempty"`
	ProjectKey       string `json:"projectKey,omitempty"` // explicit override
}

// RegisterAgentResponse carries everything a fresh agent needs to start
// working: its identity, its token, and what the project looks like.
type RegisterAgentResponse struct {
	Agent        *registry.Agent               `json:"agent"`
	Token        string                        `json:"token"`
	ExpiresAt    int64                         `json:"tokenExpiresAt"`
	Project      *project.Project              `json:"project"`
	Boundaries   identity.WorkspaceBoundaries  `json:"boundaries"`
	Coordination *registry.CoordinationSummary `json:"coordination"`
	Memory       *memory.Summary               `json:"memorySummary"`
}

// AutoRegisterProjectRequest is the body of POST /projects/auto-register.
type AutoRegisterProjectRequest struct {
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	RemoteOrigin     string `json:"remoteOrigin,omitempty"`
	DefaultBranch    string `json:"defaultBranch,omitempty"`
	ProjectKey       string `json:"projectKey,omitempty"`
}

// HeartbeatRequest is the body of POST /agents/:agentId/heartbeat.
type HeartbeatRequest struct {
	Status string `json:"status,omitempty"`
}

// HeartbeatResponse echoes the refreshed agent and the interval the
// server expects.
type HeartbeatResponse struct {
	Agent           *registry.Agent `json:"agent"`
	TTLSeconds      int64           `json:"ttlSeconds"`
	IntervalSeconds int64           `json:"recommendedIntervalSeconds"`
}

// FileOpRequest is the body of POST /agents/:agentId/files. Operation
// selects lock, unlock, or check.
type FileOpRequest struct {
	Operation       string `json:"operation"`
	FilePath        string `json:"filePath"`
	LockType        string `json:"lockType,omitempty"`
	DurationSeconds int64  `json:"duration,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// ListAgentsResponse pairs the roster with the coordination summary.
type ListAgentsResponse struct {
	Agents       []registry.Agent              `json:"agents"`
	Coordination *registry.CoordinationSummary `json:"coordination"`
}

// StoreMemoryRequest is the body of POST /agents/:agentId/memory. The
// project is taken from the token, never the body.
type StoreMemoryRequest struct {
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	Importance int            `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

// QueryMemoryResponse is the payload of GET /agents/:agentId/memory.
type QueryMemoryResponse struct {
	Memories []memory.Memory `json:"memories"`
	Summary  *memory.Summary `json:"summary,omitempty"`
}

// SessionResponse wraps the session view.
type SessionResponse struct {
	*session.View
}
