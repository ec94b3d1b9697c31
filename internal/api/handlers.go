package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/health"
	"github.com/blackswan-labs/coordd/internal/identity"
	"github.com/blackswan-labs/coordd/internal/lockmgr"
	"github.com/blackswan-labs/coordd/internal/memory"
	"github.com/blackswan-labs/coordd/internal/metrics"
	"github.com/blackswan-labs/coordd/internal/project"
	"github.com/blackswan-labs/coordd/internal/registry"
	"github.com/blackswan-labs/coordd/internal/session"
)

// LockLimits bound caller-chosen lock durations.
type LockLimits struct {
	Default time.Duration
	Max     time.Duration
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	projects   *project.Service
	reg        *registry.Registry
	locks      *lockmgr.Manager
	mem        *memory.Store
	sessions   *session.Manager
	issuer     *Issuer
	checker    *health.Checker
	collector  *metrics.Metrics
	lockLimits LockLimits
	heartbeat  time.Duration
	adminToken string
	logger     zerolog.Logger
}

func NewHandlers(
	projects *project.Service,
	reg *registry.Registry,
	locks *lockmgr.Manager,
	mem *memory.Store,
	sessions *session.Manager,
	issuer *Issuer,
	checker *health.Checker,
	collector *metrics.Metrics,
	lockLimits LockLimits,
	heartbeat time.Duration,
	adminToken string,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		projects:   projects,
		reg:        reg,
		locks:      locks,
		mem:        mem,
		sessions:   sessions,
		issuer:     issuer,
		checker:    checker,
		collector:  collector,
		lockLimits: lockLimits,
		heartbeat:  heartbeat,
		adminToken: adminToken,
		logger:     logger.With().Str("component", "handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return ok(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())
	for _, s := range results {
		if s == health.StatusDown {
			return c.Status(fiber.StatusServiceUnavailable).JSON(Envelope{
				Success: false,
				Error:   &ErrorBody{Code: "not_ready", Message: "a dependency is down"},
			})
		}
	}
	return ok(c, fiber.StatusOK, fiber.Map{"status": "ready", "checks": results})
}

// RegisterAgent handles POST /api/v1/agents/register. One round trip
// resolves the project, registers the agent, issues its token, and
// returns what the project currently looks like.
func (h *Handlers) RegisterAgent(c *fiber.Ctx) error {
	var req RegisterAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, coorderr.Validation("invalid request body: %v", err))
	}

	proj, bounds, err := h.projects.ResolveWorkspace(c.Context(), identity.Signals{
		WorkingDirectory: req.WorkingDirectory,
		RemoteOrigin:     req.RemoteOrigin,
		DefaultBranch:    req.DefaultBranch,
		OverrideKey:      req.ProjectKey,
	})
	if err != nil {
		return h.fail(c, "register", err)
	}

	agent, err := h.reg.Register(c.Context(), registry.RegisterParams{
		ProjectKey:   proj.ProjectKey,
		AgentType:    req.AgentType,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		return h.fail(c, "register", err)
	}

	token, expiresAt, err := h.issuer.Issue(c.Context(), agent)
	if err != nil {
		return h.fail(c, "register", err)
	}

	_, summary, err := h.reg.List(c.Context(), proj.ProjectKey)
	if err != nil {
		return h.fail(c, "register", err)
	}
	memSummary, err := h.mem.Summarize(c.Context(), proj.ProjectKey)
	if err != nil {
		return h.fail(c, "register", err)
	}

	return ok(c, fiber.StatusCreated, RegisterAgentResponse{
		Agent:        agent,
		Token:        token,
		ExpiresAt:    expiresAt.UnixMilli(),
		Project:      proj,
		Boundaries:   bounds,
		Coordination: summary,
		Memory:       memSummary,
	})
}

// AutoRegisterProject handles POST /api/v1/projects/auto-register.
func (h *Handlers) AutoRegisterProject(c *fiber.Ctx) error {
	var req AutoRegisterProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, coorderr.Validation("invalid request body: %v", err))
	}
	proj, err := h.projects.AutoRegister(c.Context(), identity.Signals{
		WorkingDirectory: req.WorkingDirectory,
		RemoteOrigin:     req.RemoteOrigin,
		DefaultBranch:    req.DefaultBranch,
		OverrideKey:      req.ProjectKey,
	})
	if err != nil {
		return h.fail(c, "project", err)
	}
	return ok(c, fiber.StatusCreated, proj)
}

// ResolveProject handles GET /api/v1/projects/auto-register. Same
// resolution from query parameters, for clients probing which project a
// directory belongs to.
func (h *Handlers) ResolveProject(c *fiber.Ctx) error {
	proj, err := h.projects.AutoRegister(c.Context(), identity.Signals{
		WorkingDirectory: c.Query("workingDirectory"),
		RemoteOrigin:     c.Query("remoteOrigin"),
		DefaultBranch:    c.Query("defaultBranch"),
		OverrideKey:      c.Query("projectKey"),
	})
	if err != nil {
		return h.fail(c, "project", err)
	}
	return ok(c, fiber.StatusOK, proj)
}

// ListAgents handles GET /api/v1/agents. The project scope comes from
// the token; a projectId query naming any other project is rejected.
func (h *Handlers) ListAgents(c *fiber.Ctx) error {
	projectKey := callerProject(c)
	if q := c.Query("projectId"); q != "" && q != projectKey {
		return fail(c, coorderr.Forbidden("token is not scoped to project %s", q))
	}

	agents, summary, err := h.reg.List(c.Context(), projectKey)
	if err != nil {
		return h.fail(c, "registry", err)
	}
	return ok(c, fiber.StatusOK, ListAgentsResponse{Agents: agents, Coordination: summary})
}

// GetAgent handles GET /api/v1/agents/:agentId. Any agent in the same
// project may look.
func (h *Handlers) GetAgent(c *fiber.Ctx) error {
	agent, err := h.reg.Get(c.Context(), c.Params("agentId"))
	if err != nil {
		return h.fail(c, "registry", err)
	}
	if agent.ProjectKey != callerProject(c) {
		return fail(c, coorderr.NotFound("agent %s is not registered", agent.AgentID))
	}
	return ok(c, fiber.StatusOK, agent)
}

// Heartbeat handles POST /api/v1/agents/:agentId/heartbeat.
func (h *Handlers) Heartbeat(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}
	var req HeartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, coorderr.Validation("invalid request body: %v", err))
		}
	}

	agent, err := h.reg.Heartbeat(c.Context(), callerAgent(c), registry.AgentStatus(req.Status))
	if err != nil {
		return h.fail(c, "registry", err)
	}
	return ok(c, fiber.StatusOK, HeartbeatResponse{
		Agent:           agent,
		TTLSeconds:      int64(h.reg.TTL().Seconds()),
		IntervalSeconds: int64(h.heartbeat.Seconds()),
	})
}

// UnregisterAgent handles DELETE /api/v1/agents/:agentId.
func (h *Handlers) UnregisterAgent(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}
	if err := h.reg.Unregister(c.Context(), callerAgent(c)); err != nil {
		return h.fail(c, "registry", err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"unregistered": true})
}

// FileOperation handles POST /api/v1/agents/:agentId/files: lock,
// unlock, or check.
func (h *Handlers) FileOperation(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}
	var req FileOpRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, coorderr.Validation("invalid request body: %v", err))
	}

	agentID := callerAgent(c)
	projectKey := callerProject(c)

	switch req.Operation {
	case "lock":
		lockType := lockmgr.LockType(req.LockType)
		if req.LockType == "" {
			lockType = lockmgr.LockWrite
		}
		duration := time.Duration(req.DurationSeconds) * time.Second
		if duration <= 0 {
			duration = h.lockLimits.Default
		}
		if duration > h.lockLimits.Max {
			return fail(c, coorderr.Validation(
				"lock duration exceeds the maximum of %d seconds", int64(h.lockLimits.Max.Seconds())))
		}

		lock, err := h.locks.Acquire(c.Context(), projectKey, agentID, req.FilePath, lockType, duration, req.Reason)
		if err != nil {
			h.collector.RecordLockDecision(string(lockType), "denied")
			return h.fail(c, "lockmgr", err)
		}
		h.collector.RecordLockDecision(string(lockType), "granted")
		return ok(c, fiber.StatusOK, lock)

	case "unlock":
		path, err := lockmgr.NormalizePath(req.FilePath)
		if err != nil {
			return h.fail(c, "lockmgr", err)
		}
		if err := h.locks.Release(c.Context(), projectKey, agentID, path); err != nil {
			return h.fail(c, "lockmgr", err)
		}
		return ok(c, fiber.StatusOK, fiber.Map{"released": true, "filePath": path})

	case "check":
		path, err := lockmgr.NormalizePath(req.FilePath)
		if err != nil {
			return h.fail(c, "lockmgr", err)
		}
		state, err := h.locks.Check(c.Context(), projectKey, path)
		if err != nil {
			return h.fail(c, "lockmgr", err)
		}
		return ok(c, fiber.StatusOK, state)

	default:
		return fail(c, coorderr.Validation("unknown file operation %q", req.Operation))
	}
}

// ListFiles handles GET /api/v1/agents/:agentId/files.
func (h *Handlers) ListFiles(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}
	locks, err := h.locks.ListForAgent(c.Context(), callerAgent(c))
	if err != nil {
		return h.fail(c, "lockmgr", err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"locks": locks})
}

// StoreMemory handles POST /api/v1/agents/:agentId/memory.
func (h *Handlers) StoreMemory(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}
	var req StoreMemoryRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, coorderr.Validation("invalid request body: %v", err))
	}

	m, err := h.mem.Record(c.Context(), memory.RecordParams{
		AgentID:    callerAgent(c),
		Type:       memory.Type(req.Type),
		Content:    req.Content,
		Context:    req.Context,
		Importance: req.Importance,
		Tags:       req.Tags,
	})
	if err != nil {
		return h.fail(c, "memory", err)
	}
	h.collector.RecordMemory(req.Type)
	return ok(c, fiber.StatusCreated, m)
}

// QueryMemory handles GET /api/v1/agents/:agentId/memory. Scope is the
// caller's project; ?summary=true adds the project summary.
func (h *Handlers) QueryMemory(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}

	filter := memory.Filter{
		Type:          memory.Type(c.Query("type")),
		MinImportance: c.QueryInt("minImportance", 0),
		Limit:         c.QueryInt("limit", 0),
	}
	if since := c.QueryInt("since", 0); since > 0 {
		filter.Since = time.UnixMilli(int64(since))
	}
	if tags := c.Query("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	memories, err := h.mem.Query(c.Context(), callerProject(c), filter)
	if err != nil {
		return h.fail(c, "memory", err)
	}

	resp := QueryMemoryResponse{Memories: memories}
	if c.QueryBool("summary", false) {
		summary, err := h.mem.Summarize(c.Context(), callerProject(c))
		if err != nil {
			return h.fail(c, "memory", err)
		}
		resp.Summary = summary
	}
	return ok(c, fiber.StatusOK, resp)
}

// GetSession handles GET /api/v1/agents/:agentId/session.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	if err := requireSelf(c); err != nil {
		return fail(c, err)
	}
	view, err := h.sessions.ViewFor(c.Context(), callerAgent(c))
	if err != nil {
		return h.fail(c, "session", err)
	}
	return ok(c, fiber.StatusOK, view)
}

// AggregateMemory handles GET /api/v1/memory/aggregate?projectKeys=.
// Reading across projects is an operator surface: an agent token only
// ever covers its own project, so any other key requires the configured
// operator token.
func (h *Handlers) AggregateMemory(c *fiber.Ctx) error {
	raw := c.Query("projectKeys")
	if raw == "" {
		return fail(c, coorderr.Validation("projectKeys query parameter is required"))
	}
	keys := strings.Split(raw, ",")

	if !h.operatorRequest(c) {
		for _, key := range keys {
			if key != callerProject(c) {
				return fail(c, coorderr.Forbidden("aggregating project %s requires the operator token", key))
			}
		}
	}

	filter := memory.Filter{
		Type:          memory.Type(c.Query("type")),
		MinImportance: c.QueryInt("minImportance", 0),
		Limit:         c.QueryInt("limit", 10),
	}

	agg, err := h.mem.Aggregate(c.Context(), keys, filter)
	if err != nil {
		return h.fail(c, "memory", err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"projects": agg})
}

// operatorRequest reports whether the caller presented the configured
// operator token. No configured token means no operator surface.
func (h *Handlers) operatorRequest(c *fiber.Ctx) bool {
	if h.adminToken == "" {
		return false
	}
	presented := c.Get("X-Admin-Token")
	return presented != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) == 1
}

// fail converts a service error to the response envelope and counts it.
func (h *Handlers) fail(c *fiber.Ctx, component string, err error) error {
	var cerr *coorderr.Error
	if !errors.As(err, &cerr) {
		cerr = coorderr.Internal(err, "unexpected error")
	}
	if cerr.Kind == coorderr.KindInternal {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	h.collector.RecordError(component, string(cerr.Kind))
	return fail(c, cerr)
}
