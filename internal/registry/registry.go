// Package registry tracks which agents are working on which projects.
// Liveness is heartbeat-based: an agent that misses its TTL is reaped,
// its locks released and its token revoked, so a crashed agent can
// never hold a file hostage.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/store"
)

// LockService is the slice of the lock manager the registry needs:
// bulk release on departure and contention info for listings.
type LockService interface {
	ReleaseAll(ctx context.Context, agentID string) (int, error)
	ContendedPaths(ctx context.Context, projectKey string) ([]string, error)
}

// SessionService opens a session at registration and closes it when the
// agent leaves, however it leaves.
type SessionService interface {
	Open(ctx context.Context, agentID, projectKey string) (string, error)
	CloseFor(ctx context.Context, agentID string) error
}

// TokenRevoker invalidates an agent's bearer token.
type TokenRevoker interface {
	Revoke(ctx context.Context, agentID string) error
}

// Registry is the agent lifecycle service.
type Registry struct {
	ds       *store.Store
	locks    LockService
	sessions SessionService
	tokens   TokenRevoker
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func New(ds *store.Store, locks LockService, sessions SessionService, tokens TokenRevoker, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		ds:       ds,
		locks:    locks,
		sessions: sessions,
		tokens:   tokens,
		ttl:      ttl,
		logger:   logger.With().Str("component", "registry").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// TTL returns the heartbeat TTL agents must beat.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register creates a new agent bound to a project and opens its session.
// The agent ID is server-assigned.
func (r *Registry) Register(ctx context.Context, params RegisterParams) (*Agent, error) {
	if params.AgentType == "" {
		return nil, coorderr.Validation("agent type is required")
	}
	if params.ProjectKey == "" {
		return nil, coorderr.Validation("project key is required")
	}

	var exists int
	err := r.ds.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE project_key = ?`, params.ProjectKey).Scan(&exists)
	if err != nil {
		return nil, coorderr.Internal(err, "check project")
	}
	if exists == 0 {
		return nil, coorderr.NotFound("project %s is not registered", params.ProjectKey)
	}

	now := r.now()
	agent := &Agent{
		AgentID:       "agent-" + uuid.NewString(),
		ProjectKey:    params.ProjectKey,
		AgentType:     params.AgentType,
		Capabilities:  params.Capabilities,
		Status:        StatusActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return nil, coorderr.Internal(err, "encode capabilities")
	}

	if _, err := r.ds.DB().ExecContext(ctx,
		`INSERT INTO agents (agent_id, project_key, agent_type, capabilities, status, registered_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.ProjectKey, agent.AgentType, string(caps),
		string(agent.Status), now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, coorderr.Internal(err, "insert agent")
	}

	if _, err := r.sessions.Open(ctx, agent.AgentID, agent.ProjectKey); err != nil {
		r.logger.Error().Err(err).Str("agent", agent.AgentID).Msg("failed to open session")
	}

	r.logger.Info().
		Str("agent", agent.AgentID).
		Str("project", agent.ProjectKey).
		Str("type", agent.AgentType).
		Msg("agent registered")

	return agent, nil
}

// Heartbeat refreshes the agent's liveness and optionally updates its
// status. A reaped or unknown agent gets not_found and must re-register.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status AgentStatus) (*Agent, error) {
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return nil, coorderr.Validation("unknown agent status %q", status)
	}

	now := r.now()
	res, err := r.ds.DB().ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ?, status = ?
		 WHERE agent_id = ? AND status != 'expired'`,
		now.UnixMilli(), string(status), agentID)
	if err != nil {
		return nil, coorderr.Internal(err, "update heartbeat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, coorderr.Internal(err, "update heartbeat")
	}
	if n == 0 {
		return nil, coorderr.NotFound("agent %s is not registered", agentID)
	}

	return r.Get(ctx, agentID)
}

// Get returns a single agent. Expired agents read as not found.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	row := r.ds.DB().QueryRowContext(ctx,
		`SELECT agent_id, project_key, agent_type, capabilities, status, registered_at, last_heartbeat
		 FROM agents WHERE agent_id = ? AND status != 'expired'`, agentID)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coorderr.NotFound("agent %s is not registered", agentID)
	}
	if err != nil {
		return nil, coorderr.Internal(err, "query agent")
	}

	// Lazy staleness: a stale agent the reaper has not caught yet must
	// still read as gone.
	if agent.Stale(r.ttl, r.now()) {
		return nil, coorderr.NotFound("agent %s is not registered", agentID)
	}
	return agent, nil
}

// List returns the live agents for a project plus a coordination
// summary describing where they might collide.
func (r *Registry) List(ctx context.Context, projectKey string) ([]Agent, *CoordinationSummary, error) {
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	rows, err := r.ds.DB().QueryContext(ctx,
		`SELECT agent_id, project_key, agent_type, capabilities, status, registered_at, last_heartbeat
		 FROM agents
		 WHERE project_key = ? AND status != 'expired' AND last_heartbeat > ?
		 ORDER BY registered_at`, projectKey, cutoff)
	if err != nil {
		return nil, nil, coorderr.Internal(err, "list agents")
	}
	defer rows.Close()

	agents := []Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, nil, coorderr.Internal(err, "scan agent")
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, coorderr.Internal(err, "list agents")
	}

	summary, err := r.summarize(ctx, projectKey, agents)
	if err != nil {
		return nil, nil, err
	}
	return agents, summary, nil
}

func (r *Registry) summarize(ctx context.Context, projectKey string, agents []Agent) (*CoordinationSummary, error) {
	contended, err := r.locks.ContendedPaths(ctx, projectKey)
	if err != nil {
		return nil, err
	}

	summary := &CoordinationSummary{
		TotalAgents:     len(agents),
		ContendedPaths:  contended,
		Recommendations: []string{},
	}
	for _, a := range agents {
		if a.Status == StatusActive || a.Status == StatusBusy {
			summary.ActiveAgents++
		}
	}

	if summary.TotalAgents > 1 {
		summary.Recommendations = append(summary.Recommendations,
			fmt.Sprintf("%d agents are working on this project; lock files before editing", summary.TotalAgents))
	}
	for _, p := range contended {
		summary.Recommendations = append(summary.Recommendations,
			fmt.Sprintf("%s has multiple lock holders; coordinate before writing", p))
	}
	return summary, nil
}

// CountActive returns the number of live, unexpired agents across all
// projects.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	var n int
	err := r.ds.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE status != 'expired' AND last_heartbeat > ?`, cutoff).Scan(&n)
	if err != nil {
		return 0, coorderr.Internal(err, "count agents")
	}
	return n, nil
}

// Unregister removes an agent: its locks are released, its session
// closed, and its token revoked. Unregistering an unknown or already
// departed agent is a no-op.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	released, err := r.locks.ReleaseAll(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.sessions.CloseFor(ctx, agentID); err != nil {
		r.logger.Error().Err(err).Str("agent", agentID).Msg("failed to close session")
	}
	if err := r.tokens.Revoke(ctx, agentID); err != nil {
		r.logger.Error().Err(err).Str("agent", agentID).Msg("failed to revoke token")
	}

	if _, err := r.ds.DB().ExecContext(ctx,
		`UPDATE agents SET status = 'expired' WHERE agent_id = ?`, agentID); err != nil {
		return coorderr.Internal(err, "expire agent")
	}

	r.logger.Info().
		Str("agent", agentID).
		Int("locks_released", released).
		Msg("agent unregistered")
	return nil
}

// ExpireStale reaps every agent whose heartbeat is older than the TTL,
// running the same cleanup as an explicit unregister. Safe to call from
// overlapping timers.
func (r *Registry) ExpireStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	rows, err := r.ds.DB().QueryContext(ctx,
		`SELECT agent_id FROM agents WHERE status != 'expired' AND last_heartbeat <= ?`, cutoff)
	if err != nil {
		return 0, coorderr.Internal(err, "query stale agents")
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, coorderr.Internal(err, "scan stale agent")
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, coorderr.Internal(err, "query stale agents")
	}

	reaped := 0
	for _, id := range stale {
		ok, err := r.reapOne(ctx, id, cutoff)
		if err != nil {
			r.logger.Error().Err(err).Str("agent", id).Msg("failed to reap agent")
			continue
		}
		if ok {
			r.logger.Info().Str("agent", id).Msg("stale agent reaped")
			reaped++
		}
	}
	return reaped, nil
}

// reapOne expires a single agent if its heartbeat is still at or before
// the cutoff. The mark comes first and is conditional, so a heartbeat
// landing between the stale scan and this update wins and the agent
// survives; once the row reads expired, a late heartbeat gets not_found
// and the agent must re-register.
func (r *Registry) reapOne(ctx context.Context, agentID string, cutoff int64) (bool, error) {
	res, err := r.ds.DB().ExecContext(ctx,
		`UPDATE agents SET status = 'expired'
		 WHERE agent_id = ? AND status != 'expired' AND last_heartbeat <= ?`,
		agentID, cutoff)
	if err != nil {
		return false, coorderr.Internal(err, "expire agent")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	released, err := r.locks.ReleaseAll(ctx, agentID)
	if err != nil {
		r.logger.Error().Err(err).Str("agent", agentID).Msg("failed to release reaped agent's locks")
	}
	if err := r.sessions.CloseFor(ctx, agentID); err != nil {
		r.logger.Error().Err(err).Str("agent", agentID).Msg("failed to close session")
	}
	if err := r.tokens.Revoke(ctx, agentID); err != nil {
		r.logger.Error().Err(err).Str("agent", agentID).Msg("failed to revoke token")
	}
	if released > 0 {
		r.logger.Info().Str("agent", agentID).Int("locks_released", released).Msg("reaped agent's locks released")
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a          Agent
		caps       string
		status     string
		registered int64
		heartbeat  int64
	)
	if err := row.Scan(&a.AgentID, &a.ProjectKey, &a.AgentType, &caps, &status, &registered, &heartbeat); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		a.Capabilities = nil
	}
	a.Status = AgentStatus(status)
	a.RegisteredAt = time.UnixMilli(registered)
	a.LastHeartbeat = time.UnixMilli(heartbeat)
	return &a, nil
}
