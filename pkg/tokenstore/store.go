// Package tokenstore tracks bearer tokens issued to registered agents.
// The auth middleware consults it on every request so that unregistering
// an agent (or reaping a crashed one) revokes its token immediately,
// without waiting for the JWT expiry.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Grant is an issued token record, keyed by agent ID.
type Grant struct {
	AgentID    string    `json:"agent_id"`
	ProjectKey string    `json:"project_key"`
	TokenID    string    `json:"token_id"` // JWT jti
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired checks whether the grant has passed its expiry.
func (g *Grant) IsExpired() bool {
	return time.Now().After(g.ExpiresAt)
}

// Store defines the token grant registry interface.
type Store interface {
	// Put records a grant for an agent, replacing any prior grant.
	Put(ctx context.Context, grant Grant) error
	// Get retrieves the current grant for an agent.
	// Returns ErrTokenNotFound or ErrTokenExpired.
	Get(ctx context.Context, agentID string) (*Grant, error)
	// Revoke removes an agent's grant. Idempotent.
	Revoke(ctx context.Context, agentID string) error
	// Cleanup removes all expired grants and reports how many.
	Cleanup(ctx context.Context) (int, error)
}
