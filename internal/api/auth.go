package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/registry"
	"github.com/blackswan-labs/coordd/pkg/tokenstore"
)

// Locals keys set by the auth middleware.
const (
	localAgentID    = "agent_id"
	localProjectKey = "project_key"
)

// Claims is the JWT payload bound to a registered agent.
type Claims struct {
	AgentID    string `json:"agent_id"`
	ProjectKey string `json:"project_key"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies agent bearer tokens. Tokens are stateless
// JWTs paired with a grant in the token store, so revocation on
// unregister or reap takes effect immediately.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	tokens tokenstore.Store
}

func NewIssuer(secret string, ttl time.Duration, tokens tokenstore.Store) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, tokens: tokens}
}

// Issue creates a token for a freshly registered agent and records the
// grant.
func (i *Issuer) Issue(ctx context.Context, agent *registry.Agent) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.ttl)
	jti := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AgentID:    agent.AgentID,
		ProjectKey: agent.ProjectKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   agent.AgentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, coorderr.Internal(err, "sign token")
	}

	if err := i.tokens.Put(ctx, tokenstore.Grant{
		AgentID:    agent.AgentID,
		ProjectKey: agent.ProjectKey,
		TokenID:    jti,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return "", time.Time{}, coorderr.Internal(err, "record token grant")
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, then checks the grant is still
// live. A token for an unregistered agent fails here even if the JWT
// itself has not expired.
func (i *Issuer) Verify(ctx context.Context, raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, coorderr.Auth("invalid token: %v", err)
	}

	grant, err := i.tokens.Get(ctx, claims.AgentID)
	if err != nil {
		return nil, coorderr.Auth("token is no longer valid")
	}
	if grant.TokenID != claims.ID {
		return nil, coorderr.Auth("token has been superseded")
	}
	return &claims, nil
}

// unauthenticatedPath reports whether the path skips bearer auth:
// probes, metrics, and the registration endpoints that create the
// credentials in the first place.
func unauthenticatedPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics",
		"/api/v1/agents/register", "/api/v1/projects/auto-register":
		return true
	}
	return false
}

// NewAuthMiddleware validates the Authorization header and stashes the
// caller's identity in locals.
func NewAuthMiddleware(issuer *Issuer, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if unauthenticatedPath(c.Path()) {
			return c.Next()
		}

		header := c.Get("Authorization")
		if header == "" {
			return fail(c, coorderr.Auth("Authorization header is required"))
		}
		if !strings.HasPrefix(header, "Bearer ") {
			return fail(c, coorderr.Auth("Authorization header must use Bearer scheme"))
		}

		claims, err := issuer.Verify(c.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			logger.Warn().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unauthorized request")
			var cerr *coorderr.Error
			if errors.As(err, &cerr) {
				return fail(c, cerr)
			}
			return fail(c, coorderr.Auth("invalid token"))
		}

		c.Locals(localAgentID, claims.AgentID)
		c.Locals(localProjectKey, claims.ProjectKey)
		return c.Next()
	}
}

// callerAgent returns the authenticated agent ID.
func callerAgent(c *fiber.Ctx) string {
	id, _ := c.Locals(localAgentID).(string)
	return id
}

// callerProject returns the authenticated agent's project key. Write
// paths trust this exclusively; a project key in a request body is
// ignored.
func callerProject(c *fiber.Ctx) string {
	key, _ := c.Locals(localProjectKey).(string)
	return key
}

// requireSelf rejects agent-scoped operations on someone else's agent.
func requireSelf(c *fiber.Ctx) *coorderr.Error {
	if target := c.Params("agentId"); target != callerAgent(c) {
		return coorderr.Forbidden("token does not belong to agent %s", target)
	}
	return nil
}
