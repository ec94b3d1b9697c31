// Package requestid tags each API request with an ID so one request's
// log lines can be stitched back together.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New mints a request ID and returns the context carrying it.
func New(ctx context.Context) (context.Context, string) {
	id := mint()
	return WithRequestID(ctx, id), id
}

// WithRequestID returns a context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID carried by ctx, minting one when
// absent so callers always have something to log.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return mint()
}

// mint follows the engine's ID convention (agent-*, sess-*, mem-*).
func mint() string {
	return "req-" + uuid.NewString()
}
