package requestid

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_CarriesID(t *testing.T) {
	ctx, id := New(context.Background())
	assert.True(t, strings.HasPrefix(id, "req-"), id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_MintsWhenAbsent(t *testing.T) {
	a := FromContext(context.Background())
	b := FromContext(context.Background())
	assert.True(t, strings.HasPrefix(a, "req-"), a)
	assert.NotEqual(t, a, b)
}

func TestWithRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-fixed")
	assert.Equal(t, "req-fixed", FromContext(ctx))
}
