package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/store"
)

func testManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	ds, err := store.New(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	now := time.Now().UnixMilli()
	_, err = ds.DB().Exec("INSERT INTO projects (project_key, created_at) VALUES ('proj-1', ?)", now)
	require.NoError(t, err)
	_, err = ds.DB().Exec(
		`INSERT INTO agents (agent_id, project_key, agent_type, registered_at, last_heartbeat)
		 VALUES ('agent-a', 'proj-1', 'coder', ?, ?)`, now, now)
	require.NoError(t, err)

	return NewManager(ds, zerolog.Nop()), ds
}

func TestOpenAndCurrent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	id, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sess, err := m.CurrentFor(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, id, sess.SessionID)
	assert.Equal(t, "proj-1", sess.ProjectKey)
	assert.Nil(t, sess.EndedAt)
}

func TestOpen_ClosesDanglingSession(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)
	second, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// Only the second remains open.
	sess, err := m.CurrentFor(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, second, sess.SessionID)
}

func TestCloseFor_Idempotent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	_, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)

	require.NoError(t, m.CloseFor(ctx, "agent-a"))
	require.NoError(t, m.CloseFor(ctx, "agent-a"))

	_, err = m.CurrentFor(ctx, "agent-a")
	assert.Equal(t, coorderr.KindNotFound, coorderr.KindOf(err))
}

func TestViewFor(t *testing.T) {
	m, ds := testManager(t)
	ctx := context.Background()

	id, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	_, err = ds.DB().Exec(
		`INSERT INTO file_locks (project_key, file_path, agent_id, lock_type, acquired_at, expires_at)
		 VALUES ('proj-1', 'src/app.js', 'agent-a', 'write', ?, ?)`,
		now, now+300_000)
	require.NoError(t, err)
	_, err = ds.DB().Exec(
		`INSERT INTO memories (memory_id, agent_id, project_key, session_id, type, content, created_at)
		 VALUES ('mem-1', 'agent-a', 'proj-1', ?, 'episodic', 'refactored app.js', ?)`,
		id, now)
	require.NoError(t, err)

	view, err := m.ViewFor(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, id, view.Session.SessionID)
	require.Len(t, view.LocksHeld, 1)
	assert.Equal(t, "src/app.js", view.LocksHeld[0].FilePath)
	assert.Equal(t, "write", view.LocksHeld[0].LockType)
	assert.Equal(t, 1, view.MemoriesThisSession)
}

func TestViewFor_ExpiredLockHidden(t *testing.T) {
	m, ds := testManager(t)
	ctx := context.Background()

	_, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	_, err = ds.DB().Exec(
		`INSERT INTO file_locks (project_key, file_path, agent_id, lock_type, acquired_at, expires_at)
		 VALUES ('proj-1', 'stale.go', 'agent-a', 'write', ?, ?)`,
		now-10_000, now-1_000)
	require.NoError(t, err)

	view, err := m.ViewFor(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, view.LocksHeld)
}

func TestViewFor_ExpiringLockRecommendation(t *testing.T) {
	m, ds := testManager(t)
	ctx := context.Background()

	_, err := m.Open(ctx, "agent-a", "proj-1")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	_, err = ds.DB().Exec(
		`INSERT INTO file_locks (project_key, file_path, agent_id, lock_type, acquired_at, expires_at)
		 VALUES ('proj-1', 'src/app.js', 'agent-a', 'write', ?, ?)`,
		now, now+30_000)
	require.NoError(t, err)

	view, err := m.ViewFor(ctx, "agent-a")
	require.NoError(t, err)
	require.NotEmpty(t, view.Recommendations)
	assert.Contains(t, view.Recommendations[0], "src/app.js")
}
