package lockmgr

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	ds, err := store.New(filepath.Join(t.TempDir(), "locks.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	now := time.Now().UnixMilli()
	_, err = ds.DB().Exec(
		"INSERT INTO projects (project_key, created_at) VALUES ('proj-1', ?), ('proj-2', ?)", now, now)
	require.NoError(t, err)
	for _, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		_, err = ds.DB().Exec(
			`INSERT INTO agents (agent_id, project_key, agent_type, registered_at, last_heartbeat)
			 VALUES (?, 'proj-1', 'coder', ?, ?)`, agent, now, now)
		require.NoError(t, err)
	}

	return NewManager(ds, zerolog.Nop())
}

func TestNormalizePath(t *testing.T) {
	for raw, want := range map[string]string{
		"src/app.js":     "src/app.js",
		"/src/app.js":    "src/app.js",
		"./src/app.js":   "src/app.js",
		"src//app.js":    "src/app.js",
		"src\\app.js":    "src/app.js",
		"a/b/../c/d.go":  "a/c/d.go",
	} {
		got, err := NormalizePath(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	for _, bad := range []string{"", "  ", "..", "../etc/passwd", "a/../.."} {
		_, err := NormalizePath(bad)
		assert.Error(t, err, bad)
	}
}

func TestAcquire_WriteExcludesAll(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, 300*time.Second, "editing")
	require.NoError(t, err)
	assert.Equal(t, LockWrite, lock.Type)

	// Another agent's write request conflicts.
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "src/app.js", LockWrite, 300*time.Second, "")
	require.Error(t, err)
	assert.Equal(t, coorderr.KindConflict, coorderr.KindOf(err))

	var cerr *coorderr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "agent-a", cerr.Details["holder"])
	assert.Equal(t, "write", cerr.Details["lock_type"])
	assert.InDelta(t, 300, cerr.Details["remaining_seconds"], 2)

	// So does a read request.
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "src/app.js", LockRead, 60*time.Second, "")
	assert.Equal(t, coorderr.KindConflict, coorderr.KindOf(err))
}

func TestAcquire_ReadersShare(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "docs/readme.md", LockRead, time.Minute, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "docs/readme.md", LockRead, time.Minute, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-c", "docs/readme.md", LockRead, time.Minute, "")
	require.NoError(t, err)

	// But a writer is excluded while any reader is live.
	_, err = m.Acquire(ctx, "proj-1", "agent-c", "docs/readme.md", LockWrite, time.Minute, "")
	assert.Equal(t, coorderr.KindConflict, coorderr.KindOf(err))

	state, err := m.Check(ctx, "proj-1", "docs/readme.md")
	require.NoError(t, err)
	assert.True(t, state.Locked)
	assert.Len(t, state.Holders, 3)
}

func TestAcquire_ReacquireExtends(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, 30*time.Second, "")
	require.NoError(t, err)

	second, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, 300*time.Second, "still editing")
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))

	// Single row, not two.
	state, err := m.Check(ctx, "proj-1", "src/app.js")
	require.NoError(t, err)
	assert.Len(t, state.Holders, 1)
}

func TestAcquire_HolderUpgradesOwnReadLock(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockRead, time.Minute, "")
	require.NoError(t, err)

	// Sole reader may upgrade to write.
	lock, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, LockWrite, lock.Type)

	// With a second reader present, the upgrade conflicts.
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "other.js", LockRead, time.Minute, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "src/app.js", LockRead, time.Minute, "")
	assert.Equal(t, coorderr.KindConflict, coorderr.KindOf(err))
}

func TestAcquire_AfterReleaseSucceeds(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, 300*time.Second, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "src/app.js", LockWrite, 300*time.Second, "")
	require.Error(t, err)

	require.NoError(t, m.Release(ctx, "proj-1", "agent-a", "src/app.js"))

	lock, err := m.Acquire(ctx, "proj-1", "agent-b", "src/app.js", LockWrite, 300*time.Second, "")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", lock.AgentID)
}

func TestAcquire_ExpiredLockIsAbsent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	base := time.Now()
	m.SetClock(func() time.Time { return base })

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, time.Second, "")
	require.NoError(t, err)

	// Two seconds later, no reaper has run: the lock must read as gone.
	m.SetClock(func() time.Time { return base.Add(2 * time.Second) })

	state, err := m.Check(ctx, "proj-1", "src/app.js")
	require.NoError(t, err)
	assert.False(t, state.Locked)

	// And a competing acquire wins.
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "src/app.js", LockWrite, time.Minute, "")
	require.NoError(t, err)
}

func TestRelease_NonHolderForbidden(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, time.Minute, "")
	require.NoError(t, err)

	err = m.Release(ctx, "proj-1", "agent-b", "src/app.js")
	assert.Equal(t, coorderr.KindForbidden, coorderr.KindOf(err))

	// Holder's lock is untouched.
	state, err := m.Check(ctx, "proj-1", "src/app.js")
	require.NoError(t, err)
	assert.True(t, state.Locked)
}

func TestRelease_NoLockNotFound(t *testing.T) {
	m := testManager(t)
	err := m.Release(context.Background(), "proj-1", "agent-a", "never/locked.go")
	assert.Equal(t, coorderr.KindNotFound, coorderr.KindOf(err))
}

func TestCheck_IsolatedAcrossProjects(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "src/app.js", LockWrite, time.Minute, "")
	require.NoError(t, err)

	state, err := m.Check(ctx, "proj-2", "src/app.js")
	require.NoError(t, err)
	assert.False(t, state.Locked)
}

func TestReleaseAll(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	for _, p := range []string{"a.go", "b.go", "c.go"} {
		_, err := m.Acquire(ctx, "proj-1", "agent-a", p, LockWrite, time.Minute, "")
		require.NoError(t, err)
	}

	n, err := m.ReleaseAll(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	locks, err := m.ListForAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, locks)
}

func TestContendedPaths(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "shared.go", LockRead, time.Minute, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-b", "shared.go", LockRead, time.Minute, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-c", "solo.go", LockWrite, time.Minute, "")
	require.NoError(t, err)

	paths, err := m.ContendedPaths(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.go"}, paths)
}

func TestSweep(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	base := time.Now()
	m.SetClock(func() time.Time { return base })

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "short.go", LockWrite, time.Second, "")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "proj-1", "agent-a", "long.go", LockWrite, time.Hour, "")
	require.NoError(t, err)

	m.SetClock(func() time.Time { return base.Add(5 * time.Second) })

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locks, err := m.ListForAgent(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "long.go", locks[0].FilePath)
}

func TestAcquire_Validation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "proj-1", "agent-a", "", LockWrite, time.Minute, "")
	assert.Equal(t, coorderr.KindValidation, coorderr.KindOf(err))

	_, err = m.Acquire(ctx, "proj-1", "agent-a", "a.go", LockType("exclusive"), time.Minute, "")
	assert.Equal(t, coorderr.KindValidation, coorderr.KindOf(err))

	_, err = m.Acquire(ctx, "proj-1", "agent-a", "a.go", LockWrite, 0, "")
	assert.Equal(t, coorderr.KindValidation, coorderr.KindOf(err))
}

func TestAcquire_ConcurrentWritersSingleWinner(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	agents := []string{"agent-a", "agent-b", "agent-c"}
	var wg sync.WaitGroup
	results := make([]error, len(agents))

	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent string) {
			defer wg.Done()
			_, results[i] = m.Acquire(ctx, "proj-1", agent, "hot/path.go", LockWrite, time.Minute, "")
		}(i, agent)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.Equal(t, coorderr.KindConflict, coorderr.KindOf(err))
		}
	}
	assert.Equal(t, 1, winners)

	state, err := m.Check(ctx, "proj-1", "hot/path.go")
	require.NoError(t, err)
	assert.Len(t, state.Holders, 1)
}
