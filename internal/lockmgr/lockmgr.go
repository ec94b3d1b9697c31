// Package lockmgr grants and revokes per-path file locks with expiry.
// Conflict checking and lock creation happen inside a single SQLite
// write transaction, so lock state transitions for a given
// (projectKey, filePath) are totally ordered even with many engine
// replicas sharing the database. Expiry is lazy and eager: every read
// treats rows past expires_at as absent, and a periodic sweep deletes
// them to keep storage bounded.
package lockmgr

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/store"
)

// LockType distinguishes shared read locks from exclusive write locks.
type LockType string

const (
	LockRead  LockType = "read"
	LockWrite LockType = "write"
)

// Valid reports whether t is a known lock type.
func (t LockType) Valid() bool {
	return t == LockRead || t == LockWrite
}

// Lock is a granted, time-bounded claim on a file path.
type Lock struct {
	ProjectKey string    `json:"projectId"`
	FilePath   string    `json:"filePath"`
	AgentID    string    `json:"agentId"`
	Type       LockType  `json:"lockType"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Remaining returns the time until expiry, clamped at zero.
func (l *Lock) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Holder describes one current holder of a path, as exposed by Check
// and in conflict responses.
type Holder struct {
	AgentID          string   `json:"agentId"`
	Type             LockType `json:"lockType"`
	Reason           string   `json:"reason,omitempty"`
	RemainingSeconds int64    `json:"remainingSeconds"`
}

// LockState is the read-only answer to "is this path locked".
type LockState struct {
	FilePath string   `json:"filePath"`
	Locked   bool     `json:"locked"`
	Holders  []Holder `json:"holders,omitempty"`
}

// Manager is the file lock manager.
type Manager struct {
	ds     *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager backed by the shared store.
func NewManager(ds *store.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		ds:     ds,
		logger: logger.With().Str("component", "lockmgr").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// NormalizePath canonicalizes a file path relative to the project root.
// Paths are slash-separated, cleaned, and must stay inside the root.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", coorderr.Validation("file path is required")
	}
	p = path.Clean(strings.TrimPrefix(p, "/"))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", coorderr.Validation("file path %q escapes the project root", p)
	}
	return p, nil
}

// Acquire grants a lock or returns a Conflict error carrying the current
// holder. Re-acquisition by the holding agent replaces its own lock and
// extends the expiry; it never conflicts with itself. First come, first
// served: losers retry with backoff, the engine never queues.
func (m *Manager) Acquire(ctx context.Context, projectKey, agentID, filePath string, lockType LockType, duration time.Duration, reason string) (*Lock, error) {
	filePath, err := NormalizePath(filePath)
	if err != nil {
		return nil, err
	}
	if !lockType.Valid() {
		return nil, coorderr.Validation("unknown lock type %q", lockType)
	}
	if duration <= 0 {
		return nil, coorderr.Validation("lock duration must be positive")
	}

	now := m.now()
	nowMs := now.UnixMilli()
	expiresAt := now.Add(duration)

	tx, err := m.ds.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, coorderr.Internal(err, "begin lock transaction")
	}
	defer tx.Rollback()

	// First statement is a write: SQLite promotes the transaction to
	// exclusive here, serializing concurrent acquires on this path.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_locks WHERE project_key = ? AND file_path = ? AND expires_at <= ?`,
		projectKey, filePath, nowMs,
	); err != nil {
		return nil, coorderr.Internal(err, "purge expired locks")
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT agent_id, lock_type, reason, expires_at
		 FROM file_locks
		 WHERE project_key = ? AND file_path = ? AND agent_id != ? AND expires_at > ?`,
		projectKey, filePath, agentID, nowMs,
	)
	if err != nil {
		return nil, coorderr.Internal(err, "query lock holders")
	}
	holders, err := scanHolders(rows, now)
	if err != nil {
		return nil, coorderr.Internal(err, "scan lock holders")
	}

	if conflict := firstConflict(holders, lockType); conflict != nil {
		return nil, coorderr.Conflict(
			fmt.Sprintf("%s is locked by %s", filePath, conflict.AgentID),
			map[string]any{
				"file_path":         filePath,
				"holder":            conflict.AgentID,
				"lock_type":         string(conflict.Type),
				"remaining_seconds": conflict.RemainingSeconds,
			})
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_locks (project_key, file_path, agent_id, lock_type, reason, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_key, file_path, agent_id) DO UPDATE SET
		   lock_type   = excluded.lock_type,
		   reason      = excluded.reason,
		   acquired_at = excluded.acquired_at,
		   expires_at  = excluded.expires_at`,
		projectKey, filePath, agentID, string(lockType), reason, nowMs, expiresAt.UnixMilli(),
	); err != nil {
		return nil, coorderr.Internal(err, "insert lock")
	}

	if err := tx.Commit(); err != nil {
		return nil, coorderr.Internal(err, "commit lock")
	}

	m.logger.Debug().
		Str("project", projectKey).
		Str("path", filePath).
		Str("agent", agentID).
		Str("type", string(lockType)).
		Time("expires_at", expiresAt).
		Msg("lock acquired")

	return &Lock{
		ProjectKey: projectKey,
		FilePath:   filePath,
		AgentID:    agentID,
		Type:       lockType,
		Reason:     reason,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}, nil
}

// firstConflict applies the conflict rule: a write request conflicts with
// any live lock held by another agent; a read request conflicts only with
// a live write lock. Readers never conflict with readers.
func firstConflict(holders []Holder, requested LockType) *Holder {
	for i := range holders {
		if requested == LockWrite || holders[i].Type == LockWrite {
			return &holders[i]
		}
	}
	return nil
}

// Release drops the caller's lock on a path. Only the holder may release;
// a live lock held by someone else yields Forbidden, no live lock at all
// yields NotFound (often a benign race with expiry).
func (m *Manager) Release(ctx context.Context, projectKey, agentID, filePath string) error {
	filePath, err := NormalizePath(filePath)
	if err != nil {
		return err
	}
	nowMs := m.now().UnixMilli()

	tx, err := m.ds.DB().BeginTx(ctx, nil)
	if err != nil {
		return coorderr.Internal(err, "begin release transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM file_locks
		 WHERE project_key = ? AND file_path = ? AND agent_id = ? AND expires_at > ?`,
		projectKey, filePath, agentID, nowMs,
	)
	if err != nil {
		return coorderr.Internal(err, "delete lock")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var others int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM file_locks WHERE project_key = ? AND file_path = ? AND expires_at > ?`,
			projectKey, filePath, nowMs,
		).Scan(&others); err != nil {
			return coorderr.Internal(err, "check lock holders")
		}
		if others > 0 {
			return coorderr.Forbidden("%s is locked by another agent", filePath)
		}
		return coorderr.NotFound("no lock held on %s", filePath)
	}

	if err := tx.Commit(); err != nil {
		return coorderr.Internal(err, "commit release")
	}

	m.logger.Debug().
		Str("project", projectKey).
		Str("path", filePath).
		Str("agent", agentID).
		Msg("lock released")
	return nil
}

// Check reports the current lock state of a path. Read-only and
// side-effect-free; expired rows are invisible even before the sweep
// removes them.
func (m *Manager) Check(ctx context.Context, projectKey, filePath string) (*LockState, error) {
	filePath, err := NormalizePath(filePath)
	if err != nil {
		return nil, err
	}
	now := m.now()

	rows, err := m.ds.DB().QueryContext(ctx,
		`SELECT agent_id, lock_type, reason, expires_at
		 FROM file_locks
		 WHERE project_key = ? AND file_path = ? AND expires_at > ?
		 ORDER BY acquired_at`,
		projectKey, filePath, now.UnixMilli(),
	)
	if err != nil {
		return nil, coorderr.Internal(err, "query lock state")
	}
	holders, err := scanHolders(rows, now)
	if err != nil {
		return nil, coorderr.Internal(err, "scan lock state")
	}

	return &LockState{
		FilePath: filePath,
		Locked:   len(holders) > 0,
		Holders:  holders,
	}, nil
}

// ListForAgent returns the live locks held by an agent.
func (m *Manager) ListForAgent(ctx context.Context, agentID string) ([]Lock, error) {
	now := m.now()
	rows, err := m.ds.DB().QueryContext(ctx,
		`SELECT project_key, file_path, agent_id, lock_type, reason, acquired_at, expires_at
		 FROM file_locks
		 WHERE agent_id = ? AND expires_at > ?
		 ORDER BY acquired_at`,
		agentID, now.UnixMilli(),
	)
	if err != nil {
		return nil, coorderr.Internal(err, "list locks")
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		var acquiredMs, expiresMs int64
		if err := rows.Scan(&l.ProjectKey, &l.FilePath, &l.AgentID, &l.Type, &l.Reason, &acquiredMs, &expiresMs); err != nil {
			return nil, coorderr.Internal(err, "scan lock")
		}
		l.AcquiredAt = time.UnixMilli(acquiredMs)
		l.ExpiresAt = time.UnixMilli(expiresMs)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// ReleaseAll drops every lock held by an agent. Used by unregistration
// and the liveness reaper.
func (m *Manager) ReleaseAll(ctx context.Context, agentID string) (int, error) {
	res, err := m.ds.DB().ExecContext(ctx,
		`DELETE FROM file_locks WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, coorderr.Internal(err, "release all locks")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Info().Str("agent", agentID).Int64("released", n).Msg("released all locks for agent")
	}
	return int(n), nil
}

// ContendedPaths returns project paths with live locks held by more than
// one distinct agent. Write locks are exclusive, so this can only be
// multiple readers sharing a path — still worth surfacing to writers.
func (m *Manager) ContendedPaths(ctx context.Context, projectKey string) ([]string, error) {
	rows, err := m.ds.DB().QueryContext(ctx,
		`SELECT file_path
		 FROM file_locks
		 WHERE project_key = ? AND expires_at > ?
		 GROUP BY file_path
		 HAVING COUNT(DISTINCT agent_id) > 1
		 ORDER BY file_path`,
		projectKey, m.now().UnixMilli(),
	)
	if err != nil {
		return nil, coorderr.Internal(err, "query contended paths")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, coorderr.Internal(err, "scan contended path")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Sweep deletes expired lock rows. Correctness never depends on it
// (reads ignore expired rows); it only bounds table growth. Re-entrant:
// the delete is a pure conditional, so overlapping sweeps are harmless.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	res, err := m.ds.DB().ExecContext(ctx,
		`DELETE FROM file_locks WHERE expires_at <= ?`, m.now().UnixMilli())
	if err != nil {
		return 0, coorderr.Internal(err, "sweep expired locks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanHolders(rows *sql.Rows, now time.Time) ([]Holder, error) {
	defer rows.Close()

	var holders []Holder
	for rows.Next() {
		var h Holder
		var expiresMs int64
		if err := rows.Scan(&h.AgentID, &h.Type, &h.Reason, &expiresMs); err != nil {
			return nil, err
		}
		remaining := time.UnixMilli(expiresMs).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		h.RemainingSeconds = int64(remaining.Round(time.Second).Seconds())
		holders = append(holders, h)
	}
	return holders, rows.Err()
}
