// Package session tracks one working session per agent. A session opens
// at registration and closes when the agent unregisters or is reaped,
// giving memories a scope to hang off and the agent a view of its own
// live state.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackswan-labs/coordd/internal/coorderr"
	"github.com/blackswan-labs/coordd/internal/store"
)

// Session is one agent working period.
type Session struct {
	SessionID  string     `json:"sessionId"`
	AgentID    string     `json:"agentId"`
	ProjectKey string     `json:"projectId"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
}

// HeldLock is a live lock as seen from the session view.
type HeldLock struct {
	FilePath         string `json:"filePath"`
	LockType         string `json:"lockType"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

// View is the agent-facing snapshot of its current session.
type View struct {
	Session             Session    `json:"session"`
	LocksHeld           []HeldLock `json:"locksHeld"`
	MemoriesThisSession int        `json:"memoriesThisSession"`
	Recommendations     []string   `json:"recommendations"`
}

// Manager owns session rows.
type Manager struct {
	ds     *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewManager(ds *store.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		ds:     ds,
		logger: logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open starts a session for an agent, closing any session the agent
// left dangling. One open session per agent at a time.
func (m *Manager) Open(ctx context.Context, agentID, projectKey string) (string, error) {
	now := m.now().UnixMilli()
	if _, err := m.ds.DB().ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE agent_id = ? AND ended_at IS NULL`,
		now, agentID); err != nil {
		return "", coorderr.Internal(err, "close prior sessions")
	}

	id := "sess-" + uuid.NewString()
	if _, err := m.ds.DB().ExecContext(ctx,
		`INSERT INTO sessions (session_id, agent_id, project_key, started_at) VALUES (?, ?, ?, ?)`,
		id, agentID, projectKey, now); err != nil {
		return "", coorderr.Internal(err, "open session")
	}

	m.logger.Debug().Str("session", id).Str("agent", agentID).Msg("session opened")
	return id, nil
}

// CloseFor ends every open session for an agent. Idempotent.
func (m *Manager) CloseFor(ctx context.Context, agentID string) error {
	res, err := m.ds.DB().ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE agent_id = ? AND ended_at IS NULL`,
		m.now().UnixMilli(), agentID)
	if err != nil {
		return coorderr.Internal(err, "close session")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		m.logger.Debug().Str("agent", agentID).Int64("closed", n).Msg("sessions closed")
	}
	return nil
}

// CurrentFor returns the agent's open session, or not_found if the
// agent has none.
func (m *Manager) CurrentFor(ctx context.Context, agentID string) (*Session, error) {
	row := m.ds.DB().QueryRowContext(ctx,
		`SELECT session_id, agent_id, project_key, started_at, ended_at
		 FROM sessions WHERE agent_id = ? AND ended_at IS NULL
		 ORDER BY started_at DESC LIMIT 1`, agentID)

	var (
		s       Session
		started int64
		ended   sql.NullInt64
	)
	err := row.Scan(&s.SessionID, &s.AgentID, &s.ProjectKey, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coorderr.NotFound("agent %s has no open session", agentID)
	}
	if err != nil {
		return nil, coorderr.Internal(err, "query session")
	}
	s.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}

// ViewFor builds the full session snapshot: the open session, the locks
// the agent holds right now, and how many memories it has recorded this
// session.
func (m *Manager) ViewFor(ctx context.Context, agentID string) (*View, error) {
	sess, err := m.CurrentFor(ctx, agentID)
	if err != nil {
		return nil, err
	}

	nowMs := m.now().UnixMilli()
	rows, err := m.ds.DB().QueryContext(ctx,
		`SELECT file_path, lock_type, expires_at FROM file_locks
		 WHERE agent_id = ? AND expires_at > ? ORDER BY file_path`, agentID, nowMs)
	if err != nil {
		return nil, coorderr.Internal(err, "query held locks")
	}
	defer rows.Close()

	locks := []HeldLock{}
	for rows.Next() {
		var (
			l       HeldLock
			expires int64
		)
		if err := rows.Scan(&l.FilePath, &l.LockType, &expires); err != nil {
			return nil, coorderr.Internal(err, "scan held lock")
		}
		l.RemainingSeconds = (expires - nowMs) / 1000
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, coorderr.Internal(err, "query held locks")
	}

	var memories int
	if err := m.ds.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE session_id = ?`, sess.SessionID).Scan(&memories); err != nil {
		return nil, coorderr.Internal(err, "count session memories")
	}

	view := &View{
		Session:             *sess,
		LocksHeld:           locks,
		MemoriesThisSession: memories,
		Recommendations:     []string{},
	}
	for _, l := range locks {
		if l.RemainingSeconds < 60 {
			view.Recommendations = append(view.Recommendations,
				fmt.Sprintf("lock on %s expires in %ds; extend it or release it", l.FilePath, l.RemainingSeconds))
		}
	}
	if memories == 0 && m.now().Sub(sess.StartedAt) > 30*time.Minute {
		view.Recommendations = append(view.Recommendations,
			"no memories recorded this session; store findings so other agents can pick them up")
	}
	return view, nil
}
