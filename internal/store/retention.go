package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how long closed-out rows are kept. Memories are
// append-only; retention is the only mutation they ever see.
type RetentionPolicy struct {
	MemoryAge  time.Duration
	SessionAge time.Duration
}

// RunRetention deletes rows older than the policy allows. Safe to call
// from a periodic sweep; every statement is an unconditional age check.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy) error {
	now := time.Now().UnixMilli()

	if policy.MemoryAge > 0 {
		cutoff := now - policy.MemoryAge.Milliseconds()
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM memories WHERE created_at < ?", cutoff,
		); err != nil {
			return fmt.Errorf("failed to delete old memories: %w", err)
		}
	}

	if policy.SessionAge > 0 {
		cutoff := now - policy.SessionAge.Milliseconds()
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?", cutoff,
		); err != nil {
			return fmt.Errorf("failed to delete old sessions: %w", err)
		}
	}

	// Locks past expiry are invisible to readers already; this keeps
	// storage bounded.
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM file_locks WHERE expires_at <= ?", now,
	); err != nil {
		return fmt.Errorf("failed to delete expired locks: %w", err)
	}

	return nil
}

// MergeProjects records that fromKey refers to the same logical repository
// as intoKey and moves its agents, memories, and sessions across. Operator
// action only — never triggered automatically.
func (s *Store) MergeProjects(ctx context.Context, fromKey, intoKey string) error {
	if fromKey == intoKey {
		return fmt.Errorf("cannot merge project into itself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM projects WHERE project_key = ?", intoKey,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check target project: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("target project %s not found", intoKey)
	}

	for _, stmt := range []string{
		"UPDATE agents SET project_key = ? WHERE project_key = ?",
		"UPDATE memories SET project_key = ? WHERE project_key = ?",
		"UPDATE sessions SET project_key = ? WHERE project_key = ?",
		"UPDATE file_locks SET project_key = ? WHERE project_key = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, intoKey, fromKey); err != nil {
			return fmt.Errorf("merge rows: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE projects SET merged_into = ? WHERE project_key = ?", intoKey, fromKey,
	); err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}

	return tx.Commit()
}
