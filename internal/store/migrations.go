package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		project_key    TEXT PRIMARY KEY,
		root_path      TEXT NOT NULL DEFAULT '',
		remote_origin  TEXT,
		default_branch TEXT NOT NULL DEFAULT 'main',
		key_source     TEXT NOT NULL DEFAULT 'path',
		merged_into    TEXT,
		created_at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		agent_id       TEXT PRIMARY KEY,
		project_key    TEXT NOT NULL REFERENCES projects(project_key),
		agent_type     TEXT NOT NULL,
		capabilities   TEXT NOT NULL DEFAULT '{}',
		status         TEXT NOT NULL DEFAULT 'active',
		token_id       TEXT NOT NULL DEFAULT '',
		registered_at  INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_key, status);
	CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON agents(last_heartbeat) WHERE status != 'expired';

	CREATE TABLE IF NOT EXISTS file_locks (
		project_key TEXT NOT NULL,
		file_path   TEXT NOT NULL,
		agent_id    TEXT NOT NULL REFERENCES agents(agent_id),
		lock_type   TEXT NOT NULL CHECK (lock_type IN ('read', 'write')),
		reason      TEXT NOT NULL DEFAULT '',
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		PRIMARY KEY (project_key, file_path, agent_id)
	);

	CREATE INDEX IF NOT EXISTS idx_locks_expiry ON file_locks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_locks_agent ON file_locks(agent_id);

	CREATE TABLE IF NOT EXISTS memories (
		memory_id   TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		project_key TEXT NOT NULL REFERENCES projects(project_key),
		session_id  TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL,
		content     TEXT NOT NULL,
		context     TEXT NOT NULL DEFAULT '{}',
		importance  INTEGER NOT NULL DEFAULT 5,
		tags        TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_rank ON memories(project_key, importance DESC, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id  TEXT PRIMARY KEY,
		agent_id    TEXT NOT NULL,
		project_key TEXT NOT NULL REFERENCES projects(project_key),
		started_at  INTEGER NOT NULL,
		ended_at    INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}
