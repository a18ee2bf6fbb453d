package store

import "context"

// Schema statements are portable across SQLite and Postgres: TEXT,
// TIMESTAMP, INTEGER, and BOOLEAN are accepted by both, and upserts use
// the shared ON CONFLICT syntax.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id                TEXT PRIMARY KEY,
		persona_id        TEXT NOT NULL,
		working_directory TEXT NOT NULL DEFAULT '',
		process_id        INTEGER,
		model             TEXT NOT NULL DEFAULT '',
		worktree_name     TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		registered_at     TIMESTAMP NOT NULL,
		started_at        TIMESTAMP,
		last_heartbeat    TIMESTAMP NOT NULL,
		stopped_at        TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_persona ON agents(persona_id)`,

	`CREATE TABLE IF NOT EXISTS work_items (
		id                TEXT PRIMARY KEY,
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		persona_id        TEXT NOT NULL DEFAULT '',
		persona_text      TEXT NOT NULL,
		description       TEXT NOT NULL,
		priority          INTEGER NOT NULL,
		status            TEXT NOT NULL,
		result            TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL,
		started_at        TIMESTAMP,
		completed_at      TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_agent ON work_items(assigned_agent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(status, priority, created_at)`,

	`CREATE TABLE IF NOT EXISTS memory_entries (
		namespace       TEXT NOT NULL,
		key             TEXT NOT NULL,
		value           TEXT NOT NULL,
		type            TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '',
		is_compressed   BOOLEAN NOT NULL DEFAULT FALSE,
		size            INTEGER NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		last_updated_at TIMESTAMP NOT NULL,
		accessed_at     TIMESTAMP,
		access_count    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (namespace, key)
	)`,

	`CREATE TABLE IF NOT EXISTS event_log (
		id          TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		timestamp   TIMESTAMP NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		entity_id   TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		severity    TEXT NOT NULL,
		tags        TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_entity ON event_log(entity_type, entity_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Writer().ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
