package store

import (
	"context"
	"fmt"
)

// migrations are applied in order. The number applied is the schema version,
// kept in PRAGMA user_version.
var migrations = []string{
	// 1: upload sessions, their chunks and the audit log
	`
	CREATE TABLE IF NOT EXISTS uploads (
		id           TEXT PRIMARY KEY,
		project      TEXT NOT NULL,
		task         TEXT NOT NULL,
		file_name    TEXT NOT NULL,
		file_size    INTEGER NOT NULL DEFAULT 0,
		total_chunks INTEGER NOT NULL,
		tag          TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'receiving',
		final_name   TEXT,
		file_id      INTEGER,
		error        TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status, updated_at);

	CREATE TABLE IF NOT EXISTS upload_chunks (
		upload_id   TEXT NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
		chunk_index INTEGER NOT NULL,
		chunk_file  TEXT NOT NULL,
		size        INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (upload_id, chunk_index)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		method      TEXT NOT NULL,
		path        TEXT NOT NULL,
		status      INTEGER NOT NULL,
		remote_ip   TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`,
	// 2: background jobs
	`
	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		payload      TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'queued',
		attempts     INTEGER NOT NULL DEFAULT 0,
		error        TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	`,
}

// migrate applies every migration newer than the stored version, each in
// its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("ledger schema v%d is newer than this build (v%d)", version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		s.logger.Info().Int("version", v+1).Msg("ledger schema migrated")
	}
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
