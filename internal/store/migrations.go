package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE forms (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					form_id TEXT NOT NULL,
					version TEXT NOT NULL DEFAULT '',
					md5_hash TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL DEFAULT '',
					form_file_path TEXT NOT NULL UNIQUE,
					form_media_path TEXT NOT NULL DEFAULT '',
					jr_cache_file_path TEXT NOT NULL DEFAULT '',
					submission_uri TEXT NOT NULL DEFAULT '',
					base64_rsa_public_key TEXT NOT NULL DEFAULT '',
					auto_send TEXT NOT NULL DEFAULT '',
					auto_delete TEXT NOT NULL DEFAULT '',
					date_added DATETIME NOT NULL,
					deleted_date DATETIME,
					last_detected_attachments_update_date DATETIME,
					last_detected_form_version_hash TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX idx_forms_form_id ON forms(form_id, version);

				CREATE TABLE instances (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					form_id TEXT NOT NULL,
					form_version TEXT NOT NULL DEFAULT '',
					display_name TEXT NOT NULL DEFAULT '',
					instance_file_path TEXT NOT NULL UNIQUE,
					submission_uri TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					last_status_change_date DATETIME NOT NULL,
					deleted_date DATETIME
				);

				CREATE INDEX idx_instances_status ON instances(status);

				CREATE TABLE sync_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					project TEXT NOT NULL,
					kind TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					succeeded INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE TABLE meta (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
