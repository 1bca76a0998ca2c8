package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	// Create migrations table if it doesn't exist
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

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE sync_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					target TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					dry_run BOOLEAN DEFAULT 0,
					files_copied INTEGER DEFAULT 0,
					files_compressed INTEGER DEFAULT 0,
					files_current INTEGER DEFAULT 0,
					files_pruned INTEGER DEFAULT 0,
					files_failed INTEGER DEFAULT 0,
					conflicts INTEGER DEFAULT 0,
					missing_folders INTEGER DEFAULT 0,
					bytes_read INTEGER DEFAULT 0,
					bytes_written INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);

				CREATE INDEX idx_sync_runs_target ON sync_runs(target, start_time);

				CREATE TABLE conflicts (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					sync_run_id INTEGER NOT NULL,
					target TEXT NOT NULL,
					rule TEXT NOT NULL,
					identity TEXT NOT NULL,
					server_a TEXT NOT NULL,
					path_a TEXT NOT NULL,
					digest_a TEXT NOT NULL,
					server_b TEXT NOT NULL,
					path_b TEXT NOT NULL,
					digest_b TEXT NOT NULL,
					detected_at DATETIME NOT NULL,
					FOREIGN KEY(sync_run_id) REFERENCES sync_runs(id)
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE failed_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					sync_run_id INTEGER,
					target TEXT NOT NULL,
					path TEXT NOT NULL,
					error TEXT,
					retry_count INTEGER DEFAULT 0,
					first_failure DATETIME NOT NULL,
					last_failure DATETIME NOT NULL,
					resolved BOOLEAN DEFAULT 0
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
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
