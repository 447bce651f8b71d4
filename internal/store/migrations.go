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

	// Get the current schema version
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	// Define all migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE transfer_runs (
					id TEXT PRIMARY KEY,
					remote_path TEXT NOT NULL,
					local_path TEXT NOT NULL,
					status TEXT DEFAULT 'running',
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					remote_file_count INTEGER DEFAULT 0,
					remote_total_bytes INTEGER DEFAULT 0,
					local_file_count INTEGER DEFAULT 0,
					local_total_bytes INTEGER DEFAULT 0,
					transferred_bytes INTEGER DEFAULT 0,
					percent INTEGER DEFAULT 0,
					throughput REAL DEFAULT 0,
					elapsed TEXT DEFAULT '',
					error_message TEXT DEFAULT ''
				);

				CREATE INDEX idx_transfer_runs_start ON transfer_runs(start_time);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE run_files (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL,
					path TEXT NOT NULL,
					size INTEGER DEFAULT 0,
					FOREIGN KEY(run_id) REFERENCES transfer_runs(id) ON DELETE CASCADE
				);

				CREATE INDEX idx_run_files_run ON run_files(run_id);
			`,
		},
	}

	// Run pending migrations
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

	// Execute the migration SQL
	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	// Record the migration
	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
