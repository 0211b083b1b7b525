package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	Up          func(db *sql.DB) error
}

// migrations contains all database migrations in order.
// Add new migrations to the end of this slice.
var migrations = []Migration{
	// Version 1 is the initial schema, created by InitSchema()

	// Version 2: durable workflow state
	{
		Version:     2,
		Description: "Add workflow_runs, workflow_steps and workflow_events tables",
		Up: func(db *sql.DB) error {
			_, err := db.Exec(`
				CREATE TABLE IF NOT EXISTS workflow_runs (
					id              TEXT PRIMARY KEY,
					workflow_type   TEXT NOT NULL,
					version         INTEGER NOT NULL DEFAULT 1,
					description     TEXT,
					current_state   TEXT NOT NULL DEFAULT 'pending',
					current_step    INTEGER NOT NULL DEFAULT 0,
					input           TEXT,
					working_map     TEXT NOT NULL DEFAULT '{}',
					output          TEXT,
					status_code     INTEGER,
					error           TEXT,
					debug           TEXT,
					locked_by       TEXT,
					locked_until    DATETIME,
					created_at      DATETIME NOT NULL,
					updated_at      DATETIME NOT NULL,
					completed_at    DATETIME
				);

				CREATE INDEX IF NOT EXISTS idx_workflow_runs_state ON workflow_runs(current_state, locked_until);
				CREATE INDEX IF NOT EXISTS idx_workflow_runs_type ON workflow_runs(workflow_type, created_at);

				CREATE TABLE IF NOT EXISTS workflow_steps (
					id              TEXT PRIMARY KEY,
					workflow_id     TEXT NOT NULL,
					step_index      INTEGER NOT NULL,
					step_name       TEXT NOT NULL,
					status          TEXT NOT NULL DEFAULT 'pending',
					error           TEXT,
					started_at      DATETIME,
					completed_at    DATETIME,
					UNIQUE (workflow_id, step_index),
					FOREIGN KEY (workflow_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
				);

				CREATE TABLE IF NOT EXISTS workflow_events (
					id              INTEGER PRIMARY KEY AUTOINCREMENT,
					workflow_id     TEXT NOT NULL,
					step_index      INTEGER,
					event_type      TEXT NOT NULL,
					old_state       TEXT,
					new_state       TEXT,
					detail          TEXT,
					node_id         TEXT,
					created_at      DATETIME DEFAULT (datetime('now')),
					FOREIGN KEY (workflow_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
				);

				CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events(workflow_id);
			`)
			if err != nil {
				return fmt.Errorf("failed to create workflow tables: %w", err)
			}
			log.Info().Msg("Migration 2: Created workflow tables")
			return nil
		},
	},

	// Version 3: cloud-name uniqueness checks filter on type and attributes
	{
		Version:     3,
		Description: "Add resource type index for cloud-name uniqueness checks",
		Up: func(db *sql.DB) error {
			_, err := db.Exec(`
				CREATE INDEX IF NOT EXISTS idx_resource_type ON resource(resource_type, stewardship_type)
			`)
			if err != nil {
				return fmt.Errorf("failed to create resource type index: %w", err)
			}
			log.Info().Msg("Migration 3: Created resource type index")
			return nil
		},
	},
}

// isDuplicateColumnError checks if an error is a "duplicate column" error
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Migrate runs all pending database migrations.
// It's safe to call this multiple times - it only runs migrations
// that haven't been applied yet.
func Migrate(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	log.Info().Int("current_version", currentVersion).Int("target_version", LatestVersion()).Msg("Checking migrations")

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		log.Info().Int("version", m.Version).Str("description", m.Description).Msg("Running migration")

		if err := m.Up(db); err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}

		if err := SetSchemaVersion(db, m.Version); err != nil {
			return fmt.Errorf("failed to update schema version after migration %d: %w", m.Version, err)
		}

		if _, err := db.Exec(`INSERT OR IGNORE INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.Version, m.Description); err != nil {
			log.Warn().Err(err).Int("version", m.Version).Msg("Failed to record migration")
		}

		log.Info().Int("version", m.Version).Msg("Migration completed")
	}

	return nil
}

// LatestVersion returns the schema version after every migration has run.
func LatestVersion() int {
	if len(migrations) == 0 {
		return CurrentSchemaVersion
	}
	return migrations[len(migrations)-1].Version
}

// MigrateAndSeed runs migrations and ensures seed data exists.
// This is the main entry point for database initialization on startup.
func MigrateAndSeed(db *sql.DB) error {
	if err := InitSchema(db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := Migrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// DropAllTables drops all tables in the database.
// WARNING: This is destructive and should only be used for testing/reset.
func DropAllTables(db *sql.DB) error {
	tables := []string{
		"workflow_events",
		"workflow_steps",
		"workflow_runs",
		"resource",
		"cloud_context",
		"workspace",
		"schema_migrations",
		"system_state",
	}

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	log.Warn().Msg("All tables dropped")
	return nil
}

// ResetDatabase drops all tables and reinitializes the schema.
// WARNING: This is destructive.
func ResetDatabase(db *sql.DB) error {
	if err := DropAllTables(db); err != nil {
		return err
	}

	if err := MigrateAndSeed(db); err != nil {
		return err
	}

	log.Info().Msg("Database reset complete")
	return nil
}

// CheckIntegrity runs SQLite integrity check on the database.
func CheckIntegrity(db *sql.DB) error {
	var result string
	err := db.QueryRow("PRAGMA integrity_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}

	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}

	return nil
}

// TableExists checks if a table exists in the database.
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetTableCount returns the number of rows in a table.
// tableName is validated against sqlite_master to prevent SQL injection.
func GetTableCount(db *sql.DB, tableName string) (int, error) {
	exists, err := TableExists(db, tableName)
	if err != nil {
		return 0, fmt.Errorf("failed to validate table %q: %w", tableName, err)
	}
	if !exists {
		return 0, fmt.Errorf("table %q does not exist", tableName)
	}

	var count int
	err = db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %q", tableName)).Scan(&count)
	return count, err
}
