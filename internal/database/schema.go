// Package database provides SQLite database initialization and management.
package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CurrentSchemaVersion is the version the base Schema creates. Later changes
// are migrations.
const CurrentSchemaVersion = 1

// Schema defines the workspace manager metadata tables.
// Design Principles:
// 1. Cloud is Truth - the rows describe what was provisioned, never what is running
// 2. Natural Keys - workspace and resource IDs are UUIDs minted by callers or workflows
// 3. Uniqueness in the Store - duplicate names fail on insert, writers never queue
// 4. Referential Integrity - foreign keys enforced, cascading deletes
const Schema = `
-- =============================================================================
-- SYSTEM_STATE: Key-value state, including the schema version
-- =============================================================================
CREATE TABLE IF NOT EXISTS system_state (
    key             TEXT PRIMARY KEY,
    value           TEXT,
    updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version         INTEGER PRIMARY KEY,
    description     TEXT NOT NULL DEFAULT '',
    applied_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- WORKSPACE: One row per workspace
-- =============================================================================
CREATE TABLE IF NOT EXISTS workspace (
    workspace_id    TEXT PRIMARY KEY,
    display_name    TEXT,
    description     TEXT,
    spend_profile   TEXT,
    properties      TEXT NOT NULL DEFAULT '{}',     -- JSON object
    workspace_stage TEXT NOT NULL,                  -- 'RAWLS_WORKSPACE' | 'MC_WORKSPACE'
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- CLOUD_CONTEXT: At most one per workspace and platform
-- =============================================================================
CREATE TABLE IF NOT EXISTS cloud_context (
    workspace_id    TEXT NOT NULL,
    cloud_platform  TEXT NOT NULL,                  -- 'GCP' | 'AZURE'
    context         TEXT NOT NULL,                  -- versioned JSON
    creating_flight TEXT,                           -- workflow that inserted the row
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (workspace_id, cloud_platform),
    FOREIGN KEY (workspace_id) REFERENCES workspace(workspace_id) ON DELETE CASCADE
);

-- =============================================================================
-- RESOURCE: Controlled and referenced resources
-- =============================================================================
CREATE TABLE IF NOT EXISTS resource (
    workspace_id         TEXT NOT NULL,
    resource_id          TEXT NOT NULL,
    name                 TEXT NOT NULL,
    description          TEXT,
    stewardship_type     TEXT NOT NULL,             -- 'CONTROLLED' | 'REFERENCED'
    resource_type        TEXT NOT NULL,
    cloning_instructions TEXT NOT NULL,
    attributes           TEXT NOT NULL,             -- JSON, shape depends on resource_type
    access_scope         TEXT,
    managed_by           TEXT,
    assigned_user        TEXT,
    private_user_roles   TEXT,                      -- JSON array
    created_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (workspace_id, resource_id),
    UNIQUE (workspace_id, name),
    FOREIGN KEY (workspace_id) REFERENCES workspace(workspace_id) ON DELETE CASCADE
);
`

// SeedData contains initial data for the database.
const SeedData = `
INSERT OR IGNORE INTO system_state (key, value) VALUES
    ('schema_version', '1');
`

// InitSchema initializes the database schema.
// This is idempotent - safe to call multiple times.
func InitSchema(db *sql.DB) error {
	log.Info().Msg("Initializing database schema...")

	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.Exec(SeedData); err != nil {
		return fmt.Errorf("failed to seed data: %w", err)
	}

	log.Info().Msg("Database schema initialized successfully")
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT CAST(value AS INTEGER) FROM system_state WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// SetSchemaVersion updates the schema version in the database.
func SetSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec("INSERT OR REPLACE INTO system_state (key, value, updated_at) VALUES ('schema_version', ?, CURRENT_TIMESTAMP)", version)
	return err
}

// GetSystemState retrieves a system state value by key.
func GetSystemState(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// SetSystemState sets a system state value.
func SetSystemState(db *sql.DB, key, value string) error {
	_, err := db.Exec("INSERT OR REPLACE INTO system_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)", key, value)
	return err
}
