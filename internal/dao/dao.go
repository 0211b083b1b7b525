// Package dao stores workspace metadata in SQLite: workspaces, their cloud
// contexts and their resources. Uniqueness is enforced here, so a writer that
// loses a race sees a ConflictError rather than a second row.
package dao

import (
	"database/sql"
	"encoding/json"
	"strings"
)

// Stores bundles the metadata stores over one database.
type Stores struct {
	Workspaces    *WorkspaceDao
	CloudContexts *CloudContextDao
	Resources     *ResourceDao
}

// New returns every metadata store backed by db. The database must have the
// tables from database.MigrateAndSeed.
func New(db *sql.DB) *Stores {
	return &Stores{
		Workspaces:    NewWorkspaceDao(db),
		CloudContexts: NewCloudContextDao(db),
		Resources:     NewResourceDao(db),
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func emptyToNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
