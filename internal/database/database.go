package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Open opens or creates the metadata database at the given path.
func Open(dbPath string) (*sql.DB, error) {
	return OpenWithTimeout(dbPath, DefaultBusyTimeout)
}

// OpenWithTimeout is Open with an explicit busy timeout.
func OpenWithTimeout(dbPath string, busyTimeout time.Duration) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets readers (job polling) proceed while a workflow step writes
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		dbPath, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("path", dbPath).Dur("busy_timeout", busyTimeout).Msg("Database connection established")
	return db, nil
}

// Health pings the database within ctx.
func Health(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database not open")
	}
	return db.PingContext(ctx)
}

// Close closes the database connection.
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
