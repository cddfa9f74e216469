// Package db provides the local embedded event store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "cortex_events.db"

// DB wraps the sql.DB with event-store configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens the event database inside dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode so dashboard reads never block appends
// - synchronous=FULL so a committed append survives power loss
// - a single connection, which serializes writers inside the store
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at an explicit path (":memory:" is accepted).
func OpenPath(dbPath string) (*DB, error) {
	// modernc.org/sqlite is pure Go, so the device image needs no CGO toolchain
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	out := &DB{DB: db, path: dbPath}
	if err := NewMigrator(db, Migrations).Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return out, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
