package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // embedded single-file SQL driver (spec §6)
)

// OpenDB opens (and creates if missing) the single-file SQLite database that
// backs the Trace Store and Pulse Store, in WAL mode with a 5s busy timeout.
// The pool is capped at one connection, so every statement, reads included,
// runs on that connection in turn; reads do not run concurrently with each
// other or with a write.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite has a single writer; one connection serializes reads and
	// writes alike.
	db.SetMaxOpenConns(1)

	return db, nil
}
