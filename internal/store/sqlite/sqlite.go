// Package sqlite implements the store interfaces on an embedded SQLite
// database. It serves single-host deployments where running PostgreSQL is
// not worth the trouble.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed implementations of all repositories.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database file and verifies it. Pass ":memory:"
// for an ephemeral database.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids database-locked
	// errors under concurrent plane loops.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping verifies backend liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}
