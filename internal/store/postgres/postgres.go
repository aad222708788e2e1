// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/runtarahq/runtara/internal/store"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db *sql.DB
}

// New opens a connection pool to the given database and verifies it.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies backend liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// getExecutor returns the transaction if one is active, the pool otherwise.
func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
