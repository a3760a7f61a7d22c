// Package storage provides the sqlite database backing managed sessions.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the agentwatch sqlite database.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.RWMutex
}

// NewStore creates a Store for the database file at path. Use ":memory:" for a
// throwaway database.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Initialize opens the database and creates the schema if needed.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS managed_sessions (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			agent TEXT NOT NULL,
			cwd TEXT,
			pid INTEGER,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			exit_code INTEGER,
			last_seen_at TEXT NOT NULL,
			stale INTEGER DEFAULT 0,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create managed_sessions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_managed_sessions_status ON managed_sessions(status)",
		"CREATE INDEX IF NOT EXISTS idx_managed_sessions_ended_at ON managed_sessions(ended_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
		s.db = nil
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}
