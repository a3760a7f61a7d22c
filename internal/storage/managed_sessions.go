package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// ManagedSessionStore persists managed sessions.
type ManagedSessionStore struct {
	store *Store
}

// NewManagedSessionStore creates a new ManagedSessionStore.
func NewManagedSessionStore(store *Store) *ManagedSessionStore {
	return &ManagedSessionStore{store: store}
}

// SaveSession inserts or replaces a session record.
func (ms *ManagedSessionStore) SaveSession(s *types.ManagedSession) error {
	ms.store.mu.Lock()
	defer ms.store.mu.Unlock()

	var pid, exitCode sql.NullInt64
	if s.PID != nil {
		pid = sql.NullInt64{Int64: int64(*s.PID), Valid: true}
	}
	if s.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*s.ExitCode), Valid: true}
	}
	var endedAt sql.NullString
	if s.EndedAt != nil {
		endedAt = sql.NullString{String: s.EndedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	stale := 0
	if s.Stale {
		stale = 1
	}

	_, err := ms.store.db.Exec(`
		INSERT OR REPLACE INTO managed_sessions (
			id, prompt, agent, cwd, pid, status, started_at, ended_at,
			exit_code, last_seen_at, stale, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.Prompt, s.Agent, s.CWD, pid, string(s.Status),
		s.StartedAt.UTC().Format(time.RFC3339Nano), endedAt, exitCode,
		s.LastSeenAt.UTC().Format(time.RFC3339Nano), stale, s.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save managed session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSessions returns every stored session, oldest first.
func (ms *ManagedSessionStore) LoadSessions() ([]*types.ManagedSession, error) {
	ms.store.mu.RLock()
	defer ms.store.mu.RUnlock()

	rows, err := ms.store.db.Query(`
		SELECT id, prompt, agent, cwd, pid, status, started_at, ended_at,
			exit_code, last_seen_at, stale, error_message
		FROM managed_sessions
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query managed sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.ManagedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSessions removes the sessions with the given ids.
func (ms *ManagedSessionStore) DeleteSessions(ids []string) error {
	ms.store.mu.Lock()
	defer ms.store.mu.Unlock()

	tx, err := ms.store.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM managed_sessions WHERE id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete managed session %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func scanSession(rows *sql.Rows) (*types.ManagedSession, error) {
	var (
		s                   types.ManagedSession
		cwd, errMsg         sql.NullString
		pid, exitCode       sql.NullInt64
		status              string
		startedAt, lastSeen string
		endedAt             sql.NullString
		stale               int
	)

	if err := rows.Scan(&s.ID, &s.Prompt, &s.Agent, &cwd, &pid, &status, &startedAt,
		&endedAt, &exitCode, &lastSeen, &stale, &errMsg); err != nil {
		return nil, fmt.Errorf("failed to scan managed session: %w", err)
	}

	s.CWD = cwd.String
	s.Error = errMsg.String
	s.Status = types.ManagedStatus(status)
	s.Stale = stale != 0
	if pid.Valid {
		v := int(pid.Int64)
		s.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		s.ExitCode = &v
	}
	s.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	s.LastSeenAt, _ = time.Parse(time.RFC3339Nano, lastSeen)
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endedAt.String); err == nil {
			s.EndedAt = &t
		}
	}
	return &s, nil
}
