package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"querysmith/internal/logging"
	"querysmith/internal/types"
)

// =============================================================================
// SESSION ARCHIVE
// =============================================================================
// Terminal sessions are archived with their full attempt trace. The archive
// backs the persistence operations: SavePattern verifies against it that the
// named session actually ended in success.

// ArchiveSession stores a terminal session. Non-terminal sessions are
// rejected; the engine owns live sessions.
func (s *Store) ArchiveSession(session *types.QuerySession) error {
	timer := logging.StartTimer(logging.CategoryStore, "ArchiveSession")
	defer timer.Stop()

	if !session.Status.Terminal() {
		return fmt.Errorf("refusing to archive non-terminal session %s (status=%s)", session.ID, session.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	trace, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session trace: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, question, status, trace_json) VALUES (?, ?, ?, ?)`,
		session.ID, session.Question, string(session.Status), string(trace),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to archive session %s: %v", session.ID, err)
		return fmt.Errorf("failed to archive session: %w", err)
	}

	logging.StoreDebug("Session archived: id=%s status=%s attempts=%d",
		session.ID, session.Status, len(session.Attempts))
	return nil
}

// GetSession retrieves an archived session by id. Returns nil without error
// when the session is unknown.
func (s *Store) GetSession(id string) (*types.QuerySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var traceJSON string
	err := s.db.QueryRow(`SELECT trace_json FROM sessions WHERE id = ?`, id).Scan(&traceJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var session types.QuerySession
	if err := json.Unmarshal([]byte(traceJSON), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session trace: %w", err)
	}
	return &session, nil
}

// SessionStatus returns the archived status for a session id, or empty when
// the session is unknown.
func (s *Store) SessionStatus(id string) (types.SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status string
	err := s.db.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return types.SessionStatus(status), nil
}
