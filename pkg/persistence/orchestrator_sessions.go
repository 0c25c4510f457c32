package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConversationNotFound is returned when no orchestrator session is stored.
var ErrConversationNotFound = errors.New("orchestrator session not found")

// OrchestratorSession is the persisted conversation state of one chat session.
// State is opaque to this package.
type OrchestratorSession struct {
	SessionID string          `json:"session_id"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrchestratorSessionStore persists orchestrator conversations.
type OrchestratorSessionStore struct {
	db *sql.DB
}

// NewOrchestratorSessionStore creates a store on an initialized database.
func NewOrchestratorSessionStore(db *sql.DB) *OrchestratorSessionStore {
	return &OrchestratorSessionStore{db: db}
}

// Save upserts the session, keeping its original creation time.
func (s *OrchestratorSessionStore) Save(ctx context.Context, sess *OrchestratorSession) error {
	state := sess.State
	if len(state) == 0 {
		state = json.RawMessage("{}")
	}
	now := time.Now()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_sessions (session_id, project_id, user_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project_id = excluded.project_id,
			user_id = excluded.user_id,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		sess.SessionID, sess.ProjectID, sess.UserID, string(state), formatTime(created), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to save orchestrator session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Load returns the stored session.
func (s *OrchestratorSessionStore) Load(ctx context.Context, sessionID string) (*OrchestratorSession, error) {
	return scanOrchestratorSession(s.db.QueryRowContext(ctx, `
		SELECT session_id, project_id, user_id, state, created_at, updated_at
		FROM orchestrator_sessions WHERE session_id = ?`, sessionID))
}

// LatestForUser returns the user's most recently updated conversation in the project.
func (s *OrchestratorSessionStore) LatestForUser(ctx context.Context, userID, projectID string) (*OrchestratorSession, error) {
	return scanOrchestratorSession(s.db.QueryRowContext(ctx, `
		SELECT session_id, project_id, user_id, state, created_at, updated_at
		FROM orchestrator_sessions WHERE user_id = ? AND project_id = ?
		ORDER BY updated_at DESC, rowid DESC LIMIT 1`, userID, projectID))
}

// Delete removes a stored session. Deleting a missing session is not an error.
func (s *OrchestratorSessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM orchestrator_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete orchestrator session %s: %w", sessionID, err)
	}
	return nil
}

func scanOrchestratorSession(row rowScanner) (*OrchestratorSession, error) {
	var (
		sess                    OrchestratorSession
		state, created, updated string
	)
	err := row.Scan(&sess.SessionID, &sess.ProjectID, &sess.UserID, &state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan orchestrator session: %w", err)
	}
	sess.State = json.RawMessage(state)
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &sess, nil
}
