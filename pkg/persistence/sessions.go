package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Execution session status constants.
const (
	SessionStatusActive    = "active"
	SessionStatusPaused    = "paused"    // Resumable from its latest checkpoint
	SessionStatusCompleted = "completed" // Goal reached or iterations exhausted
	SessionStatusFailed    = "failed"
	SessionStatusCancelled = "cancelled" // Stopped by the user
)

// ExecutionSession is the durable record of one engine session.
type ExecutionSession struct {
	SessionID      string    `json:"session_id"`
	ProjectID      string    `json:"project_id"`
	UserID         string    `json:"user_id"`
	Goal           string    `json:"goal"`
	Channel        string    `json:"channel"`
	Autonomy       string    `json:"autonomy"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Resumable reports whether the session can be restored from a checkpoint.
func (s *ExecutionSession) Resumable() bool {
	return s.Status == SessionStatusActive || s.Status == SessionStatusPaused
}

// IsValidSessionStatus checks whether status is a known execution session status.
func IsValidSessionStatus(status string) bool {
	switch status {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// SessionStore persists execution session records.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a store on an initialized database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `session_id, project_id, user_id, goal, channel, autonomy, status,
	created_at, last_activity_at`

// Create inserts a new session record with status active unless one is set.
func (s *SessionStore) Create(ctx context.Context, sess *ExecutionSession) error {
	now := time.Now()
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.ProjectID, sess.UserID, sess.Goal, sess.Channel, sess.Autonomy,
		sess.Status, formatTime(sess.CreatedAt), formatTime(sess.LastActivityAt))
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sess.SessionID, err)
	}
	return nil
}

// UpdateStatus sets the status of a session and bumps its last activity.
func (s *SessionStore) UpdateStatus(ctx context.Context, sessionID, status string) error {
	if !IsValidSessionStatus(status) {
		return fmt.Errorf("invalid session status %q", status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_sessions SET status = ?, last_activity_at = ?
		WHERE session_id = ?`, status, formatTime(time.Now()), sessionID)
	return checkAffected(result, err, sessionID)
}

// Touch records activity on a session without changing its status.
func (s *SessionStore) Touch(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_sessions SET last_activity_at = ? WHERE session_id = ?`,
		formatTime(time.Now()), sessionID)
	return checkAffected(result, err, sessionID)
}

func checkAffected(result sql.Result, err error, sessionID string) error {
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*ExecutionSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM execution_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// ListByUser returns the user's sessions, most recently active first, optionally
// restricted to the given statuses.
func (s *SessionStore) ListByUser(ctx context.Context, userID string, statuses ...string) ([]*ExecutionSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM execution_sessions WHERE user_id = ?`
	args := []any{userID}
	query, args = withStatuses(query, args, statuses)
	query += ` ORDER BY last_activity_at DESC, rowid DESC`
	return s.list(ctx, query, args...)
}

// LatestForUser returns the most recently active session of the user in the project that
// has one of the given statuses.
func (s *SessionStore) LatestForUser(ctx context.Context, userID, projectID string, statuses ...string) (*ExecutionSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM execution_sessions WHERE user_id = ? AND project_id = ?`
	args := []any{userID, projectID}
	query, args = withStatuses(query, args, statuses)
	query += ` ORDER BY last_activity_at DESC, rowid DESC LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, query, args...))
}

// MarkInterrupted pauses every session still marked active. It is called at startup,
// when no engine from a previous process can still be running.
func (s *SessionStore) MarkInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_sessions SET status = ? WHERE status = ?`,
		SessionStatusPaused, SessionStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *SessionStore) list(ctx context.Context, query string, args ...any) ([]*ExecutionSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

func withStatuses(query string, args []any, statuses []string) (string, []any) {
	if len(statuses) == 0 {
		return query, args
	}
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, st)
	}
	return query + ` AND status IN (` + strings.Join(marks, ", ") + `)`, args
}

// scanSession scans a session row, mapping sql.ErrNoRows to ErrSessionNotFound.
func scanSession(row rowScanner) (*ExecutionSession, error) {
	var (
		sess                ExecutionSession
		created, lastActive string
	)
	err := row.Scan(&sess.SessionID, &sess.ProjectID, &sess.UserID, &sess.Goal, &sess.Channel,
		&sess.Autonomy, &sess.Status, &created, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if sess.LastActivityAt, err = parseTime(lastActive); err != nil {
		return nil, err
	}
	return &sess, nil
}
