package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autopilot/pkg/engine"
)

// ErrCheckpointNotFound is returned when a session has no stored checkpoint.
var ErrCheckpointNotFound = engine.ErrCheckpointNotFound

// CheckpointStore persists engine checkpoints. Checkpoints are append-only;
// older rows are kept for audit.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a store on an initialized database.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

const checkpointColumns = `id, session_id, iteration, state, goal,
	completed_action_ids, pending_action_ids, snapshot, created_at`

// SaveCheckpoint inserts cp, replacing any row with the same ID.
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp *engine.Checkpoint) error {
	completed, err := json.Marshal(nonNil(cp.CompletedActionIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal completed ids: %w", err)
	}
	pending, err := json.Marshal(nonNil(cp.PendingActionIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal pending ids: %w", err)
	}
	snapshot, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Iteration, string(cp.State), cp.Goal,
		string(completed), string(pending), string(snapshot), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint for sessionID.
func (s *CheckpointStore) LatestCheckpoint(ctx context.Context, sessionID string) (*engine.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, sessionID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	return cp, err
}

// ListCheckpoints returns every checkpoint for sessionID, oldest first.
func (s *CheckpointStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*engine.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*engine.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return out, nil
}

// DeleteCheckpoints removes every checkpoint for sessionID.
func (s *CheckpointStore) DeleteCheckpoints(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*engine.Checkpoint, error) {
	var (
		cp                            engine.Checkpoint
		state, createdAt              string
		completed, pending, snapshotJ string
	)
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Iteration, &state, &cp.Goal,
		&completed, &pending, &snapshotJ, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.State = engine.State(state)

	if err := json.Unmarshal([]byte(completed), &cp.CompletedActionIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed ids for %s: %w", cp.ID, err)
	}
	if err := json.Unmarshal([]byte(pending), &cp.PendingActionIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending ids for %s: %w", cp.ID, err)
	}
	if err := json.Unmarshal([]byte(snapshotJ), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot for %s: %w", cp.ID, err)
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
