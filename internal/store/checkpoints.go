package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conclavehq/conclave/internal/run"
)

// RunSummary is the listing row for a persisted run, without the full
// snapshot.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Pattern   string    `json:"pattern"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Save persists a run snapshot if and only if the stored row is still at
// the given version. Version 0 creates the row. It returns the new version.
func (s *Store) Save(ctx context.Context, runID string, version int64, state *run.State) (int64, error) {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	newVersion := version + 1

	if version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (run_id, pattern, status, version, snapshot, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, string(state.Pattern), string(state.Status), newVersion, string(snapshot), state.StartedAt)
		if err != nil {
			// A unique violation means someone created the row first.
			var exists int
			row := s.db.QueryRowContext(ctx, `SELECT 1 FROM checkpoints WHERE run_id = ?`, runID)
			if scanErr := row.Scan(&exists); scanErr == nil {
				return 0, run.ErrStaleVersion
			}
			return 0, fmt.Errorf("insert checkpoint: %w", err)
		}
		return newVersion, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET status = ?, version = ?, snapshot = ?, updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND version = ?`,
		string(state.Status), newVersion, string(snapshot), runID, version)
	if err != nil {
		return 0, fmt.Errorf("update checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM checkpoints WHERE run_id = ?`, runID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			return 0, run.ErrNotFound
		}
		return 0, run.ErrStaleVersion
	}
	return newVersion, nil
}

// Load returns the persisted snapshot and its version.
func (s *Store) Load(ctx context.Context, runID string) (*run.State, int64, error) {
	var snapshot string
	var version int64
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot, version FROM checkpoints WHERE run_id = ?`, runID)
	if err := row.Scan(&snapshot, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, run.ErrNotFound
		}
		return nil, 0, fmt.Errorf("load checkpoint: %w", err)
	}

	var state run.State
	if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
		return nil, 0, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	state.Version = version
	return &state, version, nil
}

// Delete removes a run's checkpoint row.
func (s *Store) Delete(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return run.ErrNotFound
	}
	return nil
}

// ListRuns returns summaries of every persisted run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pattern, status, version, started_at, updated_at
		FROM checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Pattern, &r.Status, &r.Version, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
