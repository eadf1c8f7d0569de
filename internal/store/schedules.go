package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledRun is a stored trigger that starts an orchestration run on a
// schedule. Spec holds the JSON-encoded run request for the pattern;
// Schedule holds the JSON-encoded schedule definition.
type ScheduledRun struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Pattern    string     `json:"pattern"`
	Spec       string     `json:"spec"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var lastStatus, lastError *string
	err := scanner.Scan(&sr.ID, &sr.Name, &sr.Pattern, &sr.Spec, &sr.Schedule, &sr.Status,
		&sr.NextRunAt, &sr.LastRunAt, &lastStatus, &lastError, &sr.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		sr.LastStatus = *lastStatus
	}
	if lastError != nil {
		sr.LastError = *lastError
	}
	return sr, nil
}

func (s *Store) SaveSchedule(sr *ScheduledRun) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, pattern, spec, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pattern = excluded.pattern,
			spec = excluded.spec,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sr.ID, sr.Name, sr.Pattern, sr.Spec, sr.Schedule, sr.Status, sr.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledRun, error) {
	row := s.db.QueryRow(`
		SELECT id, name, pattern, spec, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM schedules WHERE id = ?`, id)
	sr, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sr, nil
}

func (s *Store) ListSchedules() ([]ScheduledRun, error) {
	rows, err := s.db.Query(`
		SELECT id, name, pattern, spec, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduledRun
	for rows.Next() {
		sr, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sr)
	}
	return schedules, rows.Err()
}

func (s *Store) GetDueSchedules(now time.Time) ([]ScheduledRun, error) {
	rows, err := s.db.Query(`
		SELECT id, name, pattern, spec, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM schedules
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ScheduledRun
	for rows.Next() {
		sr, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sr)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateScheduleStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	return err
}
