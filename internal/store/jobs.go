package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job is the persisted record of a background job.
type Job struct {
	ID          string
	Kind        string
	Payload     string // JSON
	Status      string // queued, running, completed, failed
	Attempts    int
	Error       string
	CreatedAt   int64
	UpdatedAt   int64
	CompletedAt int64 // 0 = not finished
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kind   string
	Status string
	Limit  int
}

// SaveJob inserts or replaces a job record.
func (s *Store) SaveJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	if j.UpdatedAt == 0 {
		j.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO jobs (
		id, kind, payload, status, attempts, error, created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Kind, j.Payload, j.Status, j.Attempts,
		sql.NullString{String: j.Error, Valid: j.Error != ""},
		j.CreatedAt, j.UpdatedAt,
		sql.NullInt64{Int64: j.CompletedAt, Valid: j.CompletedAt != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j := &Job{}
	var errMsg sql.NullString
	var completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
	SELECT id, kind, payload, status, attempts, error, created_at, updated_at, completed_at
	FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Attempts, &errMsg,
		&j.CreatedAt, &j.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	j.Error = errMsg.String
	j.CompletedAt = completedAt.Int64
	return j, nil
}

// UpdateJobStatus sets status, attempts and error. Terminal states stamp
// completed_at.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var completed sql.NullInt64
	if status == "completed" || status == "failed" {
		completed = sql.NullInt64{Int64: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE jobs SET status = ?, attempts = ?, error = ?, updated_at = ?, completed_at = ?
	WHERE id = ?
	`, status, attempts, sql.NullString{String: errMsg, Valid: errMsg != ""}, now, completed, id)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kind, payload, status, attempts, error, created_at, updated_at, completed_at FROM jobs WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var errMsg sql.NullString
		var completedAt sql.NullInt64
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Attempts, &errMsg,
			&j.CreatedAt, &j.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Error = errMsg.String
		j.CompletedAt = completedAt.Int64
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
