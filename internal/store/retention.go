package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how long finished rows are kept.
type RetentionPolicy struct {
	Uploads time.Duration // completed or cancelled upload sessions
	Jobs    time.Duration // completed or failed jobs
	Audit   time.Duration
}

// DefaultRetention keeps finished uploads for a day, jobs for a week and the
// audit log for thirty days.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Uploads: 24 * time.Hour,
		Jobs:    7 * 24 * time.Hour,
		Audit:   30 * 24 * time.Hour,
	}
}

// RetentionResult counts the rows one retention pass removed.
type RetentionResult struct {
	Uploads int64
	Jobs    int64
	Audit   int64
}

// RunRetention deletes rows older than p allows. Unfinished upload sessions
// are left alone: the upload manager owns their chunk files and sweeps them.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (RetentionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var res RetentionResult
	steps := []struct {
		name  string
		query string
		args  []any
		n     *int64
	}{
		{"uploads", "DELETE FROM uploads WHERE status IN (?, ?) AND updated_at < ?",
			[]any{UploadComplete, UploadCancelled, now.Add(-p.Uploads).UnixMilli()}, &res.Uploads},
		{"jobs", "DELETE FROM jobs WHERE completed_at > 0 AND completed_at < ?",
			[]any{now.Add(-p.Jobs).UnixMilli()}, &res.Jobs},
		{"audit", "DELETE FROM audit_log WHERE created_at < ?",
			[]any{now.Add(-p.Audit).UnixMilli()}, &res.Audit},
	}
	for _, st := range steps {
		r, err := s.db.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return res, fmt.Errorf("retention %s: %w", st.name, err)
		}
		*st.n, _ = r.RowsAffected()
	}

	if res.Uploads+res.Jobs+res.Audit > 0 {
		s.logger.Info().
			Int64("uploads", res.Uploads).
			Int64("jobs", res.Jobs).
			Int64("audit", res.Audit).
			Msg("ledger retention removed rows")
	}
	return res, nil
}

// DBSizeBytes returns the size of the ledger's pages.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int64
	err := s.db.QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger size: %w", err)
	}
	return size, nil
}
