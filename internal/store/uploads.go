package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Upload status values.
const (
	UploadReceiving = "receiving"
	UploadMerging   = "merging"
	UploadComplete  = "complete"
	UploadFailed    = "failed"
	UploadCancelled = "cancelled"
)

// Upload is one chunked upload session.
type Upload struct {
	ID          string
	Project     string
	Task        string
	FileName    string
	FileSize    int64
	TotalChunks int
	Tag         string
	Status      string
	FinalName   string // set once merged and renamed
	FileID      int    // 0 until allocated
	Error       string
	CreatedAt   int64 // unix ms
	UpdatedAt   int64 // unix ms

	Received int // chunks on record, filled by GetUpload
}

// Chunk is one received part of an upload.
type Chunk struct {
	UploadID   string
	Index      int
	File       string // absolute path of the stored chunk
	Size       int64
	ReceivedAt int64
}

// CreateUpload inserts the session unless it already exists and returns the
// stored row. Later calls with the same id keep the original parameters.
func (s *Store) CreateUpload(ctx context.Context, u *Upload) (*Upload, error) {
	s.mu.Lock()
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO uploads (
		id, project, task, file_name, file_size, total_chunks, tag, status,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Project, u.Task, u.FileName, u.FileSize, u.TotalChunks, u.Tag,
		UploadReceiving, now, now)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create upload: %w", err)
	}
	return s.GetUpload(ctx, u.ID)
}

// AddChunk records a received chunk. Re-sending an index replaces the earlier
// record. It returns the number of distinct chunks now on record.
func (s *Store) AddChunk(ctx context.Context, c Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ReceivedAt == 0 {
		c.ReceivedAt = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin chunk tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO upload_chunks (upload_id, chunk_index, chunk_file, size, received_at)
	VALUES (?, ?, ?, ?, ?)
	`, c.UploadID, c.Index, c.File, c.Size, c.ReceivedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to save chunk: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE uploads SET updated_at = ? WHERE id = ?`,
		c.ReceivedAt, c.UploadID); err != nil {
		return 0, fmt.Errorf("failed to touch upload: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_chunks WHERE upload_id = ?`,
		c.UploadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chunk: %w", err)
	}
	return n, nil
}

// GetUpload retrieves a session by ID. ErrNotFound when absent.
func (s *Store) GetUpload(ctx context.Context, id string) (*Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u := &Upload{}
	var finalName, errMsg sql.NullString
	var fileID sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
	SELECT u.id, u.project, u.task, u.file_name, u.file_size, u.total_chunks,
	       u.tag, u.status, u.final_name, u.file_id, u.error, u.created_at,
	       u.updated_at,
	       (SELECT COUNT(*) FROM upload_chunks c WHERE c.upload_id = u.id)
	FROM uploads u WHERE u.id = ?
	`, id).Scan(&u.ID, &u.Project, &u.Task, &u.FileName, &u.FileSize,
		&u.TotalChunks, &u.Tag, &u.Status, &finalName, &fileID, &errMsg,
		&u.CreatedAt, &u.UpdatedAt, &u.Received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}

	u.FinalName = finalName.String
	u.FileID = int(fileID.Int64)
	u.Error = errMsg.String
	return u, nil
}

// ListChunks returns the chunks of an upload ordered by index.
func (s *Store) ListChunks(ctx context.Context, uploadID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT upload_id, chunk_index, chunk_file, size, received_at
	FROM upload_chunks WHERE upload_id = ? ORDER BY chunk_index
	`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.UploadID, &c.Index, &c.File, &c.Size, &c.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// TransitionUpload moves a session from one status to another. It returns
// false without error when the session was not in the expected state, which
// lets exactly one caller win the merge.
func (s *Store) TransitionUpload(ctx context.Context, id, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UnixMilli(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update upload status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// CompleteUpload marks a session complete with its final file name and id.
func (s *Store) CompleteUpload(ctx context.Context, id, finalName string, fileID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	UPDATE uploads SET status = ?, final_name = ?, file_id = ?, updated_at = ?
	WHERE id = ?
	`, UploadComplete, finalName, fileID, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to complete upload: %w", err)
	}
	return nil
}

// FailUpload marks a session failed with a reason.
func (s *Store) FailUpload(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		UploadFailed, reason, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark upload failed: %w", err)
	}
	return nil
}

// DeleteUpload removes a session and its chunk rows, returning the chunks so
// the caller can remove their files.
func (s *Store) DeleteUpload(ctx context.Context, id string) ([]Chunk, error) {
	chunks, err := s.ListChunks(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return chunks, nil
}

// StaleUploads lists unfinished sessions not touched since before.
func (s *Store) StaleUploads(ctx context.Context, before time.Time) ([]Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, project, task, file_name, status, updated_at
	FROM uploads
	WHERE status IN (?, ?, ?) AND updated_at < ?
	ORDER BY updated_at
	`, UploadReceiving, UploadMerging, UploadFailed, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.Project, &u.Task, &u.FileName, &u.Status, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
