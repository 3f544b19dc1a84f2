// Package upload assembles chunked uploads into design files. Chunks are
// staged under <data>/.temp and tracked in the SQLite ledger; once every
// chunk has arrived they are concatenated in index order, the file gets the
// task's next id and is renamed to <project>_<task>_<id><ext>.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/jobs"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/record"
	"github.com/p-blackswan/designvault/internal/store"
)

// TempDir is the staging directory name under the data root.
const TempDir = ".temp"

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// Submitter enqueues background jobs. *jobs.Engine satisfies it.
type Submitter interface {
	Submit(kind string, payload any) (*jobs.Job, error)
}

// ChunkRequest describes one received chunk.
type ChunkRequest struct {
	UploadID    string
	Project     string
	Task        string
	FileName    string // the client's original name; only the extension survives
	FileSize    int64
	Index       int
	TotalChunks int
	Tags        string
}

// ChunkResult reports upload progress after a chunk.
type ChunkResult struct {
	Complete bool   `json:"complete"`
	Received int    `json:"uploadedChunks"`
	Total    int    `json:"totalChunks"`
	FileName string `json:"fileName,omitempty"`
	FileID   int    `json:"fileId,omitempty"`
}

// Status is the state of an upload session.
type Status struct {
	UploadID string `json:"uploadId"`
	State    string `json:"state"`
	Received int    `json:"uploadedChunks"`
	Total    int    `json:"totalChunks"`
	Complete bool   `json:"complete"`
	FileName string `json:"fileName,omitempty"`
	FileID   int    `json:"fileId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Manager receives chunks and merges finished uploads.
type Manager struct {
	root    string
	tempDir string
	ledger  *store.Store
	records *record.Store
	jobs    Submitter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithJobs enqueues thumbnail and tag jobs after each merge.
func WithJobs(s Submitter) Option {
	return func(m *Manager) { m.jobs = s }
}

// WithMetrics counts received bytes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates an upload manager over the data root.
func NewManager(root string, ledger *store.Store, records *record.Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		root:    root,
		tempDir: filepath.Join(root, TempDir),
		ledger:  ledger,
		records: records,
		logger:  logger.With().Str("component", "upload").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReceiveChunk stages one chunk and merges the upload when it was the last
// one missing. Re-sending a chunk replaces the earlier copy.
func (m *Manager) ReceiveChunk(ctx context.Context, req ChunkRequest, body io.Reader) (ChunkResult, error) {
	const op = "upload_chunk"
	if err := req.validate(); err != nil {
		return ChunkResult{}, perrors.Wrap(perrors.ErrInvalidInput, op, req.UploadID, err)
	}

	u, err := m.ledger.CreateUpload(ctx, &store.Upload{
		ID:          req.UploadID,
		Project:     req.Project,
		Task:        req.Task,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
		Tag:         strings.TrimSpace(req.Tags),
	})
	if err != nil {
		return ChunkResult{}, perrors.Wrap(perrors.ErrIO, op, req.UploadID, err)
	}
	if u.Project != req.Project || u.Task != req.Task || u.TotalChunks != req.TotalChunks {
		return ChunkResult{}, perrors.Wrap(perrors.ErrInvalidInput, op, req.UploadID,
			errors.New("upload id already used for a different file"))
	}
	switch u.Status {
	case store.UploadComplete:
		return ChunkResult{Complete: true, Received: u.TotalChunks, Total: u.TotalChunks, FileName: u.FinalName, FileID: u.FileID}, nil
	case store.UploadReceiving:
	default:
		return ChunkResult{}, perrors.Wrap(perrors.ErrInvalidInput, op, req.UploadID,
			fmt.Errorf("upload is %s", u.Status))
	}

	if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
		return ChunkResult{}, perrors.Wrap(perrors.ErrIO, op, m.tempDir, err)
	}
	chunkPath := filepath.Join(m.tempDir, fmt.Sprintf("chunk_%s_%d_%s", req.UploadID, req.Index, uuid.NewString()))
	size, err := writeChunk(chunkPath, body)
	if err != nil {
		return ChunkResult{}, perrors.Wrap(perrors.ErrIO, op, chunkPath, err)
	}
	if m.metrics != nil {
		m.metrics.AddUploadBytes(size)
	}

	received, err := m.ledger.AddChunk(ctx, store.Chunk{UploadID: req.UploadID, Index: req.Index, File: chunkPath, Size: size})
	if err != nil {
		os.Remove(chunkPath)
		return ChunkResult{}, perrors.Wrap(perrors.ErrIO, op, req.UploadID, err)
	}

	m.logger.Debug().
		Str("upload_id", req.UploadID).
		Int("chunk", req.Index).
		Int("received", received).
		Int("total", req.TotalChunks).
		Int64("bytes", size).
		Msg("chunk received")

	res := ChunkResult{Received: received, Total: req.TotalChunks}
	if received < req.TotalChunks {
		return res, nil
	}

	won, err := m.ledger.TransitionUpload(ctx, req.UploadID, store.UploadReceiving, store.UploadMerging)
	if err != nil {
		return ChunkResult{}, perrors.Wrap(perrors.ErrIO, op, req.UploadID, err)
	}
	if !won {
		// Another request carrying the final chunk is merging.
		return res, nil
	}

	final, id, err := m.merge(ctx, u)
	if err != nil {
		m.logger.Error().Err(err).Str("upload_id", req.UploadID).Msg("merge failed")
		if ferr := m.ledger.FailUpload(context.WithoutCancel(ctx), req.UploadID, err.Error()); ferr != nil {
			m.logger.Warn().Err(ferr).Str("upload_id", req.UploadID).Msg("failed to mark upload failed")
		}
		return ChunkResult{}, err
	}

	if err := m.ledger.CompleteUpload(ctx, req.UploadID, final, id); err != nil {
		m.logger.Warn().Err(err).Str("upload_id", req.UploadID).Msg("failed to mark upload complete")
	}
	m.removeChunks(ctx, req.UploadID)
	m.enqueueFollowUps(u, final)

	m.logger.Info().
		Str("upload_id", req.UploadID).
		Str("original", req.FileName).
		Str("file", final).
		Int("file_id", id).
		Msg("upload merged")

	res.Complete = true
	res.FileName = final
	res.FileID = id
	return res, nil
}

// merge concatenates the chunks into the task directory under the next file
// id and records the id in the task README.
func (m *Manager) merge(ctx context.Context, u *store.Upload) (string, int, error) {
	const op = "upload_merge"

	chunks, err := m.ledger.ListChunks(ctx, u.ID)
	if err != nil {
		return "", 0, perrors.Wrap(perrors.ErrIO, op, u.ID, err)
	}
	if len(chunks) != u.TotalChunks {
		return "", 0, perrors.Wrap(perrors.ErrInvalidInput, op, u.ID,
			fmt.Errorf("have %d of %d chunks", len(chunks), u.TotalChunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			return "", 0, perrors.Wrap(perrors.ErrInvalidInput, op, u.ID, fmt.Errorf("missing chunk %d", i))
		}
	}

	projectDir := filepath.Join(m.root, u.Project)
	taskDir := filepath.Join(projectDir, u.Task)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return "", 0, perrors.Wrap(perrors.ErrIO, op, taskDir, err)
	}
	if _, err := m.records.EnsureExists(ctx, projectDir, u.Project, record.KindProject); err != nil {
		return "", 0, err
	}
	if _, err := m.records.EnsureExists(ctx, taskDir, u.Task, record.KindTask); err != nil {
		return "", 0, err
	}

	// The temp name carries no "_<digits>" so it cannot move the id watermark.
	tmp := filepath.Join(taskDir, ".merge.tmp-"+uuid.NewString())
	written, err := concat(tmp, chunks)
	if err != nil {
		os.Remove(tmp)
		return "", 0, perrors.Wrap(perrors.ErrIO, op, tmp, err)
	}
	if u.FileSize > 0 && written != u.FileSize {
		m.logger.Warn().
			Str("upload_id", u.ID).
			Int64("declared", u.FileSize).
			Int64("written", written).
			Msg("merged size differs from declared size")
	}

	id, err := m.records.AllocateFileID(ctx, taskDir)
	if err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	final := fmt.Sprintf("%s_%s_%d%s", u.Project, u.Task, id, filepath.Ext(u.FileName))
	if err := atomic.ReplaceFile(tmp, filepath.Join(taskDir, final)); err != nil {
		os.Remove(tmp)
		return "", 0, perrors.Wrap(perrors.ErrIO, op, final, err)
	}

	if err := m.records.RecordFileID(ctx, taskDir, final, id); err != nil {
		return "", 0, err
	}
	return final, id, nil
}

func (m *Manager) enqueueFollowUps(u *store.Upload, final string) {
	if m.jobs == nil {
		return
	}
	if _, err := m.jobs.Submit(jobs.KindThumbnail, jobs.ThumbnailPayload{
		Project: u.Project, Task: u.Task, File: final,
	}); err != nil {
		m.logger.Warn().Err(err).Str("file", final).Msg("could not queue thumbnail job")
	}
	if u.Tag == "" {
		return
	}
	if _, err := m.jobs.Submit(jobs.KindFileTag, jobs.FileTagPayload{
		Dir: filepath.Join(m.root, u.Project, u.Task), File: final, Tag: u.Tag,
	}); err != nil {
		m.logger.Warn().Err(err).Str("file", final).Msg("could not queue tag job")
	}
}

// Status reports an upload's progress.
func (m *Manager) Status(ctx context.Context, uploadID string) (Status, error) {
	u, err := m.ledger.GetUpload(ctx, uploadID)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, perrors.Wrap(perrors.ErrNotFound, "upload_status", uploadID, nil)
	}
	if err != nil {
		return Status{}, perrors.Wrap(perrors.ErrIO, "upload_status", uploadID, err)
	}
	return Status{
		UploadID: u.ID,
		State:    u.Status,
		Received: u.Received,
		Total:    u.TotalChunks,
		Complete: u.Status == store.UploadComplete,
		FileName: u.FinalName,
		FileID:   u.FileID,
		Error:    u.Error,
	}, nil
}

// Cancel discards an upload and its staged chunks. Unknown ids are not an
// error so a client can cancel blindly.
func (m *Manager) Cancel(ctx context.Context, uploadID string) error {
	if !uploadIDPattern.MatchString(uploadID) {
		return perrors.Wrap(perrors.ErrInvalidInput, "upload_cancel", uploadID, errors.New("invalid upload id"))
	}
	chunks, err := m.ledger.DeleteUpload(ctx, uploadID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return perrors.Wrap(perrors.ErrIO, "upload_cancel", uploadID, err)
	}
	for _, c := range chunks {
		m.removeFile(c.File)
	}
	m.removeStray(uploadID)
	m.logger.Info().Str("upload_id", uploadID).Int("chunks", len(chunks)).Msg("upload cancelled")
	return nil
}

// Sweep discards unfinished uploads idle for longer than ttl and returns how
// many were removed.
func (m *Manager) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := m.ledger.StaleUploads(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, u := range stale {
		if err := m.Cancel(ctx, u.ID); err != nil {
			m.logger.Warn().Err(err).Str("upload_id", u.ID).Msg("failed to sweep upload")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info().Int("count", removed).Msg("swept stale uploads")
	}
	return removed, nil
}

func (m *Manager) removeChunks(ctx context.Context, uploadID string) {
	chunks, err := m.ledger.ListChunks(ctx, uploadID)
	if err != nil {
		m.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to list chunks for cleanup")
		return
	}
	for _, c := range chunks {
		m.removeFile(c.File)
	}
	m.removeStray(uploadID)
}

// removeStray deletes staged files of an upload the ledger lost track of,
// e.g. a chunk replaced by a re-send.
func (m *Manager) removeStray(uploadID string) {
	matches, err := filepath.Glob(filepath.Join(m.tempDir, "chunk_"+uploadID+"_*"))
	if err != nil {
		return
	}
	for _, p := range matches {
		m.removeFile(p)
	}
}

func (m *Manager) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("path", path).Msg("failed to remove staged chunk")
	}
}

func (r ChunkRequest) validate() error {
	if !uploadIDPattern.MatchString(r.UploadID) {
		return errors.New("invalid upload id")
	}
	for _, seg := range []string{r.Project, r.Task} {
		if !validSegment(seg) {
			return fmt.Errorf("invalid path segment %q", seg)
		}
	}
	if r.FileName == "" || strings.ContainsAny(r.FileName, `/\`) {
		return fmt.Errorf("invalid file name %q", r.FileName)
	}
	if r.TotalChunks < 1 {
		return errors.New("totalChunks must be at least 1")
	}
	if r.Index < 0 || r.Index >= r.TotalChunks {
		return fmt.Errorf("chunk index %d out of range [0,%d)", r.Index, r.TotalChunks)
	}
	if r.FileSize < 0 {
		return errors.New("fileSize must not be negative")
	}
	return nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.HasPrefix(s, ".") && !strings.ContainsAny(s, `/\`)
}

func writeChunk(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

func concat(dst string, chunks []store.Chunk) (int64, error) {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, c := range chunks {
		n, err := appendFile(out, c.File)
		total += n
		if err != nil {
			out.Close()
			return total, fmt.Errorf("chunk %d: %w", c.Index, err)
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return total, err
	}
	return total, out.Close()
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
