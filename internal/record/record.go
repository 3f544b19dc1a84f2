// Package record stores project and task metadata in README.md files with a
// YAML frontmatter header.
//
// Every mutation of a README runs under the per-directory lock: load, mutate
// in memory, write atomically, release. Reads never take the lock; atomic
// writes guarantee they see a complete document.
package record

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/designvault/internal/atomicfs"
	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/frontmatter"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/pathlock"
	"github.com/p-blackswan/designvault/internal/requestid"
	"github.com/p-blackswan/designvault/internal/retry"
)

// ReadmeName is the metadata file kept in every project and task directory.
const ReadmeName = "README.md"

const filePerm fs.FileMode = 0o644

// Frontmatter keys.
const (
	KeyTitle            = "title"
	KeyCreated          = "created"
	KeyStatus           = "status"
	KeyUpdatedAt        = "updatedAt"
	KeyLastID           = "lastId"
	KeyFileIDs          = "fileIds"
	KeyFileDescriptions = "fileDescriptions"
	KeyFileTags         = "fileTags"
	KeyDefaultFile      = "defaultFile"
	KeyAllowedStatuses  = "allowedStatuses"
	KeyAllowedTags      = "allowedTags"
	KeyStatusOrder      = "statusOrder"
	KeyProjectStatuses  = "projectStatuses"
)

// Kind selects the README template.
type Kind string

const (
	KindProject Kind = "project"
	KindTask    Kind = "task"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindProject, KindTask:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", perrors.ErrInvalidInput, s)
}

// Record is a parsed README with its file attributes.
type Record struct {
	Path     string
	Status   string
	Metadata *frontmatter.Metadata
	Body     string
	ModTime  time.Time
	Size     int64
}

// UpdatedAt returns the updatedAt stamp in epoch millis, falling back to the
// file modification time.
func (r *Record) UpdatedAt() int64 {
	if v, ok := r.Metadata.Int64(KeyUpdatedAt); ok {
		return v
	}
	return r.ModTime.UnixMilli()
}

// Clone returns a copy whose metadata can be modified independently.
func (r *Record) Clone() *Record {
	c := *r
	c.Metadata = r.Metadata.Clone()
	return &c
}

// StatusChange is the result of SetStatus.
type StatusChange struct {
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ProjectSettings holds the project-level lists editable through the API.
// Nil fields are left untouched.
type ProjectSettings struct {
	AllowedStatuses []string          `json:"allowedStatuses,omitempty"`
	AllowedTags     []string          `json:"allowedTags,omitempty"`
	StatusOrder     []string          `json:"statusOrder,omitempty"`
	ProjectStatuses map[string]string `json:"projectStatuses,omitempty"`
}

// Notifier is told about every README the store has written and verified.
type Notifier interface {
	Schedule(readmePath string)
}

// Store reads and mutates README records.
type Store struct {
	locks    *pathlock.Serializer
	writer   *atomicfs.Writer
	verify   retry.Policy
	notifier Notifier
	cache    *Cache
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	readBack func(string) ([]byte, error)
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier publishes written READMEs to n.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithMetrics records mutation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithCache serves Read from a parsed README cache.
func WithCache(c *Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithVerify sets how many read-backs SetStatus performs and the pause
// between them.
func WithVerify(attempts int, delay time.Duration) Option {
	return func(s *Store) { s.verify = retry.Fixed(attempts, delay) }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store. A nil serializer gets a private one.
func New(locks *pathlock.Serializer, logger zerolog.Logger, opts ...Option) *Store {
	if locks == nil {
		locks = pathlock.New()
	}
	s := &Store{
		locks:    locks,
		writer:   atomicfs.New(logger),
		verify:   retry.Fixed(5, 20*time.Millisecond),
		logger:   logger.With().Str("component", "record").Logger(),
		now:      time.Now,
		readBack: os.ReadFile,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadmePath returns the README path for dir.
func ReadmePath(dir string) string {
	return filepath.Join(dir, ReadmeName)
}

// IsReadme reports whether name is a README file, ignoring case.
func IsReadme(name string) bool {
	return strings.EqualFold(filepath.Base(name), ReadmeName)
}

// EnsureExists creates dir's README from the kind's template unless one is
// already present. It reports whether a file was created.
func (s *Store) EnsureExists(ctx context.Context, dir, name string, kind Kind) (bool, error) {
	const op = "ensure_exists"
	dir = filepath.Clean(dir)
	readme := ReadmePath(dir)

	if _, err := os.Stat(readme); err == nil {
		return false, nil
	}

	created, err := pathlock.Value(ctx, s.locks, dir, func() (bool, error) {
		if err := checkDir(op, dir); err != nil {
			return false, err
		}
		if _, err := os.Stat(readme); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, perrors.Wrap(perrors.ErrIO, op, readme, err)
		}
		doc, err := newDocument(name, kind, s.now())
		if err != nil {
			return false, perrors.Wrap(perrors.ErrInvalidInput, op, readme, err)
		}
		raw, err := doc.Bytes()
		if err != nil {
			return false, perrors.Wrap(perrors.ErrInvalidInput, op, readme, err)
		}
		if err := s.writer.WriteFile(readme, raw, filePerm); err != nil {
			return false, perrors.Wrap(perrors.ErrIO, op, readme, err)
		}
		return true, nil
	})
	s.recordMutation(op, err)
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info().Str("path", readme).Str("kind", string(kind)).Msg("created README")
		s.notify(readme)
	}
	return created, nil
}

// Read returns dir's README without taking the lock.
func (s *Store) Read(dir string) (*Record, error) {
	const op = "read"
	readme := ReadmePath(filepath.Clean(dir))

	info, err := os.Stat(readme)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, perrors.Wrap(perrors.ErrNotFound, op, readme, err)
		}
		return nil, perrors.Wrap(perrors.ErrIO, op, readme, err)
	}
	if s.cache != nil {
		if rec, ok := s.cache.Load(readme, info); ok {
			return rec, nil
		}
	}

	raw, err := os.ReadFile(readme)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, perrors.Wrap(perrors.ErrNotFound, op, readme, err)
		}
		return nil, perrors.Wrap(perrors.ErrIO, op, readme, err)
	}
	rec := newRecord(readme, frontmatter.Parse(raw), info)
	if s.cache != nil {
		s.cache.Store(readme, info, rec)
	}
	return rec, nil
}

func newRecord(path string, doc *frontmatter.Document, info fs.FileInfo) *Record {
	status, _ := doc.Metadata.String(KeyStatus)
	rec := &Record{
		Path:     path,
		Status:   status,
		Metadata: doc.Metadata,
		Body:     doc.Body,
	}
	if info != nil {
		rec.ModTime = info.ModTime()
		rec.Size = info.Size()
	}
	return rec
}

// SetStatus writes a new status and confirms it by reading the file back.
func (s *Store) SetStatus(ctx context.Context, dir, status string) (StatusChange, error) {
	const op = "set_status"
	dir = filepath.Clean(dir)
	status = strings.TrimSpace(status)
	if status == "" {
		return StatusChange{}, perrors.Wrap(perrors.ErrInvalidInput, op, dir, errors.New("status is required"))
	}
	s.checkAllowedStatus(dir, status)

	var change StatusChange
	err := s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		change.OldStatus, _ = doc.Metadata.String(KeyStatus)
		change.NewStatus = status
		return true, doc.Metadata.Set(KeyStatus, status)
	}, func(readme string, doc *frontmatter.Document) error {
		change.UpdatedAt, _ = doc.Metadata.Int64(KeyUpdatedAt)
		return s.verifyStatus(ctx, readme, status)
	})
	if err != nil {
		return StatusChange{}, err
	}
	s.logger.Info().
		Str("path", dir).
		Str("old_status", change.OldStatus).
		Str("new_status", change.NewStatus).
		Msg("status updated")
	return change, nil
}

func (s *Store) verifyStatus(ctx context.Context, readme, want string) error {
	attempts, err := retry.Do(ctx, s.verify, func(ctx context.Context, _ int) error {
		raw, err := s.readBack(readme)
		if err != nil {
			return perrors.Wrap(perrors.ErrVerificationFailed, "verify_status", readme, err)
		}
		got, _ := frontmatter.Parse(raw).Metadata.String(KeyStatus)
		if got != want {
			return perrors.Wrap(perrors.ErrVerificationFailed, "verify_status", readme,
				fmt.Errorf("persisted status %q, want %q", got, want))
		}
		return nil
	})
	if s.metrics != nil {
		s.metrics.ObserveVerifyAttempts(attempts)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("path", readme).Int("attempts", attempts).Msg("status verification failed")
	}
	return err
}

// checkAllowedStatus warns when status is outside the project's list.
func (s *Store) checkAllowedStatus(dir, status string) {
	raw, err := os.ReadFile(ReadmePath(filepath.Dir(dir)))
	if err != nil {
		return
	}
	allowed := frontmatter.Parse(raw).Metadata.StringList(KeyAllowedStatuses)
	if len(allowed) > 0 && !slices.Contains(allowed, status) {
		s.logger.Warn().Str("path", dir).Str("status", status).Strs("allowed", allowed).Msg("status not in project allowedStatuses")
	}
}

// mutate runs fn against dir's README under the directory lock. When fn
// reports a change the document gets a fresh updatedAt, is written
// atomically and, if given, checked by verify before the lock is released.
func (s *Store) mutate(
	ctx context.Context,
	op, dir string,
	fn func(doc *frontmatter.Document) (bool, error),
	verify func(readme string, doc *frontmatter.Document) error,
) error {
	readme := ReadmePath(dir)
	var changed bool
	err := s.locks.Do(ctx, dir, func() error {
		doc, err := s.load(op, dir)
		if err != nil {
			return err
		}
		changed, err = fn(doc)
		if errors.Is(err, frontmatter.ErrUnencodable) {
			return perrors.Wrap(perrors.ErrInvalidInput, op, readme, err)
		}
		if err != nil || !changed {
			return err
		}
		if err := s.touch(doc); err != nil {
			return perrors.Wrap(perrors.ErrInvalidInput, op, readme, err)
		}
		raw, err := doc.Bytes()
		if err != nil {
			return perrors.Wrap(perrors.ErrInvalidInput, op, readme, err)
		}
		if err := s.writer.WriteFile(readme, raw, filePerm); err != nil {
			return perrors.Wrap(perrors.ErrIO, op, readme, err)
		}
		if s.cache != nil {
			s.cache.Invalidate(readme)
		}
		if verify != nil {
			return verify(readme, doc)
		}
		return nil
	})
	s.recordMutation(op, err)
	if err != nil && !errors.Is(err, perrors.ErrNotFound) && !errors.Is(err, perrors.ErrInvalidInput) {
		logger := requestid.Logger(ctx, s.logger)
		logger.Warn().Err(err).Str("op", op).Str("path", readme).Msg("README mutation failed")
	}
	if err == nil && changed {
		s.notify(readme)
	}
	return err
}

// load reads dir's README for mutation. A missing README yields an empty
// document; a missing directory is ErrNotFound.
func (s *Store) load(op, dir string) (*frontmatter.Document, error) {
	if err := checkDir(op, dir); err != nil {
		return nil, err
	}
	readme := ReadmePath(dir)
	raw, err := os.ReadFile(readme)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &frontmatter.Document{Metadata: frontmatter.NewMetadata()}, nil
		}
		return nil, perrors.Wrap(perrors.ErrIO, op, readme, err)
	}
	return frontmatter.Parse(raw), nil
}

// touch stamps updatedAt, strictly after any previous stamp.
func (s *Store) touch(doc *frontmatter.Document) error {
	now := s.now().UnixMilli()
	if prev, ok := doc.Metadata.Int64(KeyUpdatedAt); ok && now <= prev {
		now = prev + 1
	}
	return doc.Metadata.Set(KeyUpdatedAt, now)
}

func checkDir(op, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return perrors.Wrap(perrors.ErrNotFound, op, dir, err)
		}
		return perrors.Wrap(perrors.ErrIO, op, dir, err)
	}
	if !info.IsDir() {
		return perrors.Wrap(perrors.ErrNotFound, op, dir, errors.New("not a directory"))
	}
	return nil
}

func (s *Store) notify(readme string) {
	if s.notifier != nil {
		s.notifier.Schedule(readme)
	}
}

func (s *Store) recordMutation(op string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, perrors.ErrNotFound):
		result = "not_found"
	case errors.Is(err, perrors.ErrInvalidInput):
		result = "invalid"
	case errors.Is(err, perrors.ErrVerificationFailed):
		result = "unverified"
	default:
		result = "error"
	}
	s.metrics.RecordMutation(op, result)
}
