// Package thumbnail maintains the derived thumbnail cache under
// <data>/.thumbnails/<project>/<task>/<base>.<webp|png>. Entries are rendered
// on first request or pre-generated after an upload, and are never
// authoritative: deleting the cache only costs a re-render.
package thumbnail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/record"
)

// Dir is the cache directory name under the data root.
const Dir = ".thumbnails"

// Source tells where a served thumbnail came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback" // png served for a webp request
	SourceRendered    Source = "rendered"
	SourcePlaceholder Source = "placeholder"
)

// Result is a thumbnail ready to serve: either a cached file (Path) or
// in-memory bytes (Data).
type Result struct {
	Path   string
	Data   []byte
	Format Format
	Source Source
}

// Service renders and caches thumbnails.
type Service struct {
	root     string
	renderer Renderer
	group    singleflight.Group
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics counts thumbnail outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a thumbnail service over the data root.
func NewService(root string, r Renderer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		root:     root,
		renderer: r,
		logger:   logger.With().Str("component", "thumbnail").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CachePath returns the cache location of file's thumbnail in format f.
// The original extension is dropped so a.psd becomes a.webp.
func (s *Service) CachePath(project, task, file string, f Format) string {
	base := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(s.root, Dir, project, task, base+"."+string(f))
}

// Get returns the thumbnail of a file, rendering it when the cache is cold.
// A webp request is answered from an existing png before rendering. Renderer
// failures yield a placeholder rather than an error.
func (s *Service) Get(ctx context.Context, project, task, file string, f Format) (Result, error) {
	if err := validNames(project, task, file); err != nil {
		return Result{}, err
	}

	cached := s.CachePath(project, task, file, f)
	if usable(cached) {
		s.record(SourceCache)
		return Result{Path: cached, Format: f, Source: SourceCache}, nil
	}
	if f == WebP {
		png := s.CachePath(project, task, file, PNG)
		if usable(png) {
			s.record(SourceFallback)
			return Result{Path: png, Format: PNG, Source: SourceFallback}, nil
		}
	}

	src := filepath.Join(s.root, project, task, file)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return Result{}, perrors.Wrap(perrors.ErrNotFound, "thumbnail", src, nil)
		}
		return Result{}, perrors.Wrap(perrors.ErrIO, "thumbnail", src, err)
	}

	if !Renderable(src) {
		s.record(SourcePlaceholder)
		return Result{Data: Placeholder(filepath.Ext(file)), Format: PNG, Source: SourcePlaceholder}, nil
	}

	if err := s.generate(ctx, src, cached); err != nil {
		s.logger.Warn().Err(err).Str("file", src).Str("format", string(f)).Msg("thumbnail render failed, serving placeholder")
		s.record(SourcePlaceholder)
		return Result{Data: Placeholder(filepath.Ext(file)), Format: PNG, Source: SourcePlaceholder}, nil
	}
	s.record(SourceRendered)
	return Result{Path: cached, Format: f, Source: SourceRendered}, nil
}

// Pregenerate renders both formats of a file's thumbnail ahead of the first
// request. Unlike Get it reports renderer failures so a job can retry them.
func (s *Service) Pregenerate(ctx context.Context, project, task, file string) error {
	if err := validNames(project, task, file); err != nil {
		return err
	}
	src := filepath.Join(s.root, project, task, file)
	if _, err := os.Stat(src); err != nil {
		return perrors.Wrap(perrors.ErrNotFound, "pregenerate", src, err)
	}
	if !Renderable(src) {
		return nil
	}
	for _, f := range []Format{WebP, PNG} {
		dst := s.CachePath(project, task, file, f)
		if usable(dst) {
			continue
		}
		if err := s.generate(ctx, src, dst); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes both cached formats of a file. Missing entries are fine.
func (s *Service) Remove(project, task, file string) error {
	if err := validNames(project, task, file); err != nil {
		return err
	}
	for _, f := range []Format{WebP, PNG} {
		p := s.CachePath(project, task, file, f)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return perrors.Wrap(perrors.ErrIO, "remove thumbnail", p, err)
		}
	}
	return nil
}

// generate renders src into dst through a temporary sibling. Concurrent
// requests for the same dst share one render.
func (s *Service) generate(ctx context.Context, src, dst string) error {
	_, err, _ := s.group.Do(dst, func() (any, error) {
		if usable(dst) {
			return nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, perrors.Wrap(perrors.ErrIO, "thumbnail dir", dst, err)
		}

		base := filepath.Base(dst)
		tmp := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".%s.tmp-%s%s", strings.TrimSuffix(base, filepath.Ext(base)), uuid.NewString(), filepath.Ext(base)))
		defer os.Remove(tmp)

		if err := s.renderer.Render(ctx, src, tmp); err != nil {
			return nil, err
		}
		if !usable(tmp) {
			return nil, perrors.NewUpstreamError("renderer", 0, "no output produced for "+filepath.Base(src))
		}
		if err := atomic.ReplaceFile(tmp, dst); err != nil {
			return nil, perrors.Wrap(perrors.ErrIO, "thumbnail replace", dst, err)
		}
		return nil, nil
	})
	return err
}

func (s *Service) record(src Source) {
	if s.metrics != nil {
		s.metrics.RecordThumbnail(string(src))
	}
}

// Renderable reports whether the renderer can be pointed at path. Known
// design extensions are accepted outright; anything else is sniffed.
func Renderable(path string) bool {
	if record.IsDesignFile(path) {
		return true
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt.String(), "image/") || mt.Is("application/pdf")
}

func usable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func validNames(parts ...string) error {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) || strings.HasPrefix(p, ".") {
			return perrors.Wrap(perrors.ErrInvalidInput, "thumbnail", p, fmt.Errorf("invalid path segment %q", p))
		}
	}
	return nil
}
