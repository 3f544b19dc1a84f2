// Package atomicfs writes files so that concurrent readers observe either the
// previous content or the new content, never a partial write.
package atomicfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// Writer performs temp-file-then-rename writes.
type Writer struct {
	logger zerolog.Logger
	sync   func(*os.File) error
}

// New creates a Writer.
func New(logger zerolog.Logger) *Writer {
	return &Writer{
		logger: logger.With().Str("component", "atomicfs").Logger(),
		sync:   (*os.File).Sync,
	}
}

// WriteFile writes data to a temporary sibling of path and renames it over
// path. A failed fsync is logged and the write continues; any other failure
// removes the temporary file and leaves path untouched.
func (w *Writer) WriteFile(path string, data []byte, perm fs.FileMode) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", base, uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := w.sync(f); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("fsync failed, continuing with rename")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := atomic.ReplaceFile(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// IsTemp reports whether name is a temporary file created by WriteFile.
func IsTemp(name string) bool {
	base := filepath.Base(name)
	if len(base) < 2 || base[0] != '.' {
		return false
	}
	for i := len(base) - 1; i > 0; i-- {
		if base[i] == '.' {
			return len(base)-i > 5 && base[i+1:i+5] == "tmp-"
		}
	}
	return false
}
