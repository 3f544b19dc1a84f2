package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/designvault/internal/errors"
)

// Renderer turns a design file into a thumbnail image at dst. The output
// format follows dst's extension.
type Renderer interface {
	Render(ctx context.Context, src, dst string) error
}

// Magick renders thumbnails with the ImageMagick CLI.
type Magick struct {
	bin     string
	size    int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewMagick creates a Magick renderer.
// bin is the executable ("" = "magick"), size the bounding box edge in pixels
// (0 = 800) and timeout the max duration per render (0 = 30s).
func NewMagick(bin string, size int, timeout time.Duration, logger zerolog.Logger) *Magick {
	if bin == "" {
		bin = "magick"
	}
	if size <= 0 {
		size = 800
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Magick{
		bin:     bin,
		size:    size,
		timeout: timeout,
		logger:  logger.With().Str("component", "magick").Logger(),
	}
}

// Args builds the command line for src. Layered and vector formats only
// render their first page or composite.
func (m *Magick) Args(src, dst string) []string {
	box := fmt.Sprintf("%dx%d>", m.size, m.size)
	switch strings.ToLower(filepath.Ext(src)) {
	case ".ai", ".pdf", ".eps":
		return []string{
			src + "[0]",
			"-density", "150",
			"-colorspace", "sRGB",
			"-flatten",
			"-background", "white",
			"-resize", box,
			"-quality", "85",
			"-strip",
			"-sharpen", "0x0.5",
			dst,
		}
	case ".psd":
		src += "[0]"
	}
	return []string{
		src,
		"-coalesce",
		"-flatten",
		"-background", "white",
		"-thumbnail", box,
		"-quality", "85",
		"-strip",
		dst,
	}
}

// Render runs ImageMagick. A non-zero exit becomes an UpstreamError carrying
// stderr; hitting the timeout also matches ErrTimeout.
func (m *Magick) Render(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	args := m.Args(src, dst)
	cmd := exec.CommandContext(ctx, m.bin, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	m.logger.Debug().Str("src", src).Str("dst", dst).Msg("rendering thumbnail")

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		m.logger.Debug().Str("src", src).Dur("took", time.Since(start)).Msg("thumbnail rendered")
		return nil
	}

	upErr := perrors.NewUpstreamError(m.bin, -1, strings.TrimSpace(stderr.String()))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		upErr.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		upErr.Err = fmt.Errorf("%w after %s", perrors.ErrTimeout, m.timeout)
	} else {
		upErr.Err = err
	}
	return upErr
}

// Version runs `magick -version` and returns its first line. Used by the
// readiness check.
func (m *Magick) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, m.bin, "-version").Output()
	if err != nil {
		return "", perrors.NewUpstreamError(m.bin, -1, "version probe: "+err.Error())
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func (m *Magick) String() string {
	return m.bin + " (" + strconv.Itoa(m.size) + "px)"
}
