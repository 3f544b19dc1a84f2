// Package archive streams a set of task files into a zip archive laid out as
// <task>/<file>.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/p-blackswan/designvault/internal/record"
)

// Summary describes a written archive.
type Summary struct {
	Files int
	Bytes int64 // uncompressed
}

// WriteZip writes files to w as a zip archive. Entries are named
// <task>/<file> and keep the source modification time. The context is
// checked between entries so a disconnected client stops the walk.
func WriteZip(ctx context.Context, w io.Writer, files []record.TaggedFile) (Summary, error) {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	var sum Summary
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return sum, err
		}
		n, err := addFile(zw, EntryName(f), f.Path)
		if err != nil {
			zw.Close()
			return sum, fmt.Errorf("add %s: %w", f.Path, err)
		}
		sum.Files++
		sum.Bytes += n
	}
	if err := zw.Close(); err != nil {
		return sum, fmt.Errorf("finish zip: %w", err)
	}
	return sum, nil
}

// EntryName is the in-archive path of a file.
func EntryName(f record.TaggedFile) string {
	return path.Join(f.Task, f.Name)
}

// FileName builds the download name of a tag archive.
func FileName(project, tag string, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%d.zip", project, tag, now.UnixMilli())
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '\t', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

func addFile(zw *zip.Writer, name, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, err
	}
	return io.Copy(dst, f)
}
