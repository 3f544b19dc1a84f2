package api

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/p-blackswan/designvault/internal/archive"
	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/thumbnail"
	"github.com/p-blackswan/designvault/internal/upload"
)

// UploadChunk handles POST /api/upload/chunk/:project/:task.
func (h *Handlers) UploadChunk(c *fiber.Ctx) error {
	project, err := param(c, "project")
	if err != nil {
		return h.fail(c, err)
	}
	task, err := param(c, "task")
	if err != nil {
		return h.fail(c, err)
	}

	var form chunkForm
	if err := h.bind(c, &form); err != nil {
		return h.fail(c, err)
	}
	fh, err := c.FormFile("chunk")
	if err != nil {
		return badRequest(c, "No chunk uploaded")
	}
	body, err := fh.Open()
	if err != nil {
		return h.fail(c, perrors.Wrap(perrors.ErrIO, "upload_chunk", form.UploadID, err))
	}
	defer body.Close()

	res, err := h.uploads.ReceiveChunk(c.UserContext(), upload.ChunkRequest{
		UploadID:    form.UploadID,
		Project:     project,
		Task:        task,
		FileName:    form.FileName,
		FileSize:    form.FileSize,
		Index:       form.ChunkIndex,
		TotalChunks: form.TotalChunks,
		Tags:        strings.TrimSpace(form.Tags),
	}, body)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

// UploadStatus handles GET /api/upload/status/:uploadId.
func (h *Handlers) UploadStatus(c *fiber.Ctx) error {
	st, err := h.uploads.Status(c.UserContext(), c.Params("uploadId"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(st)
}

// CancelUpload handles DELETE /api/upload/cancel/:uploadId.
func (h *Handlers) CancelUpload(c *fiber.Ctx) error {
	if err := h.uploads.Cancel(c.UserContext(), c.Params("uploadId")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(okResponse)
}

// Thumbnail handles GET /api/files/thumbnail/:project/:task/:file. The
// format follows the Accept header.
func (h *Handlers) Thumbnail(c *fiber.Ctx) error {
	project, task, file, err := fileParams(c)
	if err != nil {
		return h.fail(c, err)
	}
	res, err := h.thumbs.Get(c.UserContext(), project, task, file, thumbnail.Negotiate(c.Get(fiber.HeaderAccept)))
	if err != nil {
		return h.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, res.Format.ContentType())
	c.Set(fiber.HeaderVary, fiber.HeaderAccept)
	c.Set("X-Thumbnail-Source", string(res.Source))
	if res.Source == thumbnail.SourcePlaceholder {
		c.Set(fiber.HeaderCacheControl, "no-store")
	} else {
		c.Set(fiber.HeaderCacheControl, "private, max-age=86400")
	}
	if res.Data != nil {
		return c.Send(res.Data)
	}
	return sendFile(c, res.Path)
}

// Download handles GET /api/files/download/:project/:task/:file.
func (h *Handlers) Download(c *fiber.Ctx) error {
	_, _, dir, err := h.taskDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	file, err := param(c, "file")
	if err != nil {
		return h.fail(c, err)
	}
	path, name, err := h.resolveFile(dir, file)
	if err != nil {
		return h.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(fiber.HeaderContentDisposition, contentDisposition(name))
	return sendFile(c, path)
}

// resolveFile finds file in dir. Names that arrive double-encoded or in a
// different Unicode normalization than the one on disk are matched too.
func (h *Handlers) resolveFile(dir, file string) (string, string, error) {
	candidates := []string{file}
	if strings.Contains(file, "%") {
		if dec, err := url.PathUnescape(file); err == nil && dec != file && filepath.Base(dec) == dec {
			candidates = append(candidates, dec)
		}
	}
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if !h.inRoot(p) {
			return "", "", perrors.Wrap(perrors.ErrInvalidInput, "download", name, errors.New("path escapes data root"))
		}
		if regularFile(p) {
			return p, name, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", perrors.Wrap(perrors.ErrIO, "download", dir, err)
	}
	for _, name := range candidates {
		want := norm.NFC.String(name)
		for _, e := range entries {
			if e.IsDir() || norm.NFC.String(e.Name()) != want {
				continue
			}
			h.logger.Debug().Str("requested", name).Str("matched", e.Name()).Msg("matched file by unicode normalization")
			return filepath.Join(dir, e.Name()), e.Name(), nil
		}
	}
	return "", "", perrors.Wrap(perrors.ErrNotFound, "download", file, nil)
}

func (h *Handlers) inRoot(p string) bool {
	rel, err := filepath.Rel(h.root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// DeleteFile handles DELETE /api/files/:project/:task/:file. The file, both
// cached thumbnails and its README entries go.
func (h *Handlers) DeleteFile(c *fiber.Ctx) error {
	project, task, dir, err := h.taskDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	file, err := param(c, "file")
	if err != nil {
		return h.fail(c, err)
	}
	path := filepath.Join(dir, file)
	if !regularFile(path) {
		return notFound(c, "File not found")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return h.fail(c, perrors.Wrap(perrors.ErrIO, "delete_file", path, err))
	}
	if err := h.thumbs.Remove(project, task, file); err != nil {
		h.logger.Warn().Err(err).Str("file", path).Msg("failed to remove thumbnails")
	}
	if err := h.records.ForgetFile(c.UserContext(), dir, file); err != nil {
		return h.fail(c, err)
	}
	h.logger.Info().Str("project", project).Str("task", task).Str("file", file).Msg("file deleted")
	return c.JSON(okResponse)
}

// Tags handles GET /api/download/tags/:project.
func (h *Handlers) Tags(c *fiber.Ctx) error {
	_, dir, err := h.projectDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	tags, err := h.records.ProjectTags(dir)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(tags)
}

// FilesByTag handles GET /api/download/files-by-tag/:project/:tag.
func (h *Handlers) FilesByTag(c *fiber.Ctx) error {
	project, dir, err := h.projectDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	tag := tagParam(c)
	files, err := h.records.FilesByTag(dir, tag)
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]taggedFileView, 0, len(files))
	for _, f := range files {
		out = append(out, taggedFileView{
			TaggedFile:   f,
			Tag:          tag,
			DownloadURL:  h.fileLink("download", project, f.Task, f.Name),
			ThumbnailURL: h.fileLink("thumbnail", project, f.Task, f.Name),
		})
	}
	return c.JSON(out)
}

// DownloadByTag handles GET /api/download/download-by-tag/:project/:tag and
// streams a zip of every file carrying the tag.
func (h *Handlers) DownloadByTag(c *fiber.Ctx) error {
	project, dir, err := h.projectDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	tag := tagParam(c)
	files, err := h.records.FilesByTag(dir, tag)
	if err != nil {
		return h.fail(c, err)
	}
	if len(files) == 0 {
		return notFound(c, "No files found with this tag")
	}

	name := archive.FileName(project, tag, time.Now())
	c.Set(fiber.HeaderContentType, "application/zip")
	c.Set(fiber.HeaderContentDisposition, contentDisposition(name))

	log := h.logger.With().Str("project", project).Str("tag", tag).Logger()
	done := h.done
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()

		sum, err := archive.WriteZip(ctx, w, files)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			log.Warn().Err(err).Int("files", sum.Files).Msg("tag archive aborted")
			return
		}
		log.Info().Int("files", sum.Files).Int64("bytes", sum.Bytes).Msg("tag archive sent")
	})
	return nil
}

func fileParams(c *fiber.Ctx) (string, string, string, error) {
	var out [3]string
	for i, key := range []string{"project", "task", "file"} {
		v, err := param(c, key)
		if err != nil {
			return "", "", "", err
		}
		out[i] = v
	}
	return out[0], out[1], out[2], nil
}

func tagParam(c *fiber.Ctx) string {
	raw := c.Params("tag")
	if v, err := url.PathUnescape(raw); err == nil {
		raw = v
	}
	return strings.TrimSpace(raw)
}

func regularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func sendFile(c *fiber.Ctx, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(c, "File not found")
		}
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	// fasthttp closes the stream once the body is written.
	return c.SendStream(f, int(info.Size()))
}

// contentDisposition builds an attachment header with an ASCII fallback name
// and the exact name in RFC 5987 form.
func contentDisposition(name string) string {
	fallback := strings.ReplaceAll(name, `"`, `\"`)
	if !isASCII(name) {
		fallback = "file" + filepath.Ext(name)
		if !isASCII(fallback) {
			fallback = "file"
		}
	}
	return `attachment; filename="` + fallback + `"; filename*=UTF-8''` + rfc5987Escape(name)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func rfc5987Escape(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if attrChar(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func attrChar(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", ch) >= 0
}
