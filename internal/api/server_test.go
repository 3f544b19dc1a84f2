package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/designvault/internal/changes"
	"github.com/p-blackswan/designvault/internal/health"
	"github.com/p-blackswan/designvault/internal/pathlock"
	"github.com/p-blackswan/designvault/internal/record"
	"github.com/p-blackswan/designvault/internal/store"
	"github.com/p-blackswan/designvault/internal/thumbnail"
	"github.com/p-blackswan/designvault/internal/upload"
)

type rendererFunc func(ctx context.Context, src, dst string) error

func (f rendererFunc) Render(ctx context.Context, src, dst string) error { return f(ctx, src, dst) }

var writeThumb = rendererFunc(func(_ context.Context, src, dst string) error {
	return os.WriteFile(dst, []byte("thumb:"+filepath.Base(src)), 0o644)
})

type fixture struct {
	root    string
	srv     *Server
	app     *fiber.App
	records *record.Store
	hub     *changes.Hub
	ledger  *store.Store
}

type option func(*ServerConfig, *Deps)

func withAuth(key string, signer *Signer) option {
	return func(cfg *ServerConfig, _ *Deps) {
		cfg.AuthConfig = AuthConfig{Mode: AuthAPIKey, APIKey: key}
		cfg.Signer = signer
	}
}

func withRenderer(r thumbnail.Renderer) option {
	return func(_ *ServerConfig, d *Deps) {
		d.Thumbs = thumbnail.NewService(d.Root, r, zerolog.Nop())
	}
}

// testApp creates a server over a fresh data root holding project alpha with
// task logo and one design file.
func testApp(t *testing.T, opts ...option) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "alpha", "logo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "alpha", "logo", "alpha_logo_10.psd"), []byte("8BPS"), 0o644))

	hub := changes.NewHub(root, logger, changes.WithDebounce(20*time.Millisecond))
	t.Cleanup(hub.Close)
	records := record.New(pathlock.New(), logger, record.WithNotifier(hub))
	ledger, err := store.New(filepath.Join(root, upload.TempDir, "uploads.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	checker := health.NewChecker(logger)
	checker.Register("data_root", health.DirWritable(root))
	checker.Register("ledger", health.Ping(ledger))

	deps := Deps{
		Root:    root,
		Records: records,
		Uploads: upload.NewManager(root, ledger, records, logger),
		Thumbs:  thumbnail.NewService(root, writeThumb, logger),
		Hub:     hub,
		Ledger:  ledger,
		Checker: checker,
	}
	cfg := ServerConfig{
		ListenAddr: ":0",
		AuthConfig: AuthConfig{Mode: AuthNone},
		RateLimit:  RateLimitConfig{RPS: 1000, Burst: 1000},
		Heartbeat:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	srv := NewServer(cfg, deps, logger)
	t.Cleanup(srv.Close)
	return &fixture{root: root, srv: srv, app: srv.App(), records: records, hub: hub, ledger: ledger}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_Probes(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = f.do(t, "GET", "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body["checks"], "ledger")
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "GET", "/healthz", nil, "X-Request-ID", "abc-123")
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp = f.do(t, "GET", "/healthz", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_UnknownRouteIsProblem(t *testing.T) {
	f := testApp(t)
	resp := f.do(t, "GET", "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "http_error", decode[ProblemDetail](t, resp).Type)
}

func TestListProjects_CreatesReadmes(t *testing.T) {
	f := testApp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, ".thumbnails"), 0o755))

	resp := f.do(t, "GET", "/api/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projects := decode[[]ProjectView](t, resp)

	require.Len(t, projects, 1)
	p := projects[0]
	assert.Equal(t, "alpha", p.Name)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, 1, p.TaskCount)
	assert.Equal(t, 1, p.TotalFiles)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "pending", p.Tasks[0].Status)
	assert.Equal(t, "logo", p.Tasks[0].Frontmatter["title"])

	assert.FileExists(t, filepath.Join(f.root, "alpha", record.ReadmeName))
	assert.FileExists(t, filepath.Join(f.root, "alpha", "logo", record.ReadmeName))
}

func TestGetProject(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "GET", "/api/projects/alpha", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", decode[ProjectView](t, resp).Name)

	resp = f.do(t, "GET", "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "not_found", problem.Type)
	assert.NotContains(t, problem.Detail, f.root)

	resp = f.do(t, "GET", "/api/projects/.temp", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateProjectSettings(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "PATCH", "/api/projects/alpha/settings", map[string]any{
		"allowedStatuses": []string{"pending", "review", "done"},
		"allowedTags":     []string{"初稿", "定稿"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[ProjectView](t, resp)
	assert.Equal(t, []any{"初稿", "定稿"}, v.Frontmatter["allowedTags"])

	resp = f.do(t, "PATCH", "/api/projects/alpha/settings", map[string]any{
		"allowedStatuses": []string{""},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetStatus(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "PUT", "/api/tasks/alpha/logo/status", map[string]string{"status": "completed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	change := decode[record.StatusChange](t, resp)
	assert.Equal(t, "pending", change.OldStatus)
	assert.Equal(t, "completed", change.NewStatus)
	assert.NotZero(t, change.UpdatedAt)

	resp = f.do(t, "GET", "/api/tasks/alpha/logo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[TaskView](t, resp)
	assert.Equal(t, "completed", task.Status)
	assert.Equal(t, change.UpdatedAt, task.UpdatedAt)
}

func TestSetStatus_Validation(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "PUT", "/api/tasks/alpha/logo/status", map[string]string{"status": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_input", problem.Type)
	assert.Contains(t, problem.Detail, "Status")

	resp = f.do(t, "PUT", "/api/tasks/alpha/missing/status", map[string]string{"status": "done"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileMetadataRoutes(t *testing.T) {
	f := testApp(t)
	dir := filepath.Join(f.root, "alpha", "logo")
	base := "/api/tasks/alpha/logo/files/alpha_logo_10.psd"

	resp := f.do(t, "PUT", base+"/description", map[string]string{"description": "first draft"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "PUT", base+"/tag", map[string]string{"tag": "定稿"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "PUT", "/api/tasks/alpha/logo/default-file", map[string]string{"fileName": "alpha_logo_10.psd"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/tasks/alpha/logo/files", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[[]FileView](t, resp)
	require.Len(t, files, 1)
	assert.Equal(t, "first draft", files[0].Description)
	assert.Equal(t, "定稿", files[0].Tag)
	assert.True(t, files[0].IsDefault)
	assert.Equal(t, 10, files[0].ID)
	assert.Equal(t, "/api/files/download/alpha/logo/alpha_logo_10.psd", files[0].DownloadURL)

	resp = f.do(t, "PUT", base+"/description", map[string]string{"description": "  "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "PUT", base+"/tag", map[string]string{"tag": ""})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := f.records.Read(dir)
	require.NoError(t, err)
	assert.Empty(t, rec.Metadata.StringMap(record.KeyFileDescriptions))
	assert.Empty(t, rec.Metadata.StringMap(record.KeyFileTags))
}

func TestAddComment(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "POST", "/api/tasks/alpha/logo/comments", map[string]string{"title": "review", "text": "make it bigger"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	rec, err := f.records.Read(filepath.Join(f.root, "alpha", "logo"))
	require.NoError(t, err)
	assert.Contains(t, rec.Body, "### review (")
	assert.Contains(t, rec.Body, "make it bigger")

	resp = f.do(t, "POST", "/api/tasks/alpha/logo/comments", map[string]string{"title": "empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplaceReadme(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "PUT", "/api/tasks/alpha/logo/readme", map[string]any{
		"content":     "# logo\n\nrewritten\n",
		"frontmatter": map[string]any{"title": "logo", "status": "review"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := f.records.Read(filepath.Join(f.root, "alpha", "logo"))
	require.NoError(t, err)
	assert.Equal(t, "review", rec.Status)
	assert.Contains(t, rec.Body, "rewritten")

	resp = f.do(t, "PUT", "/api/tasks/alpha/logo/readme", map[string]any{"content": "x", "frontmatter": []string{"a"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func chunkRequest(t *testing.T, path string, fields map[string]string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		fw, err := mw.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req, _ := http.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadChunk_MergesAndNamesFile(t *testing.T) {
	f := testApp(t)
	parts := [][]byte{[]byte("hello "), []byte("world")}

	var last upload.ChunkResult
	for i, p := range parts {
		req := chunkRequest(t, "/api/upload/chunk/alpha/logo", map[string]string{
			"uploadId":    "up-1",
			"chunkIndex":  string(rune('0' + i)),
			"totalChunks": "2",
			"fileName":    "poster.png",
			"fileSize":    "11",
			"tags":        "初稿",
		}, p)
		resp, err := f.app.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		last = decode[upload.ChunkResult](t, resp)
	}

	require.True(t, last.Complete)
	assert.Equal(t, "alpha_logo_11.png", last.FileName)
	assert.Equal(t, 11, last.FileID)
	data, err := os.ReadFile(filepath.Join(f.root, "alpha", "logo", "alpha_logo_11.png"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	resp := f.do(t, "GET", "/api/upload/status/up-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[upload.Status](t, resp)
	assert.True(t, st.Complete)
	assert.Equal(t, 2, st.Total)
}

func TestUploadChunk_Errors(t *testing.T) {
	f := testApp(t)

	req := chunkRequest(t, "/api/upload/chunk/alpha/logo", map[string]string{
		"uploadId": "up-2", "chunkIndex": "0", "totalChunks": "1", "fileName": "a.png",
	}, nil)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req = chunkRequest(t, "/api/upload/chunk/alpha/logo", map[string]string{
		"uploadId": "up-2", "chunkIndex": "3", "totalChunks": "2", "fileName": "a.png",
	}, []byte("x"))
	resp, err = f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, "GET", "/api/upload/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUpload(t *testing.T) {
	f := testApp(t)

	req := chunkRequest(t, "/api/upload/chunk/alpha/logo", map[string]string{
		"uploadId": "up-3", "chunkIndex": "0", "totalChunks": "2", "fileName": "a.png", "fileSize": "2",
	}, []byte("a"))
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "DELETE", "/api/upload/cancel/up-3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "GET", "/api/upload/status/up-3", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, "DELETE", "/api/upload/cancel/up-3", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestThumbnail(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "GET", "/api/files/thumbnail/alpha/logo/alpha_logo_10.psd", nil, "Accept", "image/webp,*/*")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Equal(t, "rendered", resp.Header.Get("X-Thumbnail-Source"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "thumb:alpha_logo_10.psd", string(body))

	resp = f.do(t, "GET", "/api/files/thumbnail/alpha/logo/alpha_logo_10.psd", nil, "Accept", "image/webp")
	assert.Equal(t, "cache", resp.Header.Get("X-Thumbnail-Source"))

	resp = f.do(t, "GET", "/api/files/thumbnail/alpha/logo/missing.psd", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestThumbnail_PlaceholderOnRendererFailure(t *testing.T) {
	f := testApp(t, withRenderer(rendererFunc(func(context.Context, string, string) error {
		return errors.New("no delegate for this image format")
	})))

	resp := f.do(t, "GET", "/api/files/thumbnail/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "placeholder", resp.Header.Get("X-Thumbnail-Source"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestDownload(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "GET", "/api/files/download/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="alpha_logo_10.psd"; filename*=UTF-8''alpha_logo_10.psd`, resp.Header.Get("Content-Disposition"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "8BPS", string(body))
}

func TestDownload_UnicodeNormalizationFallback(t *testing.T) {
	f := testApp(t)
	decomposed := "cafe\u0301.png"
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "alpha", "logo", decomposed), []byte("png"), 0o644))

	resp := f.do(t, "GET", "/api/files/download/alpha/logo/caf%C3%A9.png", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	disposition := resp.Header.Get("Content-Disposition")
	assert.Contains(t, disposition, `filename="file.png"`)
	assert.Contains(t, disposition, "filename*=UTF-8''cafe%CC%81.png")
}

func TestDownload_RejectsTraversal(t *testing.T) {
	f := testApp(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "secret.txt"), []byte("s"), 0o644))

	for _, p := range []string{
		"/api/files/download/alpha/logo/..%2F..%2Fsecret.txt",
		"/api/files/download/alpha/logo/%2E%2E",
		"/api/files/download/alpha/..%5C..%5C/secret.txt",
	} {
		resp := f.do(t, "GET", p, nil)
		assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, resp.StatusCode, p)
		assert.NotEqual(t, "s", readAll(resp), p)
	}
}

func readAll(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestDeleteFile(t *testing.T) {
	f := testApp(t)
	dir := filepath.Join(f.root, "alpha", "logo")

	resp := f.do(t, "PUT", "/api/tasks/alpha/logo/files/alpha_logo_10.psd/tag", map[string]string{"tag": "定稿"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "GET", "/api/files/thumbnail/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	thumb := filepath.Join(f.root, thumbnail.Dir, "alpha", "logo", "alpha_logo_10.png")
	require.FileExists(t, thumb)

	resp = f.do(t, "DELETE", "/api/files/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoFileExists(t, filepath.Join(dir, "alpha_logo_10.psd"))
	assert.NoFileExists(t, thumb)
	rec, err := f.records.Read(dir)
	require.NoError(t, err)
	assert.Empty(t, rec.Metadata.StringMap(record.KeyFileTags))

	resp = f.do(t, "DELETE", "/api/files/alpha/logo/alpha_logo_10.psd", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLegacyRoutes(t *testing.T) {
	f := testApp(t)
	dir := filepath.Join(f.root, "alpha", "logo")

	resp := f.do(t, "PUT", "/api/tasks/alpha/logo/psd/alpha_logo_10.psd/description", map[string]string{"description": "first draft"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec, err := f.records.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "first draft", rec.Metadata.StringMap(record.KeyFileDescriptions)["alpha_logo_10.psd"])

	resp = f.do(t, "GET", "/api/psd/thumbnail/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "thumb:alpha_logo_10.psd", readAll(resp))

	resp = f.do(t, "GET", "/thumbnails/alpha/logo/alpha_logo_10.png", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "thumb:alpha_logo_10.psd", readAll(resp))

	resp = f.do(t, "GET", "/thumbnails/%2E%2E/alpha/logo/alpha_logo_10.psd", nil)
	assert.NotEqual(t, "8BPS", readAll(resp))

	resp = f.do(t, "GET", "/api/psd/download/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "8BPS", readAll(resp))

	resp = f.do(t, "DELETE", "/api/psd/alpha/logo/alpha_logo_10.psd", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoFileExists(t, filepath.Join(dir, "alpha_logo_10.psd"))
}

func TestTagRoutes(t *testing.T) {
	f := testApp(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "alpha", "icon"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "alpha", "icon", "alpha_icon_10.png"), []byte("icon"), 0o644))

	for _, p := range []string{
		"/api/tasks/alpha/logo/files/alpha_logo_10.psd/tag",
		"/api/tasks/alpha/icon/files/alpha_icon_10.png/tag",
	} {
		resp := f.do(t, "PUT", p, map[string]string{"tag": "final"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := f.do(t, "GET", "/api/download/tags/alpha", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"final"}, decode[[]string](t, resp))

	resp = f.do(t, "GET", "/api/download/files-by-tag/alpha/final", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[[]taggedFileView](t, resp)
	require.Len(t, files, 2)
	assert.Equal(t, "icon", files[0].Task)
	assert.Equal(t, "final", files[0].Tag)

	resp = f.do(t, "GET", "/api/download/download-by-tag/alpha/final", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), `attachment; filename="alpha_final_`))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	assert.Equal(t, []string{"icon/alpha_icon_10.png", "logo/alpha_logo_10.psd"}, names)

	resp = f.do(t, "GET", "/api/download/download-by-tag/alpha/unused", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuth_APIKey(t *testing.T) {
	f := testApp(t, withAuth("secret", nil))

	resp := f.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/projects", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_auth", decode[ProblemDetail](t, resp).Type)

	resp = f.do(t, "GET", "/api/projects", nil, "Authorization", "Basic secret")
	assert.Equal(t, "invalid_auth_scheme", decode[ProblemDetail](t, resp).Type)

	resp = f.do(t, "GET", "/api/projects", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)

	resp = f.do(t, "GET", "/api/projects", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/projects", nil, "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, "GET", "/api/projects", nil, "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestAuth_SignedLinks(t *testing.T) {
	signer := NewSigner("signing-key", time.Minute)
	f := testApp(t, withAuth("secret", signer))

	resp := f.do(t, "GET", "/api/tasks/alpha/logo/files", nil, "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[[]FileView](t, resp)
	require.Len(t, files, 1)
	require.Contains(t, files[0].ThumbnailURL, "?token=")

	resp = f.do(t, "GET", files[0].ThumbnailURL, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a token only opens the path it was issued for
	tok := files[0].ThumbnailURL[strings.Index(files[0].ThumbnailURL, "?"):]
	resp = f.do(t, "GET", "/api/files/download/alpha/logo/alpha_logo_10.psd"+tok, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = f.do(t, "DELETE", "/api/files/alpha/logo/alpha_logo_10.psd"+tok, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignEndpoint(t *testing.T) {
	f := testApp(t, withAuth("secret", NewSigner("signing-key", time.Minute)))

	resp := f.do(t, "POST", "/api/sign", map[string]string{"path": "/api/changes/stream"}, "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	signed := decode[signResponse](t, resp)
	assert.True(t, strings.HasPrefix(signed.URL, "/api/changes/stream?token="))
	assert.Greater(t, signed.ExpiresAt, time.Now().UnixMilli())

	resp = f.do(t, "POST", "/api/sign", map[string]string{"path": "/api/projects"}, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := testApp(t, func(cfg *ServerConfig, _ *Deps) { cfg.RateLimit = RateLimitConfig{RPS: 1, Burst: 2} })

	var last *http.Response
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		last = f.do(t, "GET", "/api/projects", nil)
		codes = append(codes, last.StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "1", last.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/healthz", nil).StatusCode)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, "1", retryAfter(10*time.Millisecond))
	assert.Equal(t, "1", retryAfter(time.Second))
	assert.Equal(t, "3", retryAfter(2100*time.Millisecond))
}

func TestAuditAndJobs(t *testing.T) {
	f := testApp(t)

	resp := f.do(t, "PUT", "/api/tasks/alpha/logo/status", map[string]string{"status": "done"}, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.do(t, "GET", "/api/projects", nil)

	resp = f.do(t, "GET", "/api/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]store.AuditEntry](t, resp)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-42", entries[0].RequestID)
	assert.Equal(t, "PUT", entries[0].Method)
	assert.Equal(t, http.StatusOK, entries[0].Status)

	require.NoError(t, f.ledger.SaveJob(context.Background(), &store.Job{
		ID: "job-1", Kind: "thumbnail.pregenerate", Payload: `{"file":"a.psd"}`, Status: "completed",
	}))
	resp = f.do(t, "GET", "/api/jobs?kind=thumbnail.pregenerate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decode[[]jobView](t, resp)
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"file":"a.psd"}`, string(jobs[0].Payload))

	resp = f.do(t, "GET", "/api/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, "GET", "/api/jobs/none", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="a \"b\".zip"; filename*=UTF-8''a%20%22b%22.zip`, contentDisposition(`a "b".zip`))
	assert.Equal(t, `attachment; filename="file.psd"; filename*=UTF-8''%E5%B0%81%E9%9D%A2.psd`, contentDisposition("封面.psd"))
	assert.Equal(t, `attachment; filename="file"; filename*=UTF-8''a.%E5%9B%BE`, contentDisposition("a.图"))
}

func TestSigner(t *testing.T) {
	assert.Nil(t, NewSigner("", time.Minute))

	s := NewSigner("k", time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	tok, exp, err := s.Sign("/api/files/download/a/b/c.psd")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Minute), exp, time.Second)
	assert.NoError(t, s.Verify(tok, "/api/files/download/a/b/c.psd"))
	assert.Error(t, s.Verify(tok, "/api/files/download/a/b/d.psd"))
	assert.Error(t, NewSigner("other", time.Minute).Verify(tok, "/api/files/download/a/b/c.psd"))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.Error(t, s.Verify(tok, "/api/files/download/a/b/c.psd"))
}

func TestSignable(t *testing.T) {
	for _, p := range []string{
		"/api/files/thumbnail/a/b/c.psd",
		"/api/psd/download/a/b/c.psd",
		"/thumbnails/a/b/c.png",
		"/api/changes/stream",
	} {
		assert.True(t, Signable(p), p)
	}
	for _, p := range []string{"/api/projects", "/api/psd/a/b/c.psd", "/thumbnailsx/a.png"} {
		assert.False(t, Signable(p), p)
	}
}
