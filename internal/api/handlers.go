package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/designvault/internal/changes"
	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/health"
	"github.com/p-blackswan/designvault/internal/jobs"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/record"
	"github.com/p-blackswan/designvault/internal/store"
	"github.com/p-blackswan/designvault/internal/thumbnail"
	"github.com/p-blackswan/designvault/internal/upload"
)

// DefaultHeartbeat is the change stream keep-alive interval.
const DefaultHeartbeat = 25 * time.Second

// Deps are the services the handlers call into. Ledger, Jobs, Hub and
// Metrics may be nil; the routes that need them then answer 503.
type Deps struct {
	Root    string
	Records *record.Store
	Uploads *upload.Manager
	Thumbs  *thumbnail.Service
	Hub     *changes.Hub
	Ledger  *store.Store
	Jobs    *jobs.Engine
	Checker *health.Checker
	Metrics *metrics.Metrics
}

// Handlers holds the route handlers.
type Handlers struct {
	root      string
	records   *record.Store
	uploads   *upload.Manager
	thumbs    *thumbnail.Service
	hub       *changes.Hub
	ledger    *store.Store
	jobs      *jobs.Engine
	checker   *health.Checker
	metrics   *metrics.Metrics
	signer    *Signer
	signLinks bool
	heartbeat time.Duration
	validate  *validator.Validate
	logger    zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandlers creates the route handlers.
func NewHandlers(deps Deps, cfg ServerConfig, logger zerolog.Logger) *Handlers {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeat
	}
	return &Handlers{
		root:      filepath.Clean(deps.Root),
		records:   deps.Records,
		uploads:   deps.Uploads,
		thumbs:    deps.Thumbs,
		hub:       deps.Hub,
		ledger:    deps.Ledger,
		jobs:      deps.Jobs,
		checker:   deps.Checker,
		metrics:   deps.Metrics,
		signer:    cfg.Signer,
		signLinks: cfg.Signer != nil && cfg.AuthConfig.Mode != AuthNone,
		heartbeat: hb,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With().Str("component", "api").Logger(),
		done:      make(chan struct{}),
	}
}

func (h *Handlers) closeStreams() {
	h.closeOnce.Do(func() { close(h.done) })
}

// --- request helpers ---

// param returns a decoded path segment naming a project, task or file.
// Hidden names and anything that could leave its directory are rejected.
func param(c *fiber.Ctx, key string) (string, error) {
	raw := c.Params(key)
	v, err := url.PathUnescape(raw)
	if err != nil {
		v = raw
	}
	if v == "" || v == "." || v == ".." || strings.HasPrefix(v, ".") ||
		strings.ContainsAny(v, "/\\\x00") {
		return "", perrors.Wrap(perrors.ErrInvalidInput, "params", key, fmt.Errorf("invalid %s %q", key, v))
	}
	return v, nil
}

// bind parses the JSON body into dst and validates it.
func (h *Handlers) bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return perrors.Wrap(perrors.ErrInvalidInput, "bind", c.Path(), err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return perrors.Wrap(perrors.ErrInvalidInput, "validate", c.Path(), validationMessage(err))
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// projectDir resolves and checks the :project parameter.
func (h *Handlers) projectDir(c *fiber.Ctx) (string, string, error) {
	project, err := param(c, "project")
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(h.root, project)
	found, err := isDir(dir)
	if err != nil {
		return "", "", perrors.Wrap(perrors.ErrIO, "stat", project, err)
	}
	if !found {
		return "", "", perrors.Wrap(perrors.ErrNotFound, "project", project, nil)
	}
	return project, dir, nil
}

// taskDir resolves and checks the :project and :task parameters.
func (h *Handlers) taskDir(c *fiber.Ctx) (string, string, string, error) {
	project, _, err := h.projectDir(c)
	if err != nil {
		return "", "", "", err
	}
	task, err := param(c, "task")
	if err != nil {
		return "", "", "", err
	}
	dir := filepath.Join(h.root, project, task)
	found, err := isDir(dir)
	if err != nil {
		return "", "", "", perrors.Wrap(perrors.ErrIO, "stat", project+"/"+task, err)
	}
	if !found {
		return "", "", "", perrors.Wrap(perrors.ErrNotFound, "task", project+"/"+task, nil)
	}
	return project, task, dir, nil
}

// writableTask is taskDir plus a README, created from the template when
// missing, so mutations always have a document to work on.
func (h *Handlers) writableTask(c *fiber.Ctx) (string, error) {
	_, task, dir, err := h.taskDir(c)
	if err != nil {
		return "", err
	}
	if _, err := h.records.EnsureExists(c.UserContext(), dir, task, record.KindTask); err != nil {
		return "", err
	}
	return dir, nil
}

// fileLink builds a thumbnail or download URL, signed when the API needs
// auth so browsers can load it directly.
func (h *Handlers) fileLink(kind, project, task, file string) string {
	path := "/api/files/" + kind + "/" + url.PathEscape(project) + "/" + url.PathEscape(task) + "/" + url.PathEscape(file)
	if !h.signLinks {
		return path
	}
	signed, err := h.signer.SignURL(path)
	if err != nil {
		h.logger.Warn().Err(err).Str("path", path).Msg("could not sign url")
		return path
	}
	return signed
}

func (h *Handlers) fileViews(project, task string, files []record.DesignFile) []FileView {
	out := make([]FileView, 0, len(files))
	for _, f := range files {
		out = append(out, FileView{
			DesignFile:   f,
			DownloadURL:  h.fileLink("download", project, task, f.Name),
			ThumbnailURL: h.fileLink("thumbnail", project, task, f.Name),
		})
	}
	return out
}

func (h *Handlers) observe(c *fiber.Ctx, status int, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	route := "unmatched"
	if r := c.Route(); r != nil && r.Path != "" && r.Path != "/" {
		route = r.Path
	}
	h.metrics.RecordRequest(route, statusLabel(status))
	h.metrics.ObserveDuration(route, elapsed.Seconds())
}

func (h *Handlers) audit(c *fiber.Ctx, status int, elapsed time.Duration) {
	if h.ledger == nil {
		return
	}
	entry := store.AuditEntry{
		RequestID:  requestID(c),
		Method:     c.Method(),
		Path:       c.Path(),
		Status:     status,
		RemoteIP:   c.IP(),
		DurationMs: elapsed.Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ledger.AppendAudit(ctx, entry); err != nil {
		h.logger.Warn().Err(err).Str("path", entry.Path).Msg("failed to write audit entry")
	}
}

func unavailable(c *fiber.Ctx, what string) error {
	return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", what+" is not configured")
}
