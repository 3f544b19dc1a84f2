package api

import (
	"encoding/json"
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/designvault/internal/health"
	"github.com/p-blackswan/designvault/internal/jobs"
	"github.com/p-blackswan/designvault/internal/store"
)

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(health.Report{Status: health.Ready, Checks: map[string]health.Status{}})
	}
	rep := h.checker.Run(c.UserContext())
	if !rep.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(rep)
	}
	return c.JSON(rep)
}

// SignURL handles POST /api/sign and returns a URL for path that a browser
// can load without the Authorization header.
func (h *Handlers) SignURL(c *fiber.Ctx) error {
	if h.signer == nil {
		return unavailable(c, "URL signing")
	}
	var req signRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	u, err := url.Parse(req.Path)
	if err != nil || u.RawQuery != "" || u.Host != "" || !Signable(u.EscapedPath()) {
		return badRequest(c, "path cannot be signed")
	}
	path := u.EscapedPath()
	tok, exp, err := h.signer.Sign(path)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(signResponse{
		URL:       path + "?" + TokenParam + "=" + url.QueryEscape(tok),
		ExpiresAt: exp.UnixMilli(),
	})
}

// ListJobs handles GET /api/jobs with optional kind, status and limit
// query parameters.
func (h *Handlers) ListJobs(c *fiber.Ctx) error {
	if h.ledger == nil {
		return unavailable(c, "job ledger")
	}
	list, err := h.ledger.ListJobs(c.UserContext(), store.JobFilter{
		Kind:   c.Query("kind"),
		Status: c.Query("status"),
		Limit:  c.QueryInt("limit", 50),
	})
	if err != nil {
		return h.fail(c, err)
	}
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, storedJobView(j))
	}
	return c.JSON(out)
}

// GetJob handles GET /api/jobs/:id. Live jobs come from the engine, finished
// ones from the ledger.
func (h *Handlers) GetJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if h.jobs != nil {
		if j, ok := h.jobs.Get(id); ok {
			snap := j.Snapshot()
			return c.JSON(liveJobView(&snap))
		}
	}
	if h.ledger == nil {
		return notFound(c, "Job not found")
	}
	j, err := h.ledger.GetJob(c.UserContext(), id)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Job not found")
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(storedJobView(*j))
}

// RecentAudit handles GET /api/audit.
func (h *Handlers) RecentAudit(c *fiber.Ctx) error {
	if h.ledger == nil {
		return unavailable(c, "audit log")
	}
	entries, err := h.ledger.RecentAudit(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(entries)
}

func storedJobView(j store.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Attempts:    j.Attempts,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
	if json.Valid([]byte(j.Payload)) {
		v.Payload = json.RawMessage(j.Payload)
	}
	return v
}

func liveJobView(j *jobs.Job) jobView {
	v := jobView{
		ID:        j.ID,
		Kind:      j.Kind,
		Status:    string(j.Status),
		Payload:   j.Payload,
		Attempts:  j.Attempts,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.UnixMilli(),
	}
	if j.CompletedAt != nil {
		v.CompletedAt = j.CompletedAt.UnixMilli()
	}
	return v
}
