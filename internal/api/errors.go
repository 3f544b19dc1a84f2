package api

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/jobs"
)

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

func badRequest(c *fiber.Ctx, detail string) error {
	return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", detail)
}

func notFound(c *fiber.Ctx, detail string) error {
	return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", detail)
}

// fail maps a domain error onto a problem response.
func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	p := ProblemDetail{Instance: c.Path(), Detail: h.scrub(err.Error())}

	switch {
	case errors.Is(err, perrors.ErrInvalidInput):
		p.Status, p.Type, p.Title = fiber.StatusBadRequest, "invalid_input", "Bad Request"
	case errors.Is(err, perrors.ErrNotFound):
		p.Status, p.Type, p.Title = fiber.StatusNotFound, "not_found", "Not Found"
	case errors.Is(err, perrors.ErrVerificationFailed):
		p.Status, p.Type, p.Title = fiber.StatusServiceUnavailable, "verification_failed", "Service Unavailable"
		p.Retryable = true
	case errors.Is(err, jobs.ErrQueueFull):
		p.Status, p.Type, p.Title = fiber.StatusServiceUnavailable, "queue_full", "Service Unavailable"
		p.Retryable = true
	case errors.Is(err, perrors.ErrUpstream):
		p.Status, p.Type, p.Title = fiber.StatusBadGateway, "upstream_error", "Bad Gateway"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, perrors.ErrTimeout):
		p.Status, p.Type, p.Title = fiber.StatusGatewayTimeout, "timeout", "Gateway Timeout"
		p.Retryable = true
	default:
		p.Status, p.Type, p.Title = fiber.StatusInternalServerError, "internal_error", "Internal Server Error"
		p.Detail = "An internal error occurred"
	}

	if p.Status >= fiber.StatusInternalServerError {
		h.logger.Error().Err(err).
			Int("status", p.Status).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("request_id", requestID(c)).
			Msg("request failed")
	}
	if h.metrics != nil {
		h.metrics.RecordError("api", p.Type)
	}
	return c.Status(p.Status).JSON(p)
}

// scrub removes the data root from error text so responses only name paths
// relative to it.
func (h *Handlers) scrub(s string) string {
	if h.root == "" || h.root == "." {
		return s
	}
	s = strings.ReplaceAll(s, h.root+string(filepath.Separator), "")
	return strings.ReplaceAll(s, h.root, "")
}

func customErrorHandler(h *Handlers) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			title := "Error"
			switch fe.Code {
			case fiber.StatusNotFound:
				title = "Not Found"
			case fiber.StatusMethodNotAllowed:
				title = "Method Not Allowed"
			case fiber.StatusRequestEntityTooLarge:
				title = "Request Entity Too Large"
			case fiber.StatusBadRequest:
				title = "Bad Request"
			}
			if fe.Code >= fiber.StatusInternalServerError {
				h.logger.Error().Err(err).Int("status", fe.Code).Str("path", c.Path()).Msg("unhandled error")
			}
			return problemResponse(c, fe.Code, "http_error", title, fe.Message)
		}
		return h.fail(c, err)
	}
}
