package api

import (
	"bufio"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/designvault/internal/changes"
	"github.com/p-blackswan/designvault/internal/requestid"
)

// ChangeStream handles GET /api/changes/stream. Each settled README change
// is sent as a "readme" event; a comment line keeps idle connections open.
func (h *Handlers) ChangeStream(c *fiber.Ctx) error {
	if h.hub == nil {
		return unavailable(c, "change stream")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	sub := h.hub.Subscribe()
	done := h.done
	heartbeat := h.heartbeat
	log := requestid.Logger(c.UserContext(), h.logger)
	log.Debug().Int("subscribers", h.hub.SubscriberCount()).Msg("change stream opened")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		if err := changes.WriteSSEComment(w, "connected"); err != nil {
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := changes.WriteSSE(w, ev); err != nil {
					log.Debug().Err(err).Msg("change stream closed by client")
					return
				}
			case <-ticker.C:
				// A failed write is how a vanished client is noticed.
				if err := changes.WriteSSEComment(w, "ping"); err != nil {
					log.Debug().Err(err).Msg("change stream closed by client")
					return
				}
			}
		}
	})
	return nil
}
