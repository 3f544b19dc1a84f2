// Package requestid carries the per-request correlation ID from the HTTP edge
// into the record store and its logs.
package requestid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header carries the request ID on requests and responses.
const Header = "X-Request-ID"

// LogField is the log key for request IDs.
const LogField = "request_id"

const maxLen = 128

type ctxKey struct{}

// WithRequestID returns ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Logger returns logger annotated with ctx's request ID. Without one the
// logger is returned unchanged; background work has no request to name.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id, ok := FromContext(ctx); ok {
		return logger.With().Str(LogField, id).Logger()
	}
	return logger
}

// Accept returns incoming when it is a usable client-supplied ID, otherwise a
// fresh UUID. Usable IDs are at most 128 bytes of printable ASCII without
// spaces, so they cannot break log lines or headers.
func Accept(incoming string) string {
	if incoming == "" || len(incoming) > maxLen {
		return uuid.NewString()
	}
	for i := 0; i < len(incoming); i++ {
		if c := incoming[i]; c <= ' ' || c > '~' {
			return uuid.NewString()
		}
	}
	return incoming
}
