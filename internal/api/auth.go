package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
)

// APIKeyHeader is accepted in place of "Authorization: Bearer".
const APIKeyHeader = "X-API-Key"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string // AuthNone or AuthAPIKey
	APIKey string
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type authFailure struct {
	typ, detail string
}

var (
	errMissingAuth  = &authFailure{"missing_auth", "Authorization header is required"}
	errAuthScheme   = &authFailure{"invalid_auth_scheme", "Authorization header must use Bearer scheme"}
	errBadKey       = &authFailure{"invalid_api_key", "Invalid API key"}
	errInvalidToken = &authFailure{"invalid_token", "Signed URL is invalid or expired"}
)

// presentedKey returns the key sent with the request, from the Bearer
// Authorization header or X-API-Key.
func presentedKey(c *fiber.Ctx) (string, *authFailure) {
	if k := c.Get(APIKeyHeader); k != "" {
		return k, nil
	}
	h := c.Get(fiber.HeaderAuthorization)
	if h == "" {
		return "", errMissingAuth
	}
	scheme, key, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || key == "" {
		return "", errAuthScheme
	}
	return key, nil
}

// NewAuthMiddleware guards every route except the probes. In api-key mode a
// request needs the configured key; a GET may instead carry a signed token
// issued for its own path, which is how <img> tags and EventSource reach
// protected routes.
func NewAuthMiddleware(cfg AuthConfig, signer *Signer, logger zerolog.Logger) fiber.Handler {
	want := []byte(cfg.APIKey)
	reject := func(c *fiber.Ctx, f *authFailure) error {
		c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="designvault"`)
		return problemResponse(c, fiber.StatusUnauthorized, f.typ, "Unauthorized", f.detail)
	}

	return func(c *fiber.Ctx) error {
		if cfg.Mode == AuthNone || isProbe(c.Path()) || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		if tok := c.Query(TokenParam); tok != "" && signer != nil && c.Method() == fiber.MethodGet {
			if err := signer.Verify(tok, c.Path()); err != nil {
				logger.Debug().Err(err).Str("path", c.Path()).Msg("rejected signed url")
				return reject(c, errInvalidToken)
			}
			return c.Next()
		}

		key, fail := presentedKey(c)
		if fail != nil {
			return reject(c, fail)
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			logger.Warn().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("ip", c.IP()).
				Msg("unauthorized request: invalid API key")
			return reject(c, errBadKey)
		}
		return c.Next()
	}
}
