package api

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenParam is the query parameter carrying a signed URL token.
const TokenParam = "token"

// signablePrefixes are the routes a signed URL may grant. They are the
// GET routes a browser loads without custom headers.
var signablePrefixes = []string{
	"/api/files/thumbnail/",
	"/api/files/download/",
	"/api/download/download-by-tag/",
	"/api/changes/stream",
	"/api/psd/thumbnail/",
	"/api/psd/download/",
	legacyThumbnailPrefix + "/",
}

// Signer issues and checks short-lived tokens that authorize a GET of one
// exact path.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

type urlClaims struct {
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// NewSigner returns nil when key is empty, which disables signed URLs.
func NewSigner(key string, ttl time.Duration) *Signer {
	if key == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{key: []byte(key), ttl: ttl, now: time.Now}
}

// Signable reports whether path may carry a signed token.
func Signable(path string) bool {
	for _, p := range signablePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Sign returns a token for path and its expiry.
func (s *Signer) Sign(path string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := urlClaims{
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "designvault",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing url token: %w", err)
	}
	return signed, exp, nil
}

// SignURL appends a token for path to path.
func (s *Signer) SignURL(path string) (string, error) {
	tok, _, err := s.Sign(path)
	if err != nil {
		return "", err
	}
	return path + "?" + TokenParam + "=" + url.QueryEscape(tok), nil
}

// Verify checks that token is valid, unexpired and issued for path.
func (s *Signer) Verify(token, path string) error {
	var claims urlClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	}
	if claims.Path != path {
		return errors.New("token was issued for another path")
	}
	return nil
}
