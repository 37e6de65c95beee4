// Package security handles credentials for outbound calls to tracking services.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the configured tracking token has expired.
var ErrTokenExpired = errors.New("tracking token expired")

// TokenSource supplies the Authorization header value for tracking requests.
// Hosted tracking servers issue JWT bearer tokens; TokenSource inspects the exp
// claim (without verifying the signature, which only the server can do) so an
// expired token fails fast instead of producing a wall of 401s mid-study.
// Opaque non-JWT tokens are passed through untouched.
type TokenSource struct {
	token     string
	expiresAt *time.Time
	now       func() time.Time
}

// NewTokenSource returns a TokenSource for the given token. An empty token is
// valid and yields no Authorization header.
func NewTokenSource(token string) *TokenSource {
	s := &TokenSource{token: token, now: time.Now}
	if token == "" {
		return s
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil {
		if claims.ExpiresAt != nil {
			t := claims.ExpiresAt.Time
			s.expiresAt = &t
		}
	}
	return s
}

// Authorization returns the "Bearer <token>" header value, or "" for an empty
// token. Returns ErrTokenExpired when a JWT token's exp claim has passed.
func (s *TokenSource) Authorization() (string, error) {
	if s == nil || s.token == "" {
		return "", nil
	}
	if s.expiresAt != nil && !s.now().Before(*s.expiresAt) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, s.expiresAt.UTC().Format(time.RFC3339))
	}
	return "Bearer " + s.token, nil
}
