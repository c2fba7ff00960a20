package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errMissingToken = errors.New("missing bearer token")

// tokenGuard verifies HS256 bearer tokens for admin routes.
type tokenGuard struct {
	secret []byte
}

// newTokenGuard returns nil when secret is empty, leaving admin routes open.
func newTokenGuard(secret string) *tokenGuard {
	if secret == "" {
		return nil
	}
	return &tokenGuard{secret: []byte(secret)}
}

func (g *tokenGuard) verify(header string) error {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return errMissingToken
	}
	_, err := jwt.Parse(strings.TrimSpace(raw), func(*jwt.Token) (any, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	return nil
}

// admin wraps an admin route with the token guard, if one is configured.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	if s.guard == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.guard.verify(r.Header.Get("Authorization")); err != nil {
			s.logger.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="ridecast"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// NewAdminToken signs an HS256 token for the admin routes, valid for ttl.
func NewAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}
