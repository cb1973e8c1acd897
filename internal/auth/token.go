package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token attached to backend requests
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource returns a fixed token (from config/env)
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a token source around a fixed bearer token
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token implements TokenSource
func (s *StaticTokenSource) Token() (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("no bearer token configured")
	}
	return s.token, nil
}

// Roles that may see debug bundles. The bundle is always stored; this gates
// display only (see transcript accumulator).
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Claims is the subset of the bearer token's claims the client cares about.
// The token is NOT verified here - signature verification is the backend's
// job. The client only inspects its own token to drive display decisions and
// early expiry warnings.
type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

// InspectClaims decodes the claims of a JWT without verifying its signature
func InspectClaims(raw string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parse bearer token: %w", err)
	}

	out := &Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if role, ok := claims["role"].(string); ok {
		out.Role = role
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	return out, nil
}

// CanViewDebug reports whether this token's role may see debug bundles
func (c *Claims) CanViewDebug() bool {
	return c.Role == RoleAdmin || c.Role == RoleEditor
}

// ExpiresWithin reports whether the token expires inside the given window.
// Tokens without an exp claim never report expiry.
func (c *Claims) ExpiresWithin(d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) < d
}
