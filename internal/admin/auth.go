// Package admin provides a JWT-protected, read-only fleet inspection
// surface, deliberately isolated from the HMAC bootstrap/instance flows:
// an admin token never substitutes for a service's own signing key.
// Adapted from the fleet's JWT claims/role middleware, trimmed to the
// "viewer" and "admin" roles, both of which get the same read-only access.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyClaims contextKey = "admin_claims"

// Role is the set of personas recognized by the admin surface.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

// Claims is the identity extracted from a verified admin token.
type Claims struct {
	Subject string
	Role    Role
}

// Verifier checks admin bearer tokens with a single shared HS256 secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier constructs a Verifier. secret must be non-empty: the admin
// surface is disabled by omitting the secret at the call site, not by a
// flag inside this package.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("admin JWT secret must not be empty")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

// Verify parses and validates a bearer token, returning the extracted claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, errors.New("token missing subject")
	}
	role := RoleViewer
	if raw, ok := claims["role"].(string); ok && raw != "" {
		role = Role(raw)
	}
	return &Claims{Subject: subject, Role: role}, nil
}

// FromContext retrieves the authenticated admin claims, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	return claims, ok
}

func withClaims(r *http.Request, claims *Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims))
}
