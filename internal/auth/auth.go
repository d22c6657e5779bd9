// Package auth verifies caller credentials. Two verifiers are
// provided: JWT bearer tokens and static API keys. Both produce an
// Identity consumed by authorization and rate limiting downstream.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Common authentication errors.
var (
	// ErrMissingCredentials is returned when the request carries no
	// usable credential.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrInvalidCredentials is returned when a credential is present
	// but fails verification. Callers must not distinguish why.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is the verified caller identity attached to the request.
type Identity struct {
	// Subject uniquely identifies the caller: the JWT sub claim or
	// the API key name.
	Subject string

	// Method is the credential type that produced this identity.
	Method string // jwt, api_key

	// Roles are the caller's roles for authorization.
	Roles []string

	// Claims holds the full claim set for JWT identities.
	Claims map[string]interface{}
}

// Verifier verifies the credentials on an HTTP request.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (*Identity, error)
}

// BearerToken extracts a bearer token from the Authorization header.
// The empty string means no bearer credential was presented.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
