// Package authz decides whether a verified identity may perform a
// request. Role prefixes grant coarse access; CEL policies refine it.
package authz

import (
	"context"
	"errors"
	"net/http"

	"github.com/flowgate-io/flowgate/internal/auth"
)

// ErrForbidden is returned when the identity is authenticated but not
// permitted to perform the request.
var ErrForbidden = errors.New("forbidden")

// Checker authorizes a request for a verified identity.
type Checker interface {
	Check(ctx context.Context, identity *auth.Identity, r *http.Request) error
}

// AllowAll permits every request. Used when authorization is
// disabled.
type AllowAll struct{}

// Check implements Checker.
func (AllowAll) Check(context.Context, *auth.Identity, *http.Request) error {
	return nil
}
