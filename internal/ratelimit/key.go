package ratelimit

import (
	"net/http"
	"strings"
)

// AnonymousIdentifier is the identifier used when neither an
// authenticated subject nor a client address is available.
const AnonymousIdentifier = "anonymous"

// IdentityFunc extracts the rate-limit identity from an HTTP request.
type IdentityFunc func(r *http.Request, subject string) Identity

// SubjectOrClientIP keys on the authenticated subject when present,
// then the client address, then the anonymous identifier; the route
// path is the resource.
func SubjectOrClientIP(r *http.Request, subject string) Identity {
	identifier := subject
	if identifier == "" {
		identifier = ClientIP(r)
	}
	if identifier == "" {
		identifier = AnonymousIdentifier
	}
	return Identity{Identifier: identifier, Resource: r.URL.Path}
}

// ClientIP extracts the client IP from the request, honoring the
// usual proxy headers before falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimPrefix(ip, "[")
	return strings.TrimSuffix(ip, "]")
}
