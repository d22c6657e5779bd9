// Package ratelimit provides per-identifier admission control for the
// gateway. Three algorithms (token bucket, sliding window, fixed
// window) share one contract so the request pipeline stays
// algorithm-agnostic.
package ratelimit

import (
	"context"
	"time"
)

// Identity is the key an admission decision is scoped to: who is
// asking (subject, client address, or API key) and for what resource
// (the route path).
type Identity struct {
	Identifier string
	Resource   string
}

// Key returns the storage key for the identity.
func (id Identity) Key() string {
	return id.Identifier + "|" + id.Resource
}

// Decision is the immutable result of one admission check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is when the current window state resets.
	ResetAt time.Time

	// RetryAfter is how long to wait before retrying, set on deny.
	RetryAfter time.Duration
}

// Usage reports the current consumption for an identity.
type Usage struct {
	Used      int
	Limit     int
	Remaining int
}

// Limiter is the shared contract implemented by all three algorithms.
// Implementations return an error only when the backing store fails;
// a deny is a normal Decision, never an error.
type Limiter interface {
	// Check evaluates the identity without consuming capacity.
	Check(ctx context.Context, id Identity) (*Decision, error)

	// Consume atomically re-evaluates and, when allowed, takes one
	// unit of capacity. Decision.Allowed reports consume success.
	Consume(ctx context.Context, id Identity) (*Decision, error)

	// Reset clears all state for the identity. A Check immediately
	// after Reset behaves as for a brand-new identity.
	Reset(ctx context.Context, id Identity) error

	// Usage returns current consumption for the identity.
	Usage(ctx context.Context, id Identity) (*Usage, error)

	// Close releases background resources.
	Close() error
}

// Algorithm selects the rate limiting algorithm.
type Algorithm string

const (
	// AlgorithmTokenBucket refills capacity continuously and permits
	// bursts up to the bucket size.
	AlgorithmTokenBucket Algorithm = "token_bucket"

	// AlgorithmSlidingWindow enforces an exact trailing-window bound
	// at the cost of per-identity timestamp storage.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmFixedWindow counts per boundary-aligned window; up to
	// 2x limit can be admitted across one boundary crossing.
	AlgorithmFixedWindow Algorithm = "fixed_window"
)

// Config holds configuration shared by the limiter constructors.
type Config struct {
	// Algorithm is the rate limiting algorithm to use.
	Algorithm Algorithm

	// Limit is the maximum number of requests allowed per window.
	Limit int

	// Window is the time window for the rate limit.
	Window time.Duration

	// Burst is the bucket capacity for the token bucket algorithm.
	Burst int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: AlgorithmTokenBucket,
		Limit:     100,
		Window:    time.Minute,
		Burst:     10,
	}
}

// NoopLimiter is a limiter that always allows requests.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never denies.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Check implements Limiter.
func (l *NoopLimiter) Check(ctx context.Context, id Identity) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}

// Consume implements Limiter.
func (l *NoopLimiter) Consume(ctx context.Context, id Identity) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(ctx context.Context, id Identity) error {
	return nil
}

// Usage implements Limiter.
func (l *NoopLimiter) Usage(ctx context.Context, id Identity) (*Usage, error) {
	return &Usage{}, nil
}

// Close implements Limiter.
func (l *NoopLimiter) Close() error {
	return nil
}
