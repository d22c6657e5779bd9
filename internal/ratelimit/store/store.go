// Package store provides storage backends for rate limiting state.
package store

import (
	"context"
	"errors"
	"time"
)

// Store defines the interface for rate limit storage. Implementations
// return errors only for infrastructure failures; a missing key is
// reported with ErrKeyNotFound.
type Store interface {
	// Get retrieves the value for the given key.
	Get(ctx context.Context, key string) (int64, error)

	// Set sets the value for the given key with an expiration.
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// IncrementWithExpiry atomically increments the value and sets the
	// expiration when the key is created by the increment.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// TakeTokens atomically refills a token bucket and, when consume is
	// set and a whole token is available, takes one. The refill and the
	// decrement happen as a single store operation: concurrent callers
	// never decrement from the same pre-refill count. Token quantities
	// are in millitokens (one token = 1000). It returns the post-call
	// count and whether a token was taken.
	TakeTokens(ctx context.Context, key string, ratePerSec float64, burst int64, consume bool, expiration time.Duration) (int64, bool, error)

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// Close closes the store and releases resources.
	Close() error
}

// ErrStoreUnavailable indicates the backing store cannot be reached.
// Callers treat it as an infrastructure error, not an admission verdict.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}

// IsStoreUnavailable returns true if the error indicates the store
// cannot be reached.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
