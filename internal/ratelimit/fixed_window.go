package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window algorithm. Windows are
// aligned to epoch boundaries, so window_start snaps to the boundary
// rather than to the time of first use. Up to 2x the limit can be
// admitted across one boundary crossing; that is the algorithm's
// defined behavior, not a defect.
type FixedWindowLimiter struct {
	store  store.Store
	limit  int
	window time.Duration
	logger *zap.Logger

	counters sync.Map
}

// windowCounter is the per-identity counter for the current window.
type windowCounter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// NewFixedWindowLimiter creates a fixed window limiter. With a nil
// store all state is kept in process memory.
func NewFixedWindowLimiter(s store.Store, cfg *Config, logger *zap.Logger) *FixedWindowLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FixedWindowLimiter{
		store:  s,
		limit:  cfg.Limit,
		window: cfg.Window,
		logger: logger,
	}
}

// windowStart returns the boundary-aligned start of the window
// containing t.
func (l *FixedWindowLimiter) windowStart(t time.Time) time.Time {
	nanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/nanos)*nanos)
}

// Check implements Limiter without incrementing the counter.
func (l *FixedWindowLimiter) Check(ctx context.Context, id Identity) (*Decision, error) {
	if l.store != nil {
		return l.distributed(ctx, id, false)
	}

	wc := l.getCounter(id)
	wc.mu.Lock()
	defer wc.mu.Unlock()

	now := time.Now()
	count := wc.count
	if !wc.windowStart.Equal(l.windowStart(now)) {
		count = 0
	}
	return l.decision(now, count, count < l.limit), nil
}

// Consume implements Limiter. The window rollover check and the
// increment run under the per-identity lock.
func (l *FixedWindowLimiter) Consume(ctx context.Context, id Identity) (*Decision, error) {
	if l.store != nil {
		return l.distributed(ctx, id, true)
	}

	wc := l.getCounter(id)
	wc.mu.Lock()
	defer wc.mu.Unlock()

	now := time.Now()
	start := l.windowStart(now)
	if !wc.windowStart.Equal(start) {
		wc.count = 0
		wc.windowStart = start
	}

	allowed := wc.count < l.limit
	if allowed {
		wc.count++
	}
	return l.decision(now, wc.count, allowed), nil
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(ctx context.Context, id Identity) error {
	l.counters.Delete(id.Key())

	if l.store != nil {
		return l.store.Delete(ctx, l.windowKey(id, l.windowStart(time.Now())))
	}
	return nil
}

// Usage implements Limiter.
func (l *FixedWindowLimiter) Usage(ctx context.Context, id Identity) (*Usage, error) {
	decision, err := l.Check(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Usage{
		Used:      l.limit - decision.Remaining,
		Limit:     l.limit,
		Remaining: decision.Remaining,
	}, nil
}

// Close implements Limiter.
func (l *FixedWindowLimiter) Close() error {
	return nil
}

func (l *FixedWindowLimiter) getCounter(id Identity) *windowCounter {
	value, ok := l.counters.Load(id.Key())
	if !ok {
		value, _ = l.counters.LoadOrStore(id.Key(), &windowCounter{
			windowStart: l.windowStart(time.Now()),
		})
	}
	return value.(*windowCounter)
}

// decision builds a Decision from the post-consume count.
func (l *FixedWindowLimiter) decision(now time.Time, count int, allowed bool) *Decision {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := l.windowStart(now).Add(l.window)
	d := &Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

func (l *FixedWindowLimiter) windowKey(id Identity, start time.Time) string {
	return fmt.Sprintf("%s:fw:%d", id.Key(), start.UnixNano())
}

// distributed counts in the shared store with one key per window.
func (l *FixedWindowLimiter) distributed(ctx context.Context, id Identity, consume bool) (*Decision, error) {
	now := time.Now()
	key := l.windowKey(id, l.windowStart(now))

	count, err := l.store.Get(ctx, key)
	if err != nil && !store.IsKeyNotFound(err) {
		return nil, err
	}

	allowed := int(count) < l.limit
	if consume && allowed {
		// One second of slack for clock skew between instances.
		updated, err := l.store.IncrementWithExpiry(ctx, key, 1, l.window+time.Second)
		if err != nil {
			return nil, err
		}
		count = updated
	}

	return l.decision(now, int(count), allowed), nil
}
