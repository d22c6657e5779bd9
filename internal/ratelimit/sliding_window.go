package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/ratelimit/store"
)

// SlidingWindowLimiter implements the sliding window algorithm with an
// ordered timestamp sequence per identity. It gives an exact
// trailing-window bound at the cost of O(limit) memory per identity.
type SlidingWindowLimiter struct {
	store     store.Store
	limit     int
	window    time.Duration
	precision int // sub-window count for the distributed variant
	logger    *zap.Logger

	windows sync.Map
}

// windowState is the timestamp sequence for one identity.
type windowState struct {
	mu       sync.Mutex
	arrivals []time.Time
}

// liveCount returns how many arrivals fall inside the trailing window
// along with the oldest such arrival. It does not mutate the state.
func (ws *windowState) liveCount(cutoff time.Time) (int, time.Time) {
	count := 0
	var oldest time.Time
	for _, t := range ws.arrivals {
		if t.After(cutoff) {
			if count == 0 {
				oldest = t
			}
			count++
		}
	}
	return count, oldest
}

// evict drops arrivals older than the cutoff.
func (ws *windowState) evict(cutoff time.Time) {
	live := ws.arrivals[:0]
	for _, t := range ws.arrivals {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	ws.arrivals = live
}

// NewSlidingWindowLimiter creates a sliding window limiter. With a nil
// store all state is kept in process memory.
func NewSlidingWindowLimiter(s store.Store, cfg *Config, logger *zap.Logger) *SlidingWindowLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SlidingWindowLimiter{
		store:     s,
		limit:     cfg.Limit,
		window:    cfg.Window,
		precision: 10,
		logger:    logger,
	}
}

// Check implements Limiter without recording an arrival.
func (l *SlidingWindowLimiter) Check(ctx context.Context, id Identity) (*Decision, error) {
	if l.store != nil {
		return l.distributed(ctx, id, false)
	}

	ws := l.getWindow(id)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	now := time.Now()
	count, oldest := ws.liveCount(now.Add(-l.window))
	return l.decision(now, count, oldest, count < l.limit), nil
}

// Consume implements Limiter. Eviction, the admission check, and the
// arrival append run under the per-identity lock.
func (l *SlidingWindowLimiter) Consume(ctx context.Context, id Identity) (*Decision, error) {
	if l.store != nil {
		return l.distributed(ctx, id, true)
	}

	ws := l.getWindow(id)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	now := time.Now()
	ws.evict(now.Add(-l.window))

	count := len(ws.arrivals)
	allowed := count < l.limit
	if allowed {
		ws.arrivals = append(ws.arrivals, now)
		count++
	}

	var oldest time.Time
	if len(ws.arrivals) > 0 {
		oldest = ws.arrivals[0]
	}
	return l.decision(now, count, oldest, allowed), nil
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, id Identity) error {
	l.windows.Delete(id.Key())

	if l.store != nil {
		current := l.subWindow(time.Now())
		for i := 0; i < l.precision; i++ {
			if err := l.store.Delete(ctx, l.subWindowKey(id, current-int64(i))); err != nil {
				return err
			}
		}
	}
	return nil
}

// Usage implements Limiter.
func (l *SlidingWindowLimiter) Usage(ctx context.Context, id Identity) (*Usage, error) {
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
func (l *SlidingWindowLimiter) Close() error {
	return nil
}

func (l *SlidingWindowLimiter) getWindow(id Identity) *windowState {
	value, ok := l.windows.Load(id.Key())
	if !ok {
		value, _ = l.windows.LoadOrStore(id.Key(), &windowState{})
	}
	return value.(*windowState)
}

// decision builds a Decision from the live arrival count. count is the
// count after any consume.
func (l *SlidingWindowLimiter) decision(now time.Time, count int, oldest time.Time, allowed bool) *Decision {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(l.window)
	if !oldest.IsZero() {
		resetAt = oldest.Add(l.window)
	}

	d := &Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed && !oldest.IsZero() {
		d.RetryAfter = l.window - now.Sub(oldest)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

func (l *SlidingWindowLimiter) subWindow(t time.Time) int64 {
	size := l.window.Milliseconds() / int64(l.precision)
	return t.UnixMilli() / size
}

func (l *SlidingWindowLimiter) subWindowKey(id Identity, sub int64) string {
	return id.Key() + ":sw:" + strconv.FormatInt(sub, 10)
}

// distributed approximates the trailing window with precision
// sub-window counters in the shared store.
func (l *SlidingWindowLimiter) distributed(ctx context.Context, id Identity, consume bool) (*Decision, error) {
	now := time.Now()
	current := l.subWindow(now)
	subSize := l.window.Milliseconds() / int64(l.precision)

	total := int64(0)
	for i := 0; i < l.precision; i++ {
		count, err := l.store.Get(ctx, l.subWindowKey(id, current-int64(i)))
		if err != nil && !store.IsKeyNotFound(err) {
			return nil, err
		}
		total += count
	}

	allowed := int(total) < l.limit
	if consume && allowed {
		expiration := l.window + time.Duration(subSize)*time.Millisecond
		if _, err := l.store.IncrementWithExpiry(ctx, l.subWindowKey(id, current), 1, expiration); err != nil {
			return nil, err
		}
		total++
	}

	remaining := l.limit - int(total)
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   now.Add(l.window),
	}
	if !allowed {
		d.RetryAfter = time.Duration(subSize) * time.Millisecond
	}
	return d, nil
}
