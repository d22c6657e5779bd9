package ratelimit

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/ratelimit/store"
)

var _ io.Closer = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter implements the token bucket algorithm: tokens
// refill at limit/window per second, each consume takes one token, and
// the bucket never holds more than the burst capacity.
type TokenBucketLimiter struct {
	store  store.Store
	rate   float64 // tokens per second
	burst  int
	window time.Duration
	logger *zap.Logger

	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// bucket holds the token bucket state for a single identity. The mutex
// makes refill-then-decrement a single atomic unit: two concurrent
// consumers never decrement from the same pre-refill count.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// refreshed returns the token count after refilling for the elapsed
// time, capped at the burst capacity. It does not mutate the bucket.
func (b *bucket) refreshed(now time.Time, rate float64, burst int) float64 {
	tokens := b.tokens + now.Sub(b.lastRefill).Seconds()*rate
	return math.Min(tokens, float64(burst))
}

// NewTokenBucketLimiter creates a token bucket limiter. With a nil
// store all state is kept in process memory. A background goroutine
// drops idle buckets; call Close when done.
func NewTokenBucketLimiter(s store.Store, cfg *Config, logger *zap.Logger) *TokenBucketLimiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &TokenBucketLimiter{
		store:           s,
		rate:            float64(cfg.Limit) / cfg.Window.Seconds(),
		burst:           cfg.Burst,
		window:          cfg.Window,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		bucketTTL:       10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Close stops the background cleanup goroutine. Safe to call twice.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// Check implements Limiter without consuming a token.
func (l *TokenBucketLimiter) Check(ctx context.Context, id Identity) (*Decision, error) {
	if l.store != nil {
		return l.distributed(ctx, id, false)
	}

	b := l.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := b.refreshed(time.Now(), l.rate, l.burst)
	return l.decision(tokens, tokens >= 1), nil
}

// Consume implements Limiter. Refill and decrement execute under the
// per-identity lock as one atomic unit.
func (l *TokenBucketLimiter) Consume(ctx context.Context, id Identity) (*Decision, error) {
	if l.store != nil {
		return l.distributed(ctx, id, true)
	}

	b := l.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens = b.refreshed(now, l.rate, l.burst)
	b.lastRefill = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	return l.decision(b.tokens, allowed), nil
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(ctx context.Context, id Identity) error {
	l.buckets.Delete(id.Key())

	if l.store != nil {
		stateKey := "tb:" + id.Key()
		if err := l.store.Delete(ctx, stateKey); err != nil {
			return err
		}
		// The in-memory store keeps the refill timestamp beside the
		// bucket; for Redis the key does not exist and the delete is a
		// no-op.
		return l.store.Delete(ctx, stateKey+":ts")
	}
	return nil
}

// Usage implements Limiter.
func (l *TokenBucketLimiter) Usage(ctx context.Context, id Identity) (*Usage, error) {
	decision, err := l.Check(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Usage{
		Used:      l.burst - decision.Remaining,
		Limit:     l.burst,
		Remaining: decision.Remaining,
	}, nil
}

func (l *TokenBucketLimiter) getBucket(id Identity) *bucket {
	value, ok := l.buckets.Load(id.Key())
	if !ok {
		value, _ = l.buckets.LoadOrStore(id.Key(), &bucket{
			tokens:     float64(l.burst),
			lastRefill: time.Now(),
		})
	}
	return value.(*bucket)
}

// decision builds a Decision from a post-refill token count.
func (l *TokenBucketLimiter) decision(tokens float64, allowed bool) *Decision {
	d := &Decision{
		Allowed:   allowed,
		Limit:     l.burst,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   time.Now().Add(l.window),
	}
	if !allowed {
		d.RetryAfter = time.Duration(math.Ceil((1-tokens)/l.rate)) * time.Second
	}
	return d
}

// distributed evaluates the bucket against the shared store. Refill
// and decrement run as one atomic store operation; token counts cross
// the wire as millitokens.
func (l *TokenBucketLimiter) distributed(ctx context.Context, id Identity, consume bool) (*Decision, error) {
	expiration := time.Duration(float64(l.burst)/l.rate+1) * time.Second

	milli, taken, err := l.store.TakeTokens(ctx, "tb:"+id.Key(),
		l.rate*1000, int64(l.burst)*1000, consume, expiration)
	if err != nil {
		return nil, err
	}

	tokens := float64(milli) / 1000.0
	allowed := taken
	if !consume {
		allowed = tokens >= 1
	}
	return l.decision(tokens, allowed), nil
}

func (l *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropIdleBuckets(l.bucketTTL)
		case <-l.stopCleanup:
			return
		}
	}
}

// dropIdleBuckets removes buckets not refilled within maxAge.
func (l *TokenBucketLimiter) dropIdleBuckets(maxAge time.Duration) {
	now := time.Now()

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastRefill) > maxAge {
			l.buckets.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}
