package store

import (
	"context"
	"sync"
	"time"
)

// entry is a stored value with its expiration deadline.
type entry struct {
	value      int64
	expiration time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryStore implements Store with an in-process map. Suitable for a
// single gateway instance; a Redis store is needed for a fleet.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]entry
	ticker *time.Ticker
	done   chan struct{}
	closed bool
}

// NewMemoryStore creates a new in-memory store with a one-minute
// expiry sweep.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates an in-memory store with a
// custom expiry sweep interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:   make(map[string]entry),
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		delete(s.data, key)
		return 0, &ErrKeyNotFound{Key: key}
	}
	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	s.mu.Lock()
	s.data[key] = entry{value: value, expiration: exp}
	s.mu.Unlock()
	return nil
}

// IncrementWithExpiry implements Store. The increment and the
// conditional expiry assignment happen under one lock, matching the
// atomicity of the Redis Lua script.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(now) {
		e = entry{value: delta}
		if expiration > 0 {
			e.expiration = now.Add(expiration)
		}
		s.data[key] = e
		return delta, nil
	}

	e.value += delta
	s.data[key] = e
	return e.value, nil
}

// TakeTokens implements Store. The bucket state lives in two map
// entries guarded by the store mutex, so refill and decrement form one
// atomic unit.
func (s *MemoryStore) TakeTokens(ctx context.Context, key string, ratePerSec float64, burst int64, consume bool, expiration time.Duration) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	tsKey := key + ":ts"

	s.mu.Lock()
	defer s.mu.Unlock()

	tokens := float64(burst)
	last := nowMs
	if e, ok := s.data[key]; ok && !e.expired(now) {
		tokens = float64(e.value)
		if te, ok := s.data[tsKey]; ok && !te.expired(now) {
			last = te.value
		}
	}

	tokens += float64(nowMs-last) / 1000.0 * ratePerSec
	tokens = min(tokens, float64(burst))

	taken := false
	if consume && tokens >= 1000 {
		tokens -= 1000
		taken = true
	}

	var exp time.Time
	if expiration > 0 {
		exp = now.Add(expiration)
	}
	s.data[key] = entry{value: int64(tokens), expiration: exp}
	s.data[tsKey] = entry{value: nowMs, expiration: exp}

	return int64(tokens), taken, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Close implements Store. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.ticker.Stop()
	close(s.done)
	return nil
}

// Size returns the number of live entries.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}
