package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := NewRedisStore(&RedisConfig{
		Address:         mr.Addr(),
		Prefix:          "test:",
		DialTimeout:     100 * time.Millisecond,
		ReadTimeout:     100 * time.Millisecond,
		WriteTimeout:    100 * time.Millisecond,
		BreakerFailures: 3,
		BreakerCooldown: time.Second,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "counter", 7, time.Minute))

	value, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(7), value)
}

func TestRedisStore_GetMissingKey(t *testing.T) {
	s, _ := newTestRedisStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_KeysArePrefixed(t *testing.T) {
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Set(context.Background(), "counter", 1, time.Minute))
	assert.True(t, mr.Exists("test:counter"))
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	value, err := s.IncrementWithExpiry(ctx, "hits", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = s.IncrementWithExpiry(ctx, "hits", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), value)

	ttl := mr.TTL("test:hits")
	assert.Greater(t, ttl, time.Duration(0), "expiry set on first increment")
}

func TestRedisStore_IncrementAfterExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "hits", 5, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	value, err := s.IncrementWithExpiry(ctx, "hits", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value, "expired counter starts over")
}

func TestRedisStore_TakeTokensBurstThenDeny(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	// Burst of 2 tokens, negligible refill.
	for i := 0; i < 2; i++ {
		_, taken, err := s.TakeTokens(ctx, "bucket", 0.001, 2000, true, time.Minute)
		require.NoError(t, err)
		assert.True(t, taken)
	}

	remaining, taken, err := s.TakeTokens(ctx, "bucket", 0.001, 2000, true, time.Minute)
	require.NoError(t, err)
	assert.False(t, taken)
	assert.Less(t, remaining, int64(1000))
}

func TestRedisStore_TakeTokensRefills(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, taken, err := s.TakeTokens(ctx, "bucket", 10000, 1000, true, time.Minute)
	require.NoError(t, err)
	require.True(t, taken)

	_, taken, err = s.TakeTokens(ctx, "bucket", 10000, 1000, true, time.Minute)
	require.NoError(t, err)
	require.False(t, taken)

	time.Sleep(150 * time.Millisecond)

	_, taken, err = s.TakeTokens(ctx, "bucket", 10000, 1000, true, time.Minute)
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestRedisStore_TakeTokensStateExpires(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := s.TakeTokens(ctx, "bucket", 0.001, 1000, true, time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:bucket"))

	ttl := mr.TTL("test:bucket")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "doomed", 1, time.Minute))
	require.NoError(t, s.Delete(ctx, "doomed"))

	_, err := s.Get(ctx, "doomed")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Ping(t *testing.T) {
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisStore_BreakerTripsWhenRedisIsDown(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	mr.Close()

	// Consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, "key")
		require.Error(t, err)
		require.False(t, IsStoreUnavailable(err), "breaker still closed on failure %d", i)
	}

	_, err := s.Get(ctx, "key")
	require.Error(t, err)
	assert.True(t, IsStoreUnavailable(err), "tripped breaker fails fast")
}

func TestRedisStore_MissingKeyDoesNotTripBreaker(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Get(ctx, "missing")
		require.True(t, IsKeyNotFound(err))
	}

	require.NoError(t, s.Set(ctx, "counter", 1, time.Minute))
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()

	assert.Equal(t, "localhost:6379", cfg.Address)
	assert.Equal(t, "ratelimit:", cfg.Prefix)
	assert.Equal(t, 5, cfg.BreakerFailures)
}
