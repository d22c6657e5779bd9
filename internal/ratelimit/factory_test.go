package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/ratelimit/store"
)

func TestNew_AlgorithmSelection(t *testing.T) {
	tests := []struct {
		algorithm Algorithm
		wantType  interface{}
	}{
		{AlgorithmTokenBucket, (*TokenBucketLimiter)(nil)},
		{AlgorithmSlidingWindow, (*SlidingWindowLimiter)(nil)},
		{AlgorithmFixedWindow, (*FixedWindowLimiter)(nil)},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			l, err := New(&Config{
				Algorithm: tt.algorithm,
				Limit:     10,
				Window:    time.Minute,
				Burst:     5,
			}, StoreMemory, nil, zap.NewNop())
			require.NoError(t, err)
			defer func() { _ = l.Close() }()

			assert.IsType(t, tt.wantType, l)
		})
	}
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := New(&Config{Algorithm: "leaky_bucket"}, StoreMemory, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leaky_bucket")
}

func TestNew_UnknownStore(t *testing.T) {
	_, err := New(DefaultConfig(), "etcd", nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestNew_RedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l, err := New(&Config{
		Algorithm: AlgorithmFixedWindow,
		Limit:     2,
		Window:    time.Minute,
	}, StoreRedis, &store.RedisConfig{
		Address:      mr.Addr(),
		Prefix:       "test:",
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ctx := context.Background()
	id := Identity{Identifier: "client", Resource: "/v1/orders"}

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Consume(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNewWithStore_NilConfigUsesDefaults(t *testing.T) {
	l, err := NewWithStore(nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	assert.IsType(t, (*TokenBucketLimiter)(nil), l)
}
