package ratelimit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flowgate-io/flowgate/internal/ratelimit/store"
)

// StoreType selects the backing store for limiter state.
type StoreType string

const (
	// StoreMemory keeps state in process memory.
	StoreMemory StoreType = "memory"

	// StoreRedis keeps state in Redis so a fleet of gateway instances
	// shares one budget per identity.
	StoreRedis StoreType = "redis"
)

// New creates a rate limiter from the configuration. The algorithm
// switch is exhaustive; an unknown algorithm is a configuration error.
func New(cfg *Config, storeType StoreType, redisCfg *store.RedisConfig, logger *zap.Logger) (Limiter, error) {
	var s store.Store
	switch storeType {
	case StoreMemory, "":
		s = nil // limiters default to in-process state
	case StoreRedis:
		redisStore, err := store.NewRedisStore(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		s = redisStore
	default:
		return nil, fmt.Errorf("unknown store type: %s", storeType)
	}

	return NewWithStore(cfg, s, logger)
}

// NewWithStore creates a limiter on an existing store, so several
// limiters can share one Redis connection pool. A nil store keeps
// state in process memory.
func NewWithStore(cfg *Config, s store.Store, logger *zap.Logger) (Limiter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Algorithm {
	case AlgorithmTokenBucket, "":
		return NewTokenBucketLimiter(s, cfg, logger), nil
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(s, cfg, logger), nil
	case AlgorithmFixedWindow:
		return NewFixedWindowLimiter(s, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", cfg.Algorithm)
	}
}
