package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// incrementWithExpiryScript atomically increments a counter and sets
// its expiration when the increment created the key.
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = expiration in seconds.
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// takeTokensScript refills a token bucket and optionally takes one
// token in a single atomic step. State is a hash with millitoken count
// and last-refill timestamp.
// KEYS[1] = bucket key, ARGV[1] = burst (millitokens),
// ARGV[2] = refill rate (millitokens per second), ARGV[3] = now (ms),
// ARGV[4] = 1 to consume, ARGV[5] = expiration in seconds.
var takeTokensScript = redis.NewScript(`
	local burst = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
	local tokens = tonumber(state[1])
	local last = tonumber(state[2])
	if tokens == nil or last == nil then
		tokens = burst
		last = now
	end
	tokens = tokens + (now - last) / 1000 * rate
	if tokens > burst then
		tokens = burst
	end
	local taken = 0
	if tonumber(ARGV[4]) == 1 and tokens >= 1000 then
		tokens = tokens - 1000
		taken = 1
	end
	tokens = math.floor(tokens)
	redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
	redis.call('EXPIRE', KEYS[1], ARGV[5])
	return {tokens, taken}
`)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`

	PoolSize     int `yaml:"poolSize"`
	MinIdleConns int `yaml:"minIdleConns"`

	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// BreakerFailures is the consecutive-failure count that trips the
	// store's internal breaker so a dead Redis fails fast.
	BreakerFailures int `yaml:"breakerFailures"`

	// BreakerCooldown is how long the tripped breaker stays open.
	BreakerCooldown time.Duration `yaml:"breakerCooldown"`

	Logger *zap.Logger `yaml:"-"`
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:         "localhost:6379",
		Prefix:          "ratelimit:",
		PoolSize:        10,
		MinIdleConns:    2,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 10 * time.Second,
	}
}

// RedisStore implements Store using Redis. All operations run through
// an internal circuit breaker: once Redis has failed repeatedly, calls
// return ErrStoreUnavailable immediately instead of waiting on timeouts.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	failures := uint32(cfg.BreakerFailures)
	if failures == 0 {
		failures = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ratelimit-redis",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("redis store breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A missing key is a normal outcome, not a Redis failure.
			return err == nil || IsKeyNotFound(err)
		},
	})

	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		breaker: breaker,
		logger:  logger,
	}, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// run runs op through the store breaker, translating breaker
// rejections into ErrStoreUnavailable.
func (s *RedisStore) run(op func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) execute(op func() (int64, error)) (int64, error) {
	result, err := s.run(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	return s.execute(func() (int64, error) {
		val, err := s.client.Get(ctx, s.key(key)).Result()
		if errors.Is(err, redis.Nil) {
			return 0, &ErrKeyNotFound{Key: key}
		}
		if err != nil {
			return 0, fmt.Errorf("redis get: %w", err)
		}
		return strconv.ParseInt(val, 10, 64)
	})
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	_, err := s.execute(func() (int64, error) {
		if err := s.client.Set(ctx, s.key(key), value, expiration).Err(); err != nil {
			return 0, fmt.Errorf("redis set: %w", err)
		}
		return 0, nil
	})
	return err
}

// IncrementWithExpiry implements Store using an atomic Lua script, so
// concurrent gateway instances never interleave the read and the write.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	return s.execute(func() (int64, error) {
		seconds := int64(expiration / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.key(key)}, delta, seconds).Int64()
		if err != nil {
			return 0, fmt.Errorf("redis increment: %w", err)
		}
		return result, nil
	})
}

// TakeTokens implements Store using an atomic Lua script: the refill
// and the decrement cannot interleave across gateway instances.
func (s *RedisStore) TakeTokens(ctx context.Context, key string, ratePerSec float64, burst int64, consume bool, expiration time.Duration) (int64, bool, error) {
	seconds := int64(expiration / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	consumeFlag := 0
	if consume {
		consumeFlag = 1
	}

	result, err := s.run(func() (interface{}, error) {
		vals, err := takeTokensScript.Run(ctx, s.client, []string{s.key(key)},
			burst, ratePerSec, time.Now().UnixMilli(), consumeFlag, seconds).Int64Slice()
		if err != nil {
			return nil, fmt.Errorf("redis take tokens: %w", err)
		}
		return vals, nil
	})
	if err != nil {
		return 0, false, err
	}

	vals := result.([]int64)
	return vals[0], vals[1] == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute(func() (int64, error) {
		if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
			return 0, fmt.Errorf("redis delete: %w", err)
		}
		return 0, nil
	})
	return err
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
