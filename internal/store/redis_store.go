package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// RedisStore is the production KVStore, backing the Session Store,
// distributed Rate Limiter, and Result Cache over a single Redis connection
// pool.
type RedisStore struct {
	client *redis.Client
	config *config.CacheConfig
	logger *logger.Logger
}

// NewRedisStore establishes a pooled Redis connection per cfg and verifies
// it with a ping before returning.
func NewRedisStore(cfg *config.CacheConfig, log *logger.Logger) (*RedisStore, error) {
	options := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("connected to redis store",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
		logger.Int("database", cfg.Database),
		logger.Int("pool_size", cfg.PoolSize),
	)

	return &RedisStore{client: client, config: cfg, logger: log}, nil
}

// Get implements KVStore.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements KVStore.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Delete implements KVStore.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.DeleteIfPresent(ctx, key)
	return err
}

// DeleteIfPresent implements KVStore. Redis's DEL is already atomic and
// reports how many keys it removed, so no extra locking is needed.
func (s *RedisStore) DeleteIfPresent(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: delete %s: %w", key, err)
	}
	return count > 0, nil
}

// Scan implements KVStore using SCAN with a trailing wildcard rather than
// KEYS, so a large keyspace doesn't block the Redis event loop.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
	}
	return keys, nil
}

// atomicIncrScript sets an expiry only on the first increment of a key's
// lifetime, so repeated calls within the same window don't keep pushing the
// expiry back (which would make the bucket never reset).
var atomicIncrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// AtomicIncrWithExpiry implements KVStore.
func (s *RedisStore) AtomicIncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := atomicIncrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr %s: %w", key, err)
	}
	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("store: incr %s: unexpected script result type %T", key, result)
	}
	return count, nil
}

// HealthCheck implements KVStore.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: health check: %w", err)
	}
	return nil
}

// Close implements KVStore.
func (s *RedisStore) Close() error {
	s.logger.Info("closing redis store connection")
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
