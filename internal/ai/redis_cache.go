package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
)

const redisKeyPrefix = "dua:ai:"

// RedisCache shares successful records between worker processes. Redis
// failures degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration, logger *logging.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisCacheFromClient(client, ttl, logger), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisCache {
	if logger == nil {
		logger = logging.NewLogger("RedisCache")
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*NormalizedRecord, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Redis cache read failed", "error", err)
		}
		return nil, false
	}
	var rec NormalizedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", "error", err)
		return nil, false
	}
	return &rec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, rec NormalizedRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", "error", err)
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Redis cache write failed", "error", err)
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
