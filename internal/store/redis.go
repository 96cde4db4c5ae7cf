// Package store wraps the key-value/pub-sub client with the circuit
// breaker and builds status tracking (heartbeats, stuck-run detection)
// on top of it.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayforge/aegis/pkg/config"
	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/resilience"
)

// Commands is the subset of store operations the guarded service
// exposes. RedisClient implements it; tests substitute fakes.
type Commands interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Publish(ctx context.Context, channel string, message interface{}) (int64, error)
	RPush(ctx context.Context, key string, values ...interface{}) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Ping(ctx context.Context) error
}

// RedisClient wraps the Redis client with typed errors.
type RedisClient struct {
	client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient creates a Redis client and verifies connectivity,
// retrying transient connection failures.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig, addr string) (*RedisClient, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	client := redis.NewClient(opts)

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return errors.NewNetworkError("failed to connect to Redis").WithCause(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	return &RedisClient{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *RedisClient) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewNetworkError("Redis ping failed").WithCause(err)
	}
	return nil
}

// Stats returns Redis connection pool statistics
func (r *RedisClient) Stats() *redis.PoolStats {
	return r.client.PoolStats()
}

// Get gets a value by key
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errors.NewNotFoundError("key")
		}
		return "", errors.NewNetworkError("failed to get Redis key").WithCause(err)
	}
	return val, nil
}

// Set sets a key-value pair with optional expiration
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := r.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return errors.NewNetworkError("failed to set Redis key").WithCause(err)
	}
	return nil
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	count, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.NewNetworkError("failed to delete keys").WithCause(err)
	}
	return count, nil
}

// Publish publishes a message to a channel and returns the number of
// subscribers that received it
func (r *RedisClient) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	count, err := r.client.Publish(ctx, channel, message).Result()
	if err != nil {
		return 0, errors.NewNetworkError("failed to publish message").WithCause(err)
	}
	return count, nil
}

// RPush appends values to a list
func (r *RedisClient) RPush(ctx context.Context, key string, values ...interface{}) error {
	if err := r.client.RPush(ctx, key, values...).Err(); err != nil {
		return errors.NewNetworkError("failed to push to Redis list").WithCause(err)
	}
	return nil
}

// LRange returns a range of list elements
func (r *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errors.NewNetworkError("failed to read Redis list range").WithCause(err)
	}
	return vals, nil
}

// Keys returns all keys matching the pattern
func (r *RedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.NewNetworkError("failed to get Redis keys").WithCause(err)
	}
	return keys, nil
}

// Expire sets a timeout on a key
func (r *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := r.client.Expire(ctx, key, expiration).Err(); err != nil {
		return errors.NewNetworkError("failed to set Redis key expiration").WithCause(err)
	}
	return nil
}
