package store

import (
	"context"
	"fmt"
	"time"

	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/metrics"
	"github.com/relayforge/aegis/pkg/resilience"
	"github.com/relayforge/aegis/pkg/tracing"
)

// Fallback cache TTLs per read operation. Point lookups stay usable
// for a while; key scans go stale fast.
const (
	getCacheTTL    = 5 * time.Minute
	lrangeCacheTTL = 1 * time.Minute
	keysCacheTTL   = 30 * time.Second
)

// Service runs every store operation through the circuit breaker,
// classified as read, write, or pubsub. Reads carry fallback cache
// keys so warm data survives an outage.
type Service struct {
	commands Commands
	breaker  *resilience.RedisCircuitBreaker
	tracer   *tracing.Service
	metrics  *metrics.Metrics
}

// NewService creates a guarded store service.
func NewService(commands Commands, breaker *resilience.RedisCircuitBreaker) *Service {
	return &Service{
		commands: commands,
		breaker:  breaker,
	}
}

// WithTracing records a span per store operation.
func (s *Service) WithTracing(tracer *tracing.Service) *Service {
	s.tracer = tracer
	return s
}

// WithMetrics records per-class operation outcomes and the fallback
// cache size.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Breaker exposes the underlying circuit breaker for diagnostics.
func (s *Service) Breaker() *resilience.RedisCircuitBreaker {
	return s.breaker
}

// observe starts a store span and returns the derived context plus a
// finish func to call with the operation's error. Key misses are not
// recorded as failures.
func (s *Service) observe(ctx context.Context, class resilience.OperationClass, operation, key string) (context.Context, func(error)) {
	if s.tracer == nil {
		return ctx, func(err error) { s.record(class, err) }
	}
	ctx, sp := s.tracer.StartStoreSpan(ctx, operation, key)
	return ctx, func(err error) {
		if err != nil && !errors.IsNotFound(err) {
			s.tracer.RecordError(sp, err)
		}
		sp.End()
		s.record(class, err)
	}
}

func (s *Service) record(class resilience.OperationClass, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil && !errors.IsNotFound(err) {
		outcome = "failure"
	}
	s.metrics.RecordStoreOperation(string(class), outcome)
	s.metrics.UpdateFallbackCacheSize("redis", s.breaker.CacheSize())
}

// Get reads a key, falling back to cached values when the store is
// unavailable.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	ctx, finish := s.observe(ctx, resilience.OperationRead, "get", key)
	result, err := s.breaker.ExecuteCached(ctx, resilience.OperationRead, "get:"+key, getCacheTTL,
		func(ctx context.Context) (interface{}, error) {
			return s.commands.Get(ctx, key)
		})
	finish(err)
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Set writes a key with an optional expiration.
func (s *Service) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ctx, finish := s.observe(ctx, resilience.OperationWrite, "set", key)
	_, err := s.breaker.Execute(ctx, resilience.OperationWrite, "",
		func(ctx context.Context) (interface{}, error) {
			return nil, s.commands.Set(ctx, key, value, expiration)
		})
	finish(err)
	if err == nil {
		// A stale cached read after a successful write is worse than a
		// miss.
		s.breaker.InvalidateFallback("get:" + key)
	}
	return err
}

// Delete removes keys.
func (s *Service) Delete(ctx context.Context, keys ...string) (int64, error) {
	ctx, finish := s.observe(ctx, resilience.OperationWrite, "del", fmt.Sprintf("%d keys", len(keys)))
	result, err := s.breaker.Execute(ctx, resilience.OperationWrite, "",
		func(ctx context.Context) (interface{}, error) {
			return s.commands.Del(ctx, keys...)
		})
	finish(err)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		s.breaker.InvalidateFallback("get:" + key)
	}
	return result.(int64), nil
}

// Publish sends a message to a channel and returns the subscriber
// count. Pubsub failures trip the breaker fastest; real-time streams
// degrade hard when delivery is unreliable.
func (s *Service) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	ctx, finish := s.observe(ctx, resilience.OperationPubSub, "publish", channel)
	result, err := s.breaker.Execute(ctx, resilience.OperationPubSub, "",
		func(ctx context.Context) (interface{}, error) {
			return s.commands.Publish(ctx, channel, message)
		})
	finish(err)
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// RPush appends values to a list.
func (s *Service) RPush(ctx context.Context, key string, values ...interface{}) error {
	ctx, finish := s.observe(ctx, resilience.OperationWrite, "rpush", key)
	_, err := s.breaker.Execute(ctx, resilience.OperationWrite, "",
		func(ctx context.Context) (interface{}, error) {
			return nil, s.commands.RPush(ctx, key, values...)
		})
	finish(err)
	return err
}

// LRange reads a list range with fallback caching.
func (s *Service) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	cacheKey := fmt.Sprintf("lrange:%s:%d:%d", key, start, stop)
	ctx, finish := s.observe(ctx, resilience.OperationRead, "lrange", key)
	result, err := s.breaker.ExecuteCached(ctx, resilience.OperationRead, cacheKey, lrangeCacheTTL,
		func(ctx context.Context) (interface{}, error) {
			return s.commands.LRange(ctx, key, start, stop)
		})
	finish(err)
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Keys scans for keys matching a pattern with short-lived fallback
// caching.
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, finish := s.observe(ctx, resilience.OperationRead, "keys", pattern)
	result, err := s.breaker.ExecuteCached(ctx, resilience.OperationRead, "keys:"+pattern, keysCacheTTL,
		func(ctx context.Context) (interface{}, error) {
			return s.commands.Keys(ctx, pattern)
		})
	finish(err)
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Expire sets a timeout on a key.
func (s *Service) Expire(ctx context.Context, key string, expiration time.Duration) error {
	ctx, finish := s.observe(ctx, resilience.OperationWrite, "expire", key)
	_, err := s.breaker.Execute(ctx, resilience.OperationWrite, "",
		func(ctx context.Context) (interface{}, error) {
			return nil, s.commands.Expire(ctx, key, expiration)
		})
	finish(err)
	return err
}

// Ping checks store connectivity without going through the breaker;
// health checks must observe the real dependency.
func (s *Service) Ping(ctx context.Context) error {
	return s.commands.Ping(ctx)
}

// NotFound reports whether an error is a key miss rather than a store
// failure.
func NotFound(err error) bool {
	return errors.IsNotFound(err)
}
