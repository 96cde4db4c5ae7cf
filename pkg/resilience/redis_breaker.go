package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/logging"
)

const metricsAlpha = 0.1

// OperationMetrics tracks outcomes for one operation class.
type OperationMetrics struct {
	TotalRequests        int64         `json:"total_requests"`
	SuccessCount         int64         `json:"success_count"`
	FailureCount         int64         `json:"failure_count"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	AvgResponseTime      time.Duration `json:"avg_response_time"`
	LastSuccess          time.Time     `json:"last_success,omitempty"`
	LastFailure          time.Time     `json:"last_failure,omitempty"`
}

// FailureRate returns the fraction of requests that failed.
func (m *OperationMetrics) FailureRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.FailureCount) / float64(m.TotalRequests)
}

func (m *OperationMetrics) recordLatency(d time.Duration) {
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = d
		return
	}
	m.AvgResponseTime = time.Duration(metricsAlpha*float64(d) + (1-metricsAlpha)*float64(m.AvgResponseTime))
}

// RedisBreakerConfig holds configuration for the Redis circuit breaker
type RedisBreakerConfig struct {
	// Name of the breaker for logging/metrics
	Name string
	// FailureThresholds sets the consecutive-failure trip point per
	// operation class. Missing classes get the read default.
	FailureThresholds map[OperationClass]int
	// RecoveryTimeout is how long the breaker stays open before
	// allowing a test request
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive-success count required to
	// close the breaker from half-open
	SuccessThreshold int
	// FallbackCacheSize bounds the read fallback cache
	FallbackCacheSize int
	// FallbackCacheTTL is the default TTL for cached read results
	FallbackCacheTTL time.Duration
	// AutoTuneApply makes AutoTune mutate live thresholds instead of
	// only reporting recommendations
	AutoTuneApply bool
	// OnStateChange is called whenever the breaker changes state
	OnStateChange func(name string, from, to CircuitState)
	// OnFallbackHit is called whenever a read is served from the
	// fallback cache instead of the store
	OnFallbackHit func(name string)
}

// DefaultRedisBreakerConfig returns the standard per-class thresholds:
// reads tolerate 5 consecutive failures, writes 3, pubsub 2.
func DefaultRedisBreakerConfig(name string) RedisBreakerConfig {
	return RedisBreakerConfig{
		Name: name,
		FailureThresholds: map[OperationClass]int{
			OperationRead:   5,
			OperationWrite:  3,
			OperationPubSub: 2,
		},
		RecoveryTimeout:   30 * time.Second,
		SuccessThreshold:  3,
		FallbackCacheSize: 1000,
		FallbackCacheTTL:  5 * time.Minute,
	}
}

// AutoTuneRecommendation describes a threshold adjustment computed
// from observed traffic for one operation class.
type AutoTuneRecommendation struct {
	Class            OperationClass `json:"class"`
	CurrentThreshold int            `json:"current_threshold"`
	Recommended      int            `json:"recommended_threshold"`
	FailureRate      float64        `json:"failure_rate"`
	TotalRequests    int64          `json:"total_requests"`
	Applied          bool           `json:"applied"`
}

// RedisCircuitBreaker guards key-value store operations with one shared
// state machine but independent failure tracking per operation class.
// Read operations can fall back to a local cache while the breaker is
// open.
type RedisCircuitBreaker struct {
	name             string
	recoveryTimeout  time.Duration
	successThreshold int
	cacheTTL         time.Duration
	autoTuneApply    bool
	onStateChange    func(name string, from, to CircuitState)
	onFallbackHit    func(name string)

	mu             sync.Mutex
	state          CircuitState
	stateChangedAt time.Time
	thresholds     map[OperationClass]int
	metrics        map[OperationClass]*OperationMetrics

	cache  *FallbackCache
	logger *logging.Logger
}

// NewRedisCircuitBreaker creates a breaker with the given configuration
func NewRedisCircuitBreaker(config RedisBreakerConfig) *RedisCircuitBreaker {
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.FallbackCacheTTL <= 0 {
		config.FallbackCacheTTL = 5 * time.Minute
	}

	defaults := DefaultRedisBreakerConfig(config.Name)
	thresholds := make(map[OperationClass]int, 3)
	for _, class := range []OperationClass{OperationRead, OperationWrite, OperationPubSub} {
		if t, ok := config.FailureThresholds[class]; ok && t > 0 {
			thresholds[class] = t
		} else {
			thresholds[class] = defaults.FailureThresholds[class]
		}
	}

	return &RedisCircuitBreaker{
		name:             config.Name,
		recoveryTimeout:  config.RecoveryTimeout,
		successThreshold: config.SuccessThreshold,
		cacheTTL:         config.FallbackCacheTTL,
		autoTuneApply:    config.AutoTuneApply,
		onStateChange:    config.OnStateChange,
		onFallbackHit:    config.OnFallbackHit,
		state:            StateClosed,
		stateChangedAt:   time.Now(),
		thresholds:       thresholds,
		metrics: map[OperationClass]*OperationMetrics{
			OperationRead:   {},
			OperationWrite:  {},
			OperationPubSub: {},
		},
		cache:  NewFallbackCache(config.FallbackCacheSize),
		logger: logging.GetLogger(),
	}
}

// Execute runs op through the breaker with the default fallback cache
// TTL. See ExecuteCached.
func (b *RedisCircuitBreaker) Execute(ctx context.Context, class OperationClass, cacheKey string, op func(context.Context) (interface{}, error)) (interface{}, error) {
	return b.ExecuteCached(ctx, class, cacheKey, b.cacheTTL, op)
}

// ExecuteCached runs op through the breaker. For read operations a
// non-empty cacheKey enables fallback: cached values answer the call
// while the breaker is open or when the operation itself fails, and
// successful results refresh the cache with the given TTL.
func (b *RedisCircuitBreaker) ExecuteCached(ctx context.Context, class OperationClass, cacheKey string, cacheTTL time.Duration, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if cacheTTL <= 0 {
		cacheTTL = b.cacheTTL
	}
	if !b.allowRequest() {
		if class == OperationRead && cacheKey != "" {
			if value, ok := b.cache.Get(cacheKey); ok {
				b.logger.Debug("Serving read from fallback cache",
					"breaker", b.name,
					"cache_key", cacheKey,
				)
				if b.onFallbackHit != nil {
					b.onFallbackHit(b.name)
				}
				return value, nil
			}
		}
		return nil, errors.NewTransientError("store unavailable, circuit breaker open").
			WithCause(&CircuitBreakerError{Name: b.name, State: StateOpen}).
			WithDetail("breaker", b.name).
			WithRecoveryAction("Wait for the store to recover and the breaker to close")
	}

	start := time.Now()
	result, err := op(ctx)
	elapsed := time.Since(start)

	if err != nil {
		// A miss is a definitive answer from a healthy store; it counts
		// as a success for breaker bookkeeping and propagates as-is.
		if errors.IsNotFound(err) {
			b.recordSuccess(class, elapsed)
			return nil, err
		}
		b.recordFailure(class, err, elapsed)
		// Only availability failures fall back to cache; a definitive
		// answer like "no such key" must propagate.
		if class == OperationRead && cacheKey != "" && errors.Classify(err).Retryable {
			if value, ok := b.cache.Get(cacheKey); ok {
				b.logger.Warn("Read failed, serving stale value from fallback cache",
					"breaker", b.name,
					"cache_key", cacheKey,
					"error", err.Error(),
				)
				if b.onFallbackHit != nil {
					b.onFallbackHit(b.name)
				}
				return value, nil
			}
		}
		return nil, err
	}

	b.recordSuccess(class, elapsed)
	if class == OperationRead && cacheKey != "" && result != nil {
		b.cache.Set(cacheKey, result, cacheTTL)
	}
	return result, nil
}

// InvalidateFallback drops a fallback cache entry, for callers that
// just mutated the underlying key.
func (b *RedisCircuitBreaker) InvalidateFallback(cacheKey string) {
	b.cache.Delete(cacheKey)
}

// allowRequest decides whether a call may proceed, transitioning
// OPEN -> HALF_OPEN once the recovery timeout has elapsed.
func (b *RedisCircuitBreaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.stateChangedAt) >= b.recoveryTimeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

func (b *RedisCircuitBreaker) recordSuccess(class OperationClass, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.metrics[class]
	m.TotalRequests++
	m.SuccessCount++
	m.ConsecutiveSuccesses++
	m.ConsecutiveFailures = 0
	m.LastSuccess = time.Now()
	m.recordLatency(elapsed)

	if b.state == StateHalfOpen && m.ConsecutiveSuccesses >= b.successThreshold {
		b.setState(StateClosed)
	}
}

func (b *RedisCircuitBreaker) recordFailure(class OperationClass, err error, elapsed time.Duration) {
	appErr := errors.Classify(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.metrics[class]
	m.TotalRequests++
	m.FailureCount++
	m.LastFailure = time.Now()
	m.recordLatency(elapsed)

	// Permanent errors (bad arguments, auth) say nothing about store
	// availability and must not trip the breaker.
	if appErr.Category == errors.CategoryPermanent {
		return
	}

	m.ConsecutiveFailures++
	m.ConsecutiveSuccesses = 0

	if b.state != StateOpen && m.ConsecutiveFailures >= b.thresholds[class] {
		b.logger.Warn("Failure threshold reached, opening circuit",
			"breaker", b.name,
			"class", string(class),
			"consecutive_failures", m.ConsecutiveFailures,
			"threshold", b.thresholds[class],
		)
		b.setState(StateOpen)
	}
}

// setState must be called with the mutex held.
func (b *RedisCircuitBreaker) setState(state CircuitState) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.stateChangedAt = time.Now()

	if b.state == StateHalfOpen || b.state == StateClosed {
		for _, m := range b.metrics {
			m.ConsecutiveSuccesses = 0
			m.ConsecutiveFailures = 0
		}
	}

	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, state)
	}

	b.logger.LogCircuitEvent(b.name, prev.String(), state.String())
}

// State returns the breaker's current state, accounting for an elapsed
// recovery timeout.
func (b *RedisCircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.stateChangedAt) >= b.recoveryTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// Metrics returns a snapshot of per-class metrics.
func (b *RedisCircuitBreaker) Metrics() map[OperationClass]OperationMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make(map[OperationClass]OperationMetrics, len(b.metrics))
	for class, m := range b.metrics {
		snapshot[class] = *m
	}
	return snapshot
}

// Thresholds returns the current per-class failure thresholds.
func (b *RedisCircuitBreaker) Thresholds() map[OperationClass]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make(map[OperationClass]int, len(b.thresholds))
	for class, t := range b.thresholds {
		snapshot[class] = t
	}
	return snapshot
}

// AutoTune computes threshold recommendations from observed traffic.
// Classes with at least 100 requests get their threshold raised by one
// (cap 10) when the failure rate is under 1%, or lowered by one
// (floor 1) when it exceeds 10%. Recommendations only mutate the live
// thresholds when the breaker was configured with AutoTuneApply.
func (b *RedisCircuitBreaker) AutoTune() []AutoTuneRecommendation {
	b.mu.Lock()
	defer b.mu.Unlock()

	var recommendations []AutoTuneRecommendation
	for _, class := range []OperationClass{OperationRead, OperationWrite, OperationPubSub} {
		m := b.metrics[class]
		if m.TotalRequests < 100 {
			continue
		}

		current := b.thresholds[class]
		recommended := current
		rate := m.FailureRate()

		if rate < 0.01 && current < 10 {
			recommended = current + 1
		} else if rate > 0.10 && current > 1 {
			recommended = current - 1
		}

		if recommended == current {
			continue
		}

		rec := AutoTuneRecommendation{
			Class:            class,
			CurrentThreshold: current,
			Recommended:      recommended,
			FailureRate:      rate,
			TotalRequests:    m.TotalRequests,
			Applied:          b.autoTuneApply,
		}
		if b.autoTuneApply {
			b.thresholds[class] = recommended
		}

		b.logger.Info("Auto-tune threshold recommendation",
			"breaker", b.name,
			"class", string(class),
			"current", current,
			"recommended", recommended,
			"failure_rate", rate,
			"applied", rec.Applied,
		)
		recommendations = append(recommendations, rec)
	}
	return recommendations
}

// Reset forces the breaker back to CLOSED, zeroes the consecutive
// counters, and clears the fallback cache.
func (b *RedisCircuitBreaker) Reset() {
	b.mu.Lock()
	b.setState(StateClosed)
	for _, m := range b.metrics {
		m.ConsecutiveSuccesses = 0
		m.ConsecutiveFailures = 0
	}
	b.mu.Unlock()

	b.cache.Clear()
	b.logger.Info("Circuit breaker reset", "breaker", b.name)
}

// CacheSize returns the current fallback cache entry count.
func (b *RedisCircuitBreaker) CacheSize() int {
	return b.cache.Size()
}

// Status is a point-in-time view of the breaker for diagnostics.
type Status struct {
	Name          string                              `json:"name"`
	State         string                              `json:"state"`
	StateSince    time.Time                           `json:"state_since"`
	Thresholds    map[OperationClass]int              `json:"thresholds"`
	Metrics       map[OperationClass]OperationMetrics `json:"metrics"`
	FallbackCache int                                 `json:"fallback_cache_entries"`
}

// Status returns a diagnostic snapshot of the breaker.
func (b *RedisCircuitBreaker) Status() Status {
	b.mu.Lock()
	state := b.state
	since := b.stateChangedAt
	thresholds := make(map[OperationClass]int, len(b.thresholds))
	for class, t := range b.thresholds {
		thresholds[class] = t
	}
	metrics := make(map[OperationClass]OperationMetrics, len(b.metrics))
	for class, m := range b.metrics {
		metrics[class] = *m
	}
	b.mu.Unlock()

	return Status{
		Name:          b.name,
		State:         state.String(),
		StateSince:    since,
		Thresholds:    thresholds,
		Metrics:       metrics,
		FallbackCache: b.cache.Size(),
	}
}
