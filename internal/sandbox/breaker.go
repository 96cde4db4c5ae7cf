package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/logging"
	"github.com/relayforge/aegis/pkg/resilience"
)

// BreakerConfig holds configuration for the sandbox circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure trip point
	FailureThreshold int
	// SuccessThreshold closes the breaker from half-open
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays open before a
	// health re-probe can move it to half-open
	RecoveryTimeout time.Duration
	// DefaultTimeout bounds operations without a specific deadline
	DefaultTimeout time.Duration
	// OperationTimeouts overrides the deadline per operation name
	OperationTimeouts map[string]time.Duration
	// OnStateChange is called whenever the breaker changes state
	OnStateChange func(name string, from, to resilience.CircuitState)
}

// DefaultBreakerConfig returns the standard sandbox breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		DefaultTimeout:   15 * time.Second,
		OperationTimeouts: map[string]time.Duration{
			"create":  30 * time.Second,
			"get":     10 * time.Second,
			"execute": 20 * time.Second,
		},
	}
}

// Breaker is a single global circuit breaker guarding all sandbox
// service calls. Unlike the store breaker it consults the service
// health checker before rejecting: a passing re-probe while open moves
// the breaker to half-open immediately instead of waiting out the full
// recovery timeout.
type Breaker struct {
	failureThreshold  int
	successThreshold  int
	recoveryTimeout   time.Duration
	defaultTimeout    time.Duration
	operationTimeouts map[string]time.Duration
	onStateChange     func(name string, from, to resilience.CircuitState)

	health *HealthChecker
	logger *logging.Logger

	mu                   sync.Mutex
	state                resilience.CircuitState
	stateChangedAt       time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	totalFailures        int64
}

// NewBreaker creates a sandbox circuit breaker backed by the given
// health checker.
func NewBreaker(config BreakerConfig, health *HealthChecker) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.OperationTimeouts == nil {
		config.OperationTimeouts = defaults.OperationTimeouts
	}

	return &Breaker{
		failureThreshold:  config.FailureThreshold,
		successThreshold:  config.SuccessThreshold,
		recoveryTimeout:   config.RecoveryTimeout,
		defaultTimeout:    config.DefaultTimeout,
		operationTimeouts: config.OperationTimeouts,
		onStateChange:     config.OnStateChange,
		health:            health,
		logger:            logging.GetLogger().WithComponent("daytona_breaker"),
		state:             resilience.StateClosed,
		stateChangedAt:    time.Now(),
	}
}

// Execute runs op under the breaker with an operation-specific
// deadline. The operation name selects the deadline and labels logs.
func (b *Breaker) Execute(ctx context.Context, operation string, op func(context.Context) (interface{}, error)) (interface{}, error) {
	return b.ExecuteWithTimeout(ctx, operation, 0, op)
}

// ExecuteWithTimeout runs op with an explicit deadline, overriding the
// operation's configured one when timeout is positive.
func (b *Breaker) ExecuteWithTimeout(ctx context.Context, operation string, timeout time.Duration, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.allowRequest(ctx); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = b.timeoutFor(operation)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := op(opCtx)
	if err != nil {
		b.recordFailure()
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError("sandbox "+operation, timeout).WithCause(err)
		}
		return nil, err
	}

	b.recordSuccess()
	return result, nil
}

func (b *Breaker) timeoutFor(operation string) time.Duration {
	if t, ok := b.operationTimeouts[operation]; ok {
		return t
	}
	return b.defaultTimeout
}

// allowRequest decides whether a call may proceed. While the breaker
// is open within the recovery window, a forced health probe gets one
// chance to prove the service recovered early.
func (b *Breaker) allowRequest(ctx context.Context) error {
	b.mu.Lock()
	if b.state != resilience.StateOpen {
		b.mu.Unlock()
		return nil
	}

	if time.Since(b.stateChangedAt) >= b.recoveryTimeout {
		b.setState(resilience.StateHalfOpen)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Probe outside the lock; the probe is a network call.
	report := b.health.CheckHealth(ctx, true)
	if report.Status == StatusHealthy {
		b.mu.Lock()
		if b.state == resilience.StateOpen {
			b.setState(resilience.StateHalfOpen)
		}
		b.mu.Unlock()
		return nil
	}

	return errors.NewSandboxError("sandbox service unavailable, circuit breaker open").
		WithDetail("health_status", string(report.Status)).
		WithRecoveryAction("Wait for the sandbox service to recover")
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0

	if b.state == resilience.StateHalfOpen && b.consecutiveSuccesses >= b.successThreshold {
		b.setState(resilience.StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalFailures++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0

	if b.state != resilience.StateOpen && b.consecutiveFailures >= b.failureThreshold {
		b.logger.Warn("Sandbox failure threshold reached, opening circuit",
			"consecutive_failures", b.consecutiveFailures,
			"threshold", b.failureThreshold,
		)
		b.setState(resilience.StateOpen)
	}
}

// setState must be called with the mutex held.
func (b *Breaker) setState(state resilience.CircuitState) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.stateChangedAt = time.Now()
	b.consecutiveSuccesses = 0
	b.consecutiveFailures = 0

	if b.onStateChange != nil {
		b.onStateChange("daytona", prev, state)
	}
	b.logger.LogCircuitEvent("daytona", prev.String(), state.String())
}

// State returns the breaker's current state.
func (b *Breaker) State() resilience.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(resilience.StateClosed)
}

// BreakerStatus is a diagnostic snapshot of the sandbox breaker.
type BreakerStatus struct {
	State               string    `json:"state"`
	StateSince          time.Time `json:"state_since"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
}

// Status returns a diagnostic snapshot.
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStatus{
		State:               b.state.String(),
		StateSince:          b.stateChangedAt,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalRequests:       b.totalRequests,
		TotalFailures:       b.totalFailures,
		FailureThreshold:    b.failureThreshold,
	}
}
