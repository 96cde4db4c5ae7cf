package resilience

import (
	"errors"
	"fmt"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, test requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// OperationClass partitions guarded operations so that each class can
// carry its own failure threshold.
type OperationClass string

const (
	// OperationRead covers GET/LRANGE/KEYS style lookups
	OperationRead OperationClass = "read"
	// OperationWrite covers SET/DELETE/RPUSH/EXPIRE mutations
	OperationWrite OperationClass = "write"
	// OperationPubSub covers PUBLISH and subscription management
	OperationPubSub OperationClass = "pubsub"
)

// CircuitBreakerError represents a rejection by an open circuit breaker
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitBreakerError checks if an error is a circuit breaker rejection
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
