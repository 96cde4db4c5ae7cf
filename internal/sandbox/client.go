// Package sandbox guards calls to the remote sandbox-execution service
// with a circuit breaker, service-level health probes, per-instance
// deep health checks, and an autonomous recovery monitor.
package sandbox

import "context"

// State is the lifecycle state reported by the sandbox service.
type State string

const (
	StateStarted  State = "started"
	StateStopped  State = "stopped"
	StateArchived State = "archived"
	StateError    State = "error"
)

// Instance is a sandbox as seen through the service API.
type Instance struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// CommandResult is the outcome of a command executed inside a sandbox.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Client is the sandbox-service API surface the resilience layer wraps.
// Implementations are expected to honor context deadlines.
type Client interface {
	Get(ctx context.Context, id string) (*Instance, error)
	Create(ctx context.Context, image string) (*Instance, error)
	Start(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ExecuteCommand(ctx context.Context, id, command string) (*CommandResult, error)
}

// HealthStatus is the verdict of a health probe.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnhealthy   HealthStatus = "unhealthy"
	StatusUnavailable HealthStatus = "unavailable"
	StatusUnknown     HealthStatus = "unknown"
)
