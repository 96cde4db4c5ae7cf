package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/logging"
)

const connectivityProbe = "health_check_ping"

// SandboxHealthReport is the verdict of one deep check on one sandbox.
type SandboxHealthReport struct {
	SandboxID    string            `json:"sandbox_id"`
	Status       HealthStatus      `json:"status"`
	State        State             `json:"state,omitempty"`
	Connectivity bool              `json:"connectivity"`
	Services     map[string]bool   `json:"services,omitempty"`
	Resources    map[string]string `json:"resources,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	ResponseTime time.Duration     `json:"response_time"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// HealthCheckConfig holds configuration for sandbox deep checks
type HealthCheckConfig struct {
	// StateTimeout bounds the lifecycle state query
	StateTimeout time.Duration
	// ServiceTimeout bounds each per-service liveness probe
	ServiceTimeout time.Duration
	// CacheTTL is how long reports are served without re-checking
	CacheTTL time.Duration
	// Services maps service names to the process pattern that proves
	// them alive inside the sandbox
	Services map[string]string
}

// DefaultHealthCheckConfig returns the standard deep-check settings,
// covering the services an agent sandbox runs under supervisord.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		StateTimeout:   5 * time.Second,
		ServiceTimeout: 3 * time.Second,
		CacheTTL:       30 * time.Second,
		Services: map[string]string{
			"browser_api": "uvicorn",
			"web_server":  "nginx",
			"vnc_server":  "x11vnc",
		},
	}
}

// SandboxHealthChecker performs deep per-instance health checks:
// lifecycle state, connectivity, service liveness, and coarse resource
// usage.
type SandboxHealthChecker struct {
	client         Client
	stateTimeout   time.Duration
	serviceTimeout time.Duration
	cacheTTL       time.Duration
	services       map[string]string

	mu     sync.Mutex
	cache  map[string]*SandboxHealthReport
	logger *logging.Logger
}

// NewSandboxHealthChecker creates a deep health checker over the given
// sandbox client.
func NewSandboxHealthChecker(client Client, config HealthCheckConfig) *SandboxHealthChecker {
	defaults := DefaultHealthCheckConfig()
	if config.StateTimeout <= 0 {
		config.StateTimeout = defaults.StateTimeout
	}
	if config.ServiceTimeout <= 0 {
		config.ServiceTimeout = defaults.ServiceTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.Services == nil {
		config.Services = defaults.Services
	}

	return &SandboxHealthChecker{
		client:         client,
		stateTimeout:   config.StateTimeout,
		serviceTimeout: config.ServiceTimeout,
		cacheTTL:       config.CacheTTL,
		services:       config.Services,
		cache:          make(map[string]*SandboxHealthReport),
		logger:         logging.GetLogger().WithComponent("sandbox_health"),
	}
}

// CheckSandboxHealth runs a health check on one sandbox. With useCache
// a report younger than the cache TTL is returned as is. With detailed
// the check also probes service liveness and resource usage.
func (c *SandboxHealthChecker) CheckSandboxHealth(ctx context.Context, id string, detailed, useCache bool) *SandboxHealthReport {
	if useCache {
		c.mu.Lock()
		if cached, ok := c.cache[id]; ok && time.Since(cached.CheckedAt) < c.cacheTTL {
			report := *cached
			c.mu.Unlock()
			return &report
		}
		c.mu.Unlock()
	}

	report := c.check(ctx, id, detailed)

	c.mu.Lock()
	c.cache[id] = report
	snapshot := *report
	c.mu.Unlock()

	return &snapshot
}

func (c *SandboxHealthChecker) check(ctx context.Context, id string, detailed bool) *SandboxHealthReport {
	start := time.Now()
	report := &SandboxHealthReport{
		SandboxID: id,
		Status:    StatusUnknown,
		CheckedAt: time.Now(),
	}

	stateCtx, cancel := context.WithTimeout(ctx, c.stateTimeout)
	instance, err := c.client.Get(stateCtx, id)
	cancel()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to query sandbox state: %v", err))
		report.ResponseTime = time.Since(start)
		return report
	}
	report.State = instance.State

	switch instance.State {
	case StateStopped, StateArchived:
		report.Status = StatusUnhealthy
		report.Errors = append(report.Errors, fmt.Sprintf("sandbox is %s", instance.State))
		report.ResponseTime = time.Since(start)
		return report
	case StateStarted:
		// fall through to connectivity checks
	default:
		report.Status = StatusUnknown
		report.Warnings = append(report.Warnings, fmt.Sprintf("unrecognized sandbox state %q", instance.State))
		report.ResponseTime = time.Since(start)
		return report
	}

	report.Connectivity = c.checkConnectivity(ctx, id)
	if !report.Connectivity {
		report.Status = StatusUnhealthy
		report.Errors = append(report.Errors, "sandbox is running but unreachable")
		report.ResponseTime = time.Since(start)
		return report
	}

	report.Status = StatusHealthy

	if detailed {
		report.Services = c.checkServices(ctx, id)
		for name, up := range report.Services {
			if !up {
				report.Status = StatusDegraded
				report.Errors = append(report.Errors, fmt.Sprintf("service %s is down", name))
			}
		}

		// Resource introspection is best effort and never fails the check.
		resources, warnings := c.checkResources(ctx, id)
		report.Resources = resources
		report.Warnings = append(report.Warnings, warnings...)
	}

	report.ResponseTime = time.Since(start)
	return report
}

// checkConnectivity executes a trivial echo inside the sandbox and
// expects the marker back.
func (c *SandboxHealthChecker) checkConnectivity(ctx context.Context, id string) bool {
	cmdCtx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
	defer cancel()

	result, err := c.client.ExecuteCommand(cmdCtx, id, "echo "+connectivityProbe)
	if err != nil {
		return false
	}
	return result.ExitCode == 0 && strings.Contains(result.Output, connectivityProbe)
}

// checkServices probes each configured service by process presence.
func (c *SandboxHealthChecker) checkServices(ctx context.Context, id string) map[string]bool {
	services := make(map[string]bool, len(c.services))
	for name, pattern := range c.services {
		cmdCtx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
		result, err := c.client.ExecuteCommand(cmdCtx, id, "pgrep -f "+pattern)
		cancel()

		services[name] = err == nil && result.ExitCode == 0 && strings.TrimSpace(result.Output) != ""
	}
	return services
}

var resourceCommands = map[string]string{
	"disk":   "df -h / | tail -1",
	"memory": "free -m | grep Mem",
	"load":   "uptime",
}

func (c *SandboxHealthChecker) checkResources(ctx context.Context, id string) (map[string]string, []string) {
	resources := make(map[string]string, len(resourceCommands))
	var warnings []string

	for name, command := range resourceCommands {
		cmdCtx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
		result, err := c.client.ExecuteCommand(cmdCtx, id, command)
		cancel()

		if err != nil || result.ExitCode != 0 {
			warnings = append(warnings, fmt.Sprintf("%s check failed", name))
			continue
		}
		resources[name] = strings.TrimSpace(result.Output)
	}
	return resources, warnings
}

// BatchHealthCheck checks several sandboxes concurrently. A failure
// for one id never fails the batch; it surfaces as an UNKNOWN report.
func (c *SandboxHealthChecker) BatchHealthCheck(ctx context.Context, ids []string, detailed bool) map[string]*SandboxHealthReport {
	reports := make(map[string]*SandboxHealthReport, len(ids))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					reports[id] = &SandboxHealthReport{
						SandboxID: id,
						Status:    StatusUnknown,
						Errors:    []string{fmt.Sprintf("health check panicked: %v", r)},
						CheckedAt: time.Now(),
					}
					mu.Unlock()
				}
			}()

			report := c.CheckSandboxHealth(ctx, id, detailed, true)
			mu.Lock()
			reports[id] = report
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return reports
}

// InvalidateCache drops the cached report for one sandbox.
func (c *SandboxHealthChecker) InvalidateCache(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
}
