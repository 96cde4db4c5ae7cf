package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/logging"
	"github.com/relayforge/aegis/pkg/metrics"
	"github.com/relayforge/aegis/pkg/resilience"
)

// MonitorConfig holds configuration for the sandbox monitor
type MonitorConfig struct {
	// DefaultInterval is the polling interval when StartMonitoring is
	// called without one
	DefaultInterval time.Duration
	// MaxRecoveryAttempts caps automatic recovery per sandbox; once
	// exhausted the sandbox requires manual intervention until it is
	// observed healthy again
	MaxRecoveryAttempts int
}

// monitorTask is one running poll loop for one sandbox.
type monitorTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor runs one cancellable polling loop per monitored sandbox and
// attempts automatic recovery of unhealthy instances.
type Monitor struct {
	client              Client
	checker             *SandboxHealthChecker
	alerts              *resilience.AlertManager
	defaultInterval     time.Duration
	maxRecoveryAttempts int
	logger              *logging.Logger
	metrics             *metrics.Metrics

	mu               sync.Mutex
	tasks            map[string]*monitorTask
	recoveryAttempts map[string]int
}

// NewMonitor creates a sandbox monitor. alerts may be nil to disable
// alerting.
func NewMonitor(client Client, checker *SandboxHealthChecker, alerts *resilience.AlertManager, config MonitorConfig) *Monitor {
	if config.DefaultInterval <= 0 {
		config.DefaultInterval = 60 * time.Second
	}
	if config.MaxRecoveryAttempts <= 0 {
		config.MaxRecoveryAttempts = 3
	}

	return &Monitor{
		client:              client,
		checker:             checker,
		alerts:              alerts,
		defaultInterval:     config.DefaultInterval,
		maxRecoveryAttempts: config.MaxRecoveryAttempts,
		logger:              logging.GetLogger().WithComponent("sandbox_monitor"),
		tasks:               make(map[string]*monitorTask),
		recoveryAttempts:    make(map[string]int),
	}
}

// WithMetrics records health check, recovery, and gauge metrics.
func (m *Monitor) WithMetrics(mx *metrics.Metrics) *Monitor {
	m.metrics = mx
	return m
}

// StartMonitoring begins a polling loop for the given sandbox. A zero
// interval uses the configured default. Starting an already monitored
// sandbox is a no-op.
func (m *Monitor) StartMonitoring(ctx context.Context, sandboxID string, interval time.Duration, autoRecover bool) {
	if interval <= 0 {
		interval = m.defaultInterval
	}

	m.mu.Lock()
	if _, exists := m.tasks[sandboxID]; exists {
		m.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(logging.WithSandboxID(ctx, sandboxID))
	task := &monitorTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tasks[sandboxID] = task
	count := len(m.tasks)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMonitoredSandboxes(count)
	}

	go m.monitorLoop(loopCtx, task, sandboxID, interval, autoRecover)

	m.logger.LogSandboxEvent(ctx, "monitoring_started", sandboxID)
}

// StopMonitoring cancels the polling loop for the given sandbox and
// waits for it to finish, so cleanup cannot race a stop request.
func (m *Monitor) StopMonitoring(ctx context.Context, sandboxID string) {
	m.mu.Lock()
	task, exists := m.tasks[sandboxID]
	if exists {
		delete(m.tasks, sandboxID)
	}
	count := len(m.tasks)
	m.mu.Unlock()

	if !exists {
		return
	}

	task.cancel()
	<-task.done

	if m.metrics != nil {
		m.metrics.UpdateMonitoredSandboxes(count)
	}

	m.logger.LogSandboxEvent(ctx, "monitoring_stopped", sandboxID)
}

// StopAll stops every polling loop and waits for them to finish.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	tasks := m.tasks
	m.tasks = make(map[string]*monitorTask)
	m.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}

	if m.metrics != nil {
		m.metrics.UpdateMonitoredSandboxes(0)
	}
}

// MonitoredSandboxes returns the ids currently being monitored.
func (m *Monitor) MonitoredSandboxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (m *Monitor) monitorLoop(ctx context.Context, task *monitorTask, sandboxID string, interval time.Duration, autoRecover bool) {
	defer close(task.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx, sandboxID, autoRecover)
		}
	}
}

func (m *Monitor) checkOnce(ctx context.Context, sandboxID string, autoRecover bool) {
	start := time.Now()
	report := m.checker.CheckSandboxHealth(ctx, sandboxID, true, false)
	if m.metrics != nil {
		m.metrics.RecordSandboxHealthCheck(string(report.Status), true, time.Since(start))
	}

	switch report.Status {
	case StatusHealthy:
		m.mu.Lock()
		if m.recoveryAttempts[sandboxID] > 0 {
			m.logger.LogSandboxEvent(ctx, "recovered", sandboxID)
			m.recoveryAttempts[sandboxID] = 0
		}
		m.mu.Unlock()

	case StatusUnhealthy:
		if !autoRecover {
			m.logger.Warn("Sandbox unhealthy, auto-recovery disabled",
				"sandbox_id", sandboxID,
				"errors", report.Errors,
			)
			return
		}
		m.attemptRecovery(ctx, sandboxID, report)

	case StatusDegraded:
		m.logger.Warn("Sandbox degraded",
			"sandbox_id", sandboxID,
			"errors", report.Errors,
		)
	}
}

func (m *Monitor) attemptRecovery(ctx context.Context, sandboxID string, report *SandboxHealthReport) {
	m.mu.Lock()
	attempts := m.recoveryAttempts[sandboxID]
	if attempts >= m.maxRecoveryAttempts {
		m.mu.Unlock()
		return
	}
	m.recoveryAttempts[sandboxID] = attempts + 1
	attempts++
	m.mu.Unlock()

	m.logger.Info("Attempting sandbox recovery",
		"sandbox_id", sandboxID,
		"attempt", attempts,
		"max_attempts", m.maxRecoveryAttempts,
		"sandbox_state", string(report.State),
	)

	var err error
	action := "restart_services"
	if report.State == StateStopped || report.State == StateArchived {
		action = "restart_sandbox"
		err = m.restartSandbox(ctx, sandboxID)
	} else {
		err = m.restartServices(ctx, sandboxID)
	}

	if m.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.metrics.RecordSandboxRecovery(action, outcome)
	}

	if err != nil {
		m.logger.Error("Sandbox recovery attempt failed",
			"sandbox_id", sandboxID,
			"attempt", attempts,
			"error", err.Error(),
		)
	} else {
		// The next poll will observe the result; drop the stale report
		// so it re-checks for real.
		m.checker.InvalidateCache(sandboxID)
		m.logger.LogSandboxEvent(ctx, "recovery_attempted", sandboxID)
	}

	// The budget is spent exactly once, whether or not the final restart
	// command itself errored; a sandbox that stays unhealthy after a
	// clean restart would otherwise exhaust silently.
	if attempts >= m.maxRecoveryAttempts {
		m.logger.Error("Sandbox recovery attempts exhausted, manual intervention required",
			"sandbox_id", sandboxID,
		)
		if m.alerts != nil {
			alert := resilience.NewRecoveryExhaustedAlert(sandboxID, attempts)
			if alertErr := m.alerts.SendAlert(ctx, alert); alertErr != nil {
				m.logger.Error("Failed to send recovery alert", "error", alertErr.Error())
			}
		}
	}
}

func (m *Monitor) restartSandbox(ctx context.Context, sandboxID string) error {
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := m.client.Start(startCtx, sandboxID); err != nil {
		return fmt.Errorf("starting sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (m *Monitor) restartServices(ctx context.Context, sandboxID string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	result, err := m.client.ExecuteCommand(cmdCtx, sandboxID, "supervisorctl restart all")
	if err != nil {
		return fmt.Errorf("restarting services in sandbox %s: %w", sandboxID, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("service restart in sandbox %s exited %d: %s", sandboxID, result.ExitCode, result.Output)
	}
	return nil
}

// RecoveryAttempts returns the recovery attempt count for a sandbox.
func (m *Monitor) RecoveryAttempts(sandboxID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoveryAttempts[sandboxID]
}
