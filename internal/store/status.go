package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/logging"
)

// RunStatus is the lifecycle status of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

const (
	// heartbeatTTL is the key expiry; a run that stops refreshing
	// disappears from the store on its own.
	heartbeatTTL = 30 * time.Second
	// heartbeatInterval is how often a live run refreshes its marker.
	heartbeatInterval = 10 * time.Second
	// statusTTL keeps finished run statuses around for inspection.
	statusTTL = time.Hour
	// stopSignal is published on a run's control channel to make the
	// worker abandon it.
	stopSignal = "STOP"
)

func heartbeatKey(runID string) string    { return "run:" + runID + ":heartbeat" }
func statusKey(runID string) string       { return "run:" + runID + ":status" }
func controlChannel(runID string) string  { return "run:" + runID + ":control" }
func progressChannel(runID string) string { return "run:" + runID + ":progress" }
func lockKey(runID string) string         { return "run:" + runID + ":lock" }

// StatusTracker maintains run statuses and heartbeats in the guarded
// store. A heartbeat is a TTL'd marker refreshed while the run is
// alive; its absence distinguishes a hung worker from a finished one.
type StatusTracker struct {
	store  *Service
	logger *logging.Logger

	mu         sync.Mutex
	heartbeats map[string]*heartbeatTask
}

type heartbeatTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStatusTracker creates a status tracker over the guarded store.
func NewStatusTracker(store *Service) *StatusTracker {
	return &StatusTracker{
		store:      store,
		logger:     logging.GetLogger().WithComponent("status_tracker"),
		heartbeats: make(map[string]*heartbeatTask),
	}
}

// statusEvent is published on the run's progress channel whenever the
// status changes, so stream consumers see transitions without polling.
type statusEvent struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SetStatus records a run's status and broadcasts the transition on the
// run's progress channel. The broadcast is best-effort.
func (t *StatusTracker) SetStatus(ctx context.Context, runID string, status RunStatus) error {
	if err := t.store.Set(ctx, statusKey(runID), string(status), statusTTL); err != nil {
		return err
	}

	payload, err := json.Marshal(statusEvent{
		Type:      "status",
		RunID:     runID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err == nil {
		if _, err := t.store.Publish(ctx, progressChannel(runID), string(payload)); err != nil {
			t.logger.Warn("Failed to publish status event",
				"run_id", runID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

// GetStatus returns a run's status, or "" with a not-found error when
// the run is unknown.
func (t *StatusTracker) GetStatus(ctx context.Context, runID string) (RunStatus, error) {
	val, err := t.store.Get(ctx, statusKey(runID))
	if err != nil {
		return "", err
	}
	return RunStatus(val), nil
}

// StartHeartbeat begins refreshing the run's heartbeat marker every
// heartbeatInterval until StopHeartbeat is called or ctx is cancelled.
func (t *StatusTracker) StartHeartbeat(ctx context.Context, runID string) {
	t.mu.Lock()
	if _, exists := t.heartbeats[runID]; exists {
		t.mu.Unlock()
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &heartbeatTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.heartbeats[runID] = task
	t.mu.Unlock()

	go t.heartbeatLoop(taskCtx, task, runID)
}

// StopHeartbeat cancels the run's heartbeat loop and waits for it,
// then removes the marker so the run reads as finished immediately.
func (t *StatusTracker) StopHeartbeat(ctx context.Context, runID string) {
	t.mu.Lock()
	task, exists := t.heartbeats[runID]
	if exists {
		delete(t.heartbeats, runID)
	}
	t.mu.Unlock()

	if !exists {
		return
	}

	task.cancel()
	<-task.done

	if _, err := t.store.Delete(ctx, heartbeatKey(runID)); err != nil {
		t.logger.Warn("Failed to remove heartbeat marker",
			"run_id", runID,
			"error", err.Error(),
		)
	}
}

func (t *StatusTracker) heartbeatLoop(ctx context.Context, task *heartbeatTask, runID string) {
	defer close(task.done)

	t.refreshHeartbeat(ctx, runID)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshHeartbeat(ctx, runID)
		}
	}
}

func (t *StatusTracker) refreshHeartbeat(ctx context.Context, runID string) {
	if err := t.store.Set(ctx, heartbeatKey(runID), time.Now().UTC().Format(time.RFC3339), heartbeatTTL); err != nil {
		t.logger.Warn("Heartbeat refresh failed",
			"run_id", runID,
			"error", err.Error(),
		)
	}
}

// IsAlive reports whether the run has a live heartbeat.
func (t *StatusTracker) IsAlive(ctx context.Context, runID string) bool {
	_, err := t.store.Get(ctx, heartbeatKey(runID))
	return err == nil
}

// StuckRun describes a run whose heartbeat lapsed while its status is
// still non-terminal.
type StuckRun struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// FindStuckRuns scans run statuses and reports runs that are neither
// finished nor heartbeating. Terminal statuses are never stuck, no
// matter how old; that distinction prevents false-positive recovery.
func (t *StatusTracker) FindStuckRuns(ctx context.Context) ([]StuckRun, error) {
	keys, err := t.store.Keys(ctx, "run:*:status")
	if err != nil {
		return nil, err
	}

	var stuck []StuckRun
	for _, key := range keys {
		runID := strings.TrimSuffix(strings.TrimPrefix(key, "run:"), ":status")
		if runID == "" || runID == key {
			continue
		}

		val, err := t.store.Get(ctx, key)
		if err != nil {
			continue
		}
		status := RunStatus(val)
		if status.IsTerminal() {
			continue
		}

		if !t.IsAlive(ctx, runID) {
			stuck = append(stuck, StuckRun{RunID: runID, Status: status})
		}
	}
	return stuck, nil
}

// RecoverStuckRun marks a stuck run failed, tells its worker to stop,
// and releases its lock.
func (t *StatusTracker) RecoverStuckRun(ctx context.Context, runID string) error {
	if err := t.SetStatus(ctx, runID, RunStatusFailed); err != nil {
		return fmt.Errorf("marking run %s failed: %w", runID, err)
	}

	if _, err := t.store.Publish(ctx, controlChannel(runID), stopSignal); err != nil {
		t.logger.Warn("Failed to publish stop signal for stuck run",
			"run_id", runID,
			"error", err.Error(),
		)
	}

	if _, err := t.store.Delete(ctx, lockKey(runID)); err != nil {
		t.logger.Warn("Failed to release lock for stuck run",
			"run_id", runID,
			"error", err.Error(),
		)
	}

	if t.store.metrics != nil {
		t.store.metrics.RecordStuckRunRecovery()
	}

	t.logger.Info("Recovered stuck run", "run_id", runID)
	return nil
}

// StatusMonitor periodically sweeps for stuck runs and recovers them.
type StatusMonitor struct {
	tracker  *StatusTracker
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewStatusMonitor creates a stuck-run sweeper.
func NewStatusMonitor(tracker *StatusTracker, interval time.Duration) *StatusMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StatusMonitor{
		tracker:  tracker,
		interval: interval,
		logger:   logging.GetLogger().WithComponent("status_monitor"),
	}
}

// Start begins the sweep loop.
func (m *StatusMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(loopCtx)
	m.logger.Info("Status monitor started", "interval", m.interval)
}

// Stop cancels the sweep loop and waits for it to finish.
func (m *StatusMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("Status monitor stopped")
}

func (m *StatusMonitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *StatusMonitor) sweep(ctx context.Context) {
	stuck, err := m.tracker.FindStuckRuns(ctx)
	if err != nil {
		m.logger.Warn("Stuck-run sweep failed", "error", err.Error())
		return
	}

	for _, run := range stuck {
		m.logger.Warn("Detected stuck run",
			"run_id", run.RunID,
			"status", string(run.Status),
		)
		if err := m.tracker.RecoverStuckRun(ctx, run.RunID); err != nil {
			m.logger.Error("Failed to recover stuck run",
				"run_id", run.RunID,
				"error", err.Error(),
			)
		}
	}
}
