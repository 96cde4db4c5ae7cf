package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() (*StatusTracker, *fakeCommands) {
	svc, fake := newTestService()
	return NewStatusTracker(svc), fake
}

func TestStatusTracker_SetGetStatus(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tracker.SetStatus(ctx, "run-1", RunStatusRunning))

	status, err := tracker.GetStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, status)

	_, err = tracker.GetStatus(ctx, "run-unknown")
	require.Error(t, err)
	assert.True(t, NotFound(err))
}

func TestStatusTracker_SetStatusPublishesProgressEvent(t *testing.T) {
	tracker, fake := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tracker.SetStatus(ctx, "run-1", RunStatusRunning))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var published bool
	for _, pub := range fake.pubs {
		if strings.Contains(pub, "run:run-1:progress") && strings.Contains(pub, `"status":"running"`) {
			published = true
		}
	}
	assert.True(t, published, "status changes are broadcast to stream consumers")
}

func TestStatusTracker_HeartbeatLifecycle(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	tracker.StartHeartbeat(ctx, "run-1")

	// The first refresh happens immediately.
	require.Eventually(t, func() bool {
		return tracker.IsAlive(ctx, "run-1")
	}, time.Second, 5*time.Millisecond)

	tracker.StopHeartbeat(ctx, "run-1")
	assert.False(t, tracker.IsAlive(ctx, "run-1"), "stop removes the marker")
}

func TestStatusTracker_TerminalStatusesAreNeverStuck(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	// Finished runs without heartbeats are the normal case, not stuck.
	require.NoError(t, tracker.SetStatus(ctx, "run-done", RunStatusCompleted))
	require.NoError(t, tracker.SetStatus(ctx, "run-failed", RunStatusFailed))

	stuck, err := tracker.FindStuckRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestStatusTracker_DetectsStuckRun(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	// Running status with no heartbeat marker: the worker died.
	require.NoError(t, tracker.SetStatus(ctx, "run-hung", RunStatusRunning))

	// A healthy running run has a heartbeat.
	require.NoError(t, tracker.SetStatus(ctx, "run-live", RunStatusRunning))
	tracker.StartHeartbeat(ctx, "run-live")
	require.Eventually(t, func() bool {
		return tracker.IsAlive(ctx, "run-live")
	}, time.Second, 5*time.Millisecond)
	defer tracker.StopHeartbeat(ctx, "run-live")

	stuck, err := tracker.FindStuckRuns(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "run-hung", stuck[0].RunID)
	assert.Equal(t, RunStatusRunning, stuck[0].Status)
}

func TestStatusTracker_RecoverStuckRun(t *testing.T) {
	tracker, fake := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tracker.SetStatus(ctx, "run-hung", RunStatusRunning))
	require.NoError(t, tracker.store.Set(ctx, "run:run-hung:lock", "worker-7", 0))

	require.NoError(t, tracker.RecoverStuckRun(ctx, "run-hung"))

	status, err := tracker.GetStatus(ctx, "run-hung")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, status)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var stopPublished bool
	for _, pub := range fake.pubs {
		if strings.Contains(pub, "run:run-hung:control") && strings.Contains(pub, "STOP") {
			stopPublished = true
		}
	}
	assert.True(t, stopPublished, "recovery publishes a stop signal")
	_, hasLock := fake.data["run:run-hung:lock"]
	assert.False(t, hasLock, "recovery releases the lock")
}

func TestStatusMonitor_SweepsAndRecovers(t *testing.T) {
	tracker, _ := newTestTracker()
	ctx := context.Background()

	require.NoError(t, tracker.SetStatus(ctx, "run-hung", RunStatusRunning))

	monitor := NewStatusMonitor(tracker, 10*time.Millisecond)
	monitor.Start(ctx)
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		status, err := tracker.GetStatus(ctx, "run-hung")
		return err == nil && status == RunStatusFailed
	}, time.Second, 10*time.Millisecond)
}
