package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a scriptable sandbox client for tests.
type fakeClient struct {
	mu       sync.Mutex
	getFn    func(ctx context.Context, id string) (*Instance, error)
	execFn   func(ctx context.Context, id, command string) (*CommandResult, error)
	startFn  func(ctx context.Context, id string) error
	starts   []string
	commands []string
}

func (f *fakeClient) Get(ctx context.Context, id string) (*Instance, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return &Instance{ID: id, State: StateStarted}, nil
}

func (f *fakeClient) Create(ctx context.Context, image string) (*Instance, error) {
	return &Instance{ID: "new", State: StateStarted}, nil
}

func (f *fakeClient) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	f.starts = append(f.starts, id)
	f.mu.Unlock()
	if f.startFn != nil {
		return f.startFn(ctx, id)
	}
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, id string) error {
	return nil
}

func (f *fakeClient) ExecuteCommand(ctx context.Context, id, command string) (*CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	if f.execFn != nil {
		return f.execFn(ctx, id, command)
	}
	if strings.HasPrefix(command, "echo ") {
		return &CommandResult{ExitCode: 0, Output: strings.TrimPrefix(command, "echo ")}, nil
	}
	return &CommandResult{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeClient) executedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestHealthChecker(client Client) *SandboxHealthChecker {
	return NewSandboxHealthChecker(client, HealthCheckConfig{
		StateTimeout:   time.Second,
		ServiceTimeout: time.Second,
		CacheTTL:       time.Minute,
		Services:       map[string]string{"api": "uvicorn"},
	})
}

func TestSandboxHealthCheck_RunningAndReachable(t *testing.T) {
	checker := newTestHealthChecker(&fakeClient{})

	report := checker.CheckSandboxHealth(context.Background(), "sb-1", false, false)

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StateStarted, report.State)
	assert.True(t, report.Connectivity)
	assert.Empty(t, report.Errors)
}

func TestSandboxHealthCheck_StoppedIsUnhealthy(t *testing.T) {
	client := &fakeClient{
		getFn: func(ctx context.Context, id string) (*Instance, error) {
			return &Instance{ID: id, State: StateStopped}, nil
		},
	}
	checker := newTestHealthChecker(client)

	report := checker.CheckSandboxHealth(context.Background(), "sb-1", false, false)

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StateStopped, report.State)
	assert.Empty(t, client.executedCommands(), "no commands should run in a stopped sandbox")
}

func TestSandboxHealthCheck_UnrecognizedStateIsUnknown(t *testing.T) {
	client := &fakeClient{
		getFn: func(ctx context.Context, id string) (*Instance, error) {
			return &Instance{ID: id, State: State("provisioning")}, nil
		},
	}
	checker := newTestHealthChecker(client)

	report := checker.CheckSandboxHealth(context.Background(), "sb-1", false, false)

	assert.Equal(t, StatusUnknown, report.Status)
	assert.NotEmpty(t, report.Warnings)
}

func TestSandboxHealthCheck_UnreachableIsUnhealthy(t *testing.T) {
	client := &fakeClient{
		execFn: func(ctx context.Context, id, command string) (*CommandResult, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	checker := newTestHealthChecker(client)

	report := checker.CheckSandboxHealth(context.Background(), "sb-1", false, false)

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.Connectivity)
}

func TestSandboxHealthCheck_DetailedServiceDown(t *testing.T) {
	client := &fakeClient{
		execFn: func(ctx context.Context, id, command string) (*CommandResult, error) {
			if strings.HasPrefix(command, "echo ") {
				return &CommandResult{ExitCode: 0, Output: connectivityProbe}, nil
			}
			if strings.HasPrefix(command, "pgrep") {
				return &CommandResult{ExitCode: 1, Output: ""}, nil
			}
			return &CommandResult{ExitCode: 0, Output: "ok"}, nil
		},
	}
	checker := newTestHealthChecker(client)

	report := checker.CheckSandboxHealth(context.Background(), "sb-1", true, false)

	assert.Equal(t, StatusDegraded, report.Status)
	assert.False(t, report.Services["api"])
	assert.NotEmpty(t, report.Errors)
}

func TestSandboxHealthCheck_ResourceFailuresAreWarnings(t *testing.T) {
	client := &fakeClient{
		execFn: func(ctx context.Context, id, command string) (*CommandResult, error) {
			switch {
			case strings.HasPrefix(command, "echo "):
				return &CommandResult{ExitCode: 0, Output: connectivityProbe}, nil
			case strings.HasPrefix(command, "pgrep"):
				return &CommandResult{ExitCode: 0, Output: "1234"}, nil
			default:
				return nil, fmt.Errorf("command not found")
			}
		},
	}
	checker := newTestHealthChecker(client)

	report := checker.CheckSandboxHealth(context.Background(), "sb-1", true, false)

	assert.Equal(t, StatusHealthy, report.Status, "resource failures must not fail the check")
	assert.NotEmpty(t, report.Warnings)
	assert.Empty(t, report.Resources)
}

func TestSandboxHealthCheck_UsesCache(t *testing.T) {
	calls := 0
	client := &fakeClient{
		getFn: func(ctx context.Context, id string) (*Instance, error) {
			calls++
			return &Instance{ID: id, State: StateStarted}, nil
		},
	}
	checker := newTestHealthChecker(client)

	checker.CheckSandboxHealth(context.Background(), "sb-1", false, true)
	checker.CheckSandboxHealth(context.Background(), "sb-1", false, true)
	assert.Equal(t, 1, calls)

	checker.CheckSandboxHealth(context.Background(), "sb-1", false, false)
	assert.Equal(t, 2, calls, "useCache=false must re-check")

	checker.InvalidateCache("sb-1")
	checker.CheckSandboxHealth(context.Background(), "sb-1", false, true)
	assert.Equal(t, 3, calls)
}

func TestBatchHealthCheck_IsolatesFailures(t *testing.T) {
	client := &fakeClient{
		getFn: func(ctx context.Context, id string) (*Instance, error) {
			if id == "sb-bad" {
				return nil, fmt.Errorf("sandbox not found")
			}
			return &Instance{ID: id, State: StateStarted}, nil
		},
	}
	checker := newTestHealthChecker(client)

	reports := checker.BatchHealthCheck(context.Background(), []string{"sb-1", "sb-bad", "sb-2"}, false)

	require.Len(t, reports, 3)
	assert.Equal(t, StatusHealthy, reports["sb-1"].Status)
	assert.Equal(t, StatusHealthy, reports["sb-2"].Status)
	assert.Equal(t, StatusUnknown, reports["sb-bad"].Status)
	assert.NotEmpty(t, reports["sb-bad"].Errors)
}
