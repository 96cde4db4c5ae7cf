package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()

	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "aegis-test",
		Version:     "0.0.1",
	})
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	return logger, buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &record))
	return record
}

func TestNewLogger_RejectsBadConfig(t *testing.T) {
	_, err := NewLogger(&Config{Level: "loud", Format: "json", Output: "stdout"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Level: "info", Format: "yaml", Output: "stdout"})
	assert.Error(t, err)
}

func TestLogger_InjectsServiceFields(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.Info("redis connected", "addr", "localhost:6379", "attempts", 2)

	record := lastRecord(t, buf)
	assert.Equal(t, "redis connected", record["message"])
	assert.Equal(t, "aegis-test", record["service"])
	assert.Equal(t, "0.0.1", record["version"])
	assert.Equal(t, "localhost:6379", record["addr"])
	assert.Equal(t, float64(2), record["attempts"])
}

func TestLogger_DanglingKeyIsDropped(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.Warn("partial fields", "key_with_value", "v", "dangling")

	record := lastRecord(t, buf)
	assert.Equal(t, "v", record["key_with_value"])
	assert.NotContains(t, record, "dangling")
}

func TestWithComponent_TagsRecordsWithoutMutatingParent(t *testing.T) {
	logger, buf := newTestLogger(t)
	monitorLogger := logger.WithComponent("sandbox_monitor")

	monitorLogger.Info("check scheduled")
	assert.Equal(t, "sandbox_monitor", lastRecord(t, buf)["component"])

	logger.Info("plain record")
	assert.NotContains(t, lastRecord(t, buf), "component")
}

func TestWithContext_ExtractsIdentifiers(t *testing.T) {
	logger, buf := newTestLogger(t)

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSandboxID(ctx, "sb-1")
	ctx = context.WithValue(ctx, RunIDKey, "run-1")

	logger.WithContext(ctx).Info("traced record")

	record := lastRecord(t, buf)
	assert.Equal(t, "corr-1", record["correlation_id"])
	assert.Equal(t, "req-1", record["request_id"])
	assert.Equal(t, "sb-1", record["sandbox_id"])
	assert.Equal(t, "run-1", record["run_id"])
}

func TestWithContext_EmptyContextOmitsIdentifiers(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.WithContext(context.Background()).Info("bare record")

	record := lastRecord(t, buf)
	assert.NotContains(t, record, "correlation_id")
	assert.NotContains(t, record, "request_id")
	assert.Equal(t, "aegis-test", record["service"])
}

func TestWithError_RecordsTypeAndMessage(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.WithError(fmt.Errorf("dial tcp: connection refused")).Error("redis unreachable")

	record := lastRecord(t, buf)
	assert.Equal(t, "dial tcp: connection refused", record["error"])
	assert.Equal(t, "*errors.errorString", record["error_type"])
	assert.Equal(t, "error", record["level"])
}

func TestLogCircuitEvent(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.LogCircuitEvent("redis", "CLOSED", "OPEN", logrus.Fields{"failures": 5})

	record := lastRecord(t, buf)
	assert.Equal(t, "circuit_state_change", record["event"])
	assert.Equal(t, "redis", record["breaker"])
	assert.Equal(t, "CLOSED", record["from"])
	assert.Equal(t, "OPEN", record["to"])
	assert.Equal(t, float64(5), record["failures"])
}

func TestLogSandboxEvent_CarriesContextFields(t *testing.T) {
	logger, buf := newTestLogger(t)

	ctx := WithCorrelationID(context.Background(), "corr-9")
	logger.LogSandboxEvent(ctx, "recovery_attempted", "sb-42", logrus.Fields{"attempt": 1})

	record := lastRecord(t, buf)
	assert.Equal(t, "recovery_attempted", record["event"])
	assert.Equal(t, "sb-42", record["sandbox_id"])
	assert.Equal(t, "corr-9", record["correlation_id"])
	assert.Equal(t, float64(1), record["attempt"])
}

func TestLogLLMEvent(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.LogLLMEvent(context.Background(), "attempt_failed", "req-7", "claude-sonnet", logrus.Fields{"latency_ms": 120})

	record := lastRecord(t, buf)
	assert.Equal(t, "attempt_failed", record["event"])
	assert.Equal(t, "req-7", record["request_id"])
	assert.Equal(t, "claude-sonnet", record["model"])
}

func TestCorrelationID_RoundTrip(t *testing.T) {
	id := NewCorrelationID()
	assert.NotEmpty(t, id)
	assert.NotEqual(t, id, NewCorrelationID())

	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
}

func TestGlobalLogger(t *testing.T) {
	original := GetLogger()
	defer SetGlobalLogger(original)
	require.NotNil(t, original)

	replacement, _ := newTestLogger(t)
	SetGlobalLogger(replacement)
	assert.Same(t, replacement, GetLogger())
}
