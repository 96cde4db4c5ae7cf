package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/aegis/pkg/errors"
)

func newDaytonaTestServer(t *testing.T) (*httptest.Server, *DaytonaClient) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sandbox/sb-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sandboxResponse{ID: "sb-1", State: "started"})
	})
	mux.HandleFunc("GET /sandbox/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /sandbox", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ubuntu:22.04", body["image"])
		_ = json.NewEncoder(w).Encode(sandboxResponse{ID: "sb-new", State: "started"})
	})
	mux.HandleFunc("POST /sandbox/sb-1/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /toolbox/sb-1/process/execute", func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(executeResponse{ExitCode: 0, Result: "hello"})
	})
	mux.HandleFunc("GET /sandbox/sb-broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewDaytonaClient(DaytonaClientConfig{
		ServerURL: server.URL,
		APIKey:    "test-key",
	})
	return server, client
}

func TestDaytonaClient_Get(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	instance, err := client.Get(context.Background(), "sb-1")

	require.NoError(t, err)
	assert.Equal(t, "sb-1", instance.ID)
	assert.Equal(t, StateStarted, instance.State)
}

func TestDaytonaClient_GetMissingIsNotFound(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	_, err := client.Get(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDaytonaClient_Create(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	instance, err := client.Create(context.Background(), "ubuntu:22.04")

	require.NoError(t, err)
	assert.Equal(t, "sb-new", instance.ID)
}

func TestDaytonaClient_ExecuteCommand(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	result, err := client.ExecuteCommand(context.Background(), "sb-1", "echo hello")

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello", result.Output)
}

func TestDaytonaClient_ServerErrorIsSandboxError(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	_, err := client.Get(context.Background(), "sb-broken")

	require.Error(t, err)
	assert.Equal(t, errors.CategorySandbox, errors.GetCategory(err))
}

func TestDaytonaClient_UnreachableIsNetworkError(t *testing.T) {
	client := NewDaytonaClient(DaytonaClientConfig{ServerURL: "http://127.0.0.1:1"})

	_, err := client.Get(context.Background(), "sb-1")

	require.Error(t, err)
	assert.Equal(t, errors.CategoryNetwork, errors.GetCategory(err))
}

func TestGuardedClient_RoutesThroughBreaker(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	healthy := newHealthyServer(t)
	health := NewHealthChecker(HealthCheckerConfig{ServerURL: healthy.URL})
	breaker := NewBreaker(DefaultBreakerConfig(), health)
	guarded := NewGuardedClient(client, breaker)

	instance, err := guarded.Get(context.Background(), "sb-1")
	require.NoError(t, err)
	assert.Equal(t, "sb-1", instance.ID)

	result, err := guarded.ExecuteCommand(context.Background(), "sb-1", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)

	status := guarded.Breaker().Status()
	assert.Equal(t, int64(2), status.TotalRequests)
	assert.Equal(t, int64(0), status.TotalFailures)
}

func TestGuardedClient_FailuresTripBreaker(t *testing.T) {
	_, client := newDaytonaTestServer(t)

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(unhealthy.Close)

	health := NewHealthChecker(HealthCheckerConfig{ServerURL: unhealthy.URL})
	config := DefaultBreakerConfig()
	config.FailureThreshold = 2
	guarded := NewGuardedClient(client, NewBreaker(config, health))

	for i := 0; i < 2; i++ {
		_, err := guarded.Get(context.Background(), "sb-broken")
		require.Error(t, err)
	}

	assert.Equal(t, "OPEN", guarded.Breaker().State().String())

	// Rejected without touching the API while open and unhealthy.
	_, err := guarded.Get(context.Background(), "sb-1")
	require.Error(t, err)
	assert.Equal(t, errors.CategorySandbox, errors.GetCategory(err))
}

func newHealthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}
