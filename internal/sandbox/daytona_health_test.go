package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker(url string) *HealthChecker {
	return NewHealthChecker(HealthCheckerConfig{
		ServerURL:      url,
		ConnectTimeout: 500 * time.Millisecond,
		RequestTimeout: time.Second,
		CacheTTL:       time.Minute,
	})
}

func TestHealthChecker_Healthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"version":"1.2.3"}`)) //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	report := checker.CheckHealth(context.Background(), false)

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "/health", report.Endpoint)
	assert.Equal(t, "1.2.3", report.APIVersion)
	assert.Equal(t, 0, report.ConsecutiveFailures)
}

func TestHealthChecker_EndpointFallbackOrder(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	report := checker.CheckHealth(context.Background(), false)

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "/v1/health", report.Endpoint)
	assert.Equal(t, []string{"/health", "/api/health", "/v1/health"}, paths)
}

func TestHealthChecker_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	report := checker.CheckHealth(context.Background(), false)

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Error, "authentication failed")
	assert.Contains(t, report.Error, "API key")
}

func TestHealthChecker_RateLimitedIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	report := checker.CheckHealth(context.Background(), false)

	// Rate limiting from every endpoint means degraded, not down.
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestHealthChecker_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	report := checker.CheckHealth(context.Background(), false)

	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestHealthChecker_UnreachableBecomesUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening anymore

	checker := newTestChecker(server.URL)

	// First two complete failures are DEGRADED.
	for i := 1; i <= 2; i++ {
		report := checker.CheckHealth(context.Background(), true)
		assert.Equal(t, StatusDegraded, report.Status, "failure %d", i)
		assert.Equal(t, i, report.ConsecutiveFailures)
	}

	// The third crosses the threshold.
	report := checker.CheckHealth(context.Background(), true)
	assert.Equal(t, StatusUnavailable, report.Status)
	assert.Equal(t, 3, report.ConsecutiveFailures)
}

func TestHealthChecker_CachesReports(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)

	checker.CheckHealth(context.Background(), false)
	checker.CheckHealth(context.Background(), false)
	assert.Equal(t, 1, hits, "second check should be served from cache")

	checker.CheckHealth(context.Background(), true)
	assert.Equal(t, 2, hits, "forced refresh bypasses the cache")
}

func TestHealthChecker_PreFlightCheck(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	ready, msg := checker.PreFlightCheck(context.Background())
	assert.True(t, ready)
	assert.Contains(t, msg, "healthy")

	status = http.StatusTooManyRequests
	checker = newTestChecker(server.URL)
	ready, msg = checker.PreFlightCheck(context.Background())
	assert.True(t, ready, "degraded service is still usable")
	assert.Contains(t, msg, "degraded")

	status = http.StatusUnauthorized
	checker = newTestChecker(server.URL)
	ready, _ = checker.PreFlightCheck(context.Background())
	assert.False(t, ready)
}

func TestHealthChecker_WaitForHealthy(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)

	go func() {
		time.Sleep(30 * time.Millisecond)
		healthy.Store(true)
	}()

	err := checker.WaitForHealthy(context.Background(), time.Second, 10*time.Millisecond)
	require.NoError(t, err)
}

func TestHealthChecker_WaitForHealthyTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := newTestChecker(server.URL)
	err := checker.WaitForHealthy(context.Background(), 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become healthy")
}
