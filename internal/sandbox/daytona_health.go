package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/logging"
)

const healthAlpha = 0.1

// healthEndpoints are probed in order; the first success wins. The
// root path is last because some deployments only answer there.
var healthEndpoints = []string{"/health", "/api/health", "/v1/health", "/"}

// HealthReport is a point-in-time verdict on the sandbox service.
type HealthReport struct {
	Status              HealthStatus  `json:"status"`
	ResponseTime        time.Duration `json:"response_time"`
	APIVersion          string        `json:"api_version,omitempty"`
	Error               string        `json:"error,omitempty"`
	Endpoint            string        `json:"endpoint,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// HealthCheckerConfig holds configuration for the service health checker
type HealthCheckerConfig struct {
	// ServerURL is the base URL of the sandbox service API
	ServerURL string
	// APIKey is sent as a bearer token when set
	APIKey string
	// ConnectTimeout bounds TCP connection establishment per attempt
	ConnectTimeout time.Duration
	// RequestTimeout bounds each probe end to end
	RequestTimeout time.Duration
	// CacheTTL is how long a verdict is served without re-probing
	CacheTTL time.Duration
	// MaxConsecutiveFailures is the all-endpoints-down count at which
	// the status degrades from DEGRADED to UNAVAILABLE
	MaxConsecutiveFailures int
}

// HealthChecker probes the sandbox service's reachability and caches
// the verdict. Probes use tight deadlines so a degraded service cannot
// stall request-handling paths.
type HealthChecker struct {
	serverURL              string
	apiKey                 string
	cacheTTL               time.Duration
	maxConsecutiveFailures int

	client *http.Client
	logger *logging.Logger

	mu                  sync.Mutex
	lastReport          *HealthReport
	consecutiveFailures int
	avgResponseTime     time.Duration
}

// NewHealthChecker creates a health checker for the sandbox service
func NewHealthChecker(config HealthCheckerConfig) *HealthChecker {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 1 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Second
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 3
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: config.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: config.ConnectTimeout,
	}

	return &HealthChecker{
		serverURL:              strings.TrimRight(config.ServerURL, "/"),
		apiKey:                 config.APIKey,
		cacheTTL:               config.CacheTTL,
		maxConsecutiveFailures: config.MaxConsecutiveFailures,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		logger: logging.GetLogger().WithComponent("daytona_health"),
	}
}

// CheckHealth returns the service health, serving a cached report if it
// is younger than the cache TTL unless forceRefresh is set.
func (hc *HealthChecker) CheckHealth(ctx context.Context, forceRefresh bool) *HealthReport {
	hc.mu.Lock()
	if !forceRefresh && hc.lastReport != nil && time.Since(hc.lastReport.CheckedAt) < hc.cacheTTL {
		report := *hc.lastReport
		hc.mu.Unlock()
		return &report
	}
	hc.mu.Unlock()

	report := hc.probe(ctx)

	hc.mu.Lock()
	// Any endpoint that answered at all, even with an error status,
	// means the service is reachable.
	if report.Endpoint != "" {
		hc.consecutiveFailures = 0
	}
	report.ConsecutiveFailures = hc.consecutiveFailures
	hc.updateResponseTime(report.ResponseTime)
	hc.lastReport = report
	snapshot := *report
	hc.mu.Unlock()

	return &snapshot
}

// probe tries each candidate endpoint in order and maps the first
// response to a status.
func (hc *HealthChecker) probe(ctx context.Context) *HealthReport {
	start := time.Now()

	var lastErr error
	for _, endpoint := range healthEndpoints {
		report, err := hc.probeEndpoint(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		report.ResponseTime = time.Since(start)
		report.CheckedAt = time.Now()
		return report
	}

	// Every endpoint failed or timed out.
	hc.mu.Lock()
	hc.consecutiveFailures++
	failures := hc.consecutiveFailures
	hc.mu.Unlock()

	status := StatusDegraded
	if failures >= hc.maxConsecutiveFailures {
		status = StatusUnavailable
	}

	errMsg := "all health endpoints unreachable"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	hc.logger.Warn("Sandbox service probe failed on all endpoints",
		"consecutive_failures", failures,
		"status", string(status),
		"error", errMsg,
	)

	return &HealthReport{
		Status:       status,
		ResponseTime: time.Since(start),
		Error:        errMsg,
		CheckedAt:    time.Now(),
	}
}

func (hc *HealthChecker) probeEndpoint(ctx context.Context, endpoint string) (*HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.serverURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	if hc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+hc.apiKey)
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		report := &HealthReport{Status: StatusHealthy, Endpoint: endpoint}
		var body struct {
			Version string `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Version != "" {
			report.APIVersion = body.Version
		}
		return report, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &HealthReport{
			Status:   StatusUnhealthy,
			Endpoint: endpoint,
			Error:    fmt.Sprintf("authentication failed (HTTP %d): check the API key", resp.StatusCode),
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &HealthReport{
			Status:   StatusDegraded,
			Endpoint: endpoint,
			Error:    "service is rate limiting requests",
		}, nil

	case resp.StatusCode >= 500:
		return &HealthReport{
			Status:   StatusUnhealthy,
			Endpoint: endpoint,
			Error:    fmt.Sprintf("server error (HTTP %d)", resp.StatusCode),
		}, nil

	default:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
}

// updateResponseTime must be called with the mutex held.
func (hc *HealthChecker) updateResponseTime(d time.Duration) {
	if hc.avgResponseTime == 0 {
		hc.avgResponseTime = d
		return
	}
	hc.avgResponseTime = time.Duration(healthAlpha*float64(d) + (1-healthAlpha)*float64(hc.avgResponseTime))
}

// AvgResponseTime returns the exponential moving average probe latency.
func (hc *HealthChecker) AvgResponseTime() time.Duration {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.avgResponseTime
}

// PreFlightCheck reports whether the service is usable right now.
// A degraded service is still usable but the warning is surfaced.
func (hc *HealthChecker) PreFlightCheck(ctx context.Context) (bool, string) {
	report := hc.CheckHealth(ctx, false)

	switch report.Status {
	case StatusHealthy:
		return true, "sandbox service is healthy"
	case StatusDegraded:
		msg := "sandbox service is degraded"
		if report.Error != "" {
			msg += ": " + report.Error
		}
		return true, msg
	default:
		msg := fmt.Sprintf("sandbox service is %s", report.Status)
		if report.Error != "" {
			msg += ": " + report.Error
		}
		return false, msg
	}
}

// WaitForHealthy polls with forced refresh until the service reports
// healthy or the timeout elapses.
func (hc *HealthChecker) WaitForHealthy(ctx context.Context, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report := hc.CheckHealth(ctx, true)
		if report.Status == StatusHealthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox service did not become healthy within %s: last status %s", timeout, report.Status)
		case <-ticker.C:
		}
	}
}
