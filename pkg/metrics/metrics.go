// Package metrics exposes Prometheus instrumentation for the
// resilience layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerOperations  *prometheus.CounterVec
	FallbackCacheHits  *prometheus.CounterVec
	FallbackCacheSize  *prometheus.GaugeVec

	// Sandbox metrics
	SandboxHealthChecks     *prometheus.CounterVec
	SandboxRecoveryAttempts *prometheus.CounterVec
	SandboxCheckDuration    *prometheus.HistogramVec
	MonitoredSandboxes      prometheus.Gauge

	// LLM metrics
	LLMAttempts        *prometheus.CounterVec
	LLMAttemptDuration *prometheus.HistogramVec
	LLMCostTotal       *prometheus.CounterVec
	LLMTokensTotal     *prometheus.CounterVec

	// Store metrics
	StoreOperations    *prometheus.CounterVec
	StuckRunsRecovered prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	registry prometheus.Registerer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "aegis",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics. A nil
// registerer uses the default registry.
func NewMetrics(config *Config, registerer prometheus.Registerer) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		registry: registerer,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_operations_total",
				Help:      "Total number of operations executed through circuit breakers",
			},
			[]string{"breaker", "class", "outcome"},
		),
		FallbackCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_cache_hits_total",
				Help:      "Total number of reads served from the fallback cache",
			},
			[]string{"breaker"},
		),
		FallbackCacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_cache_size",
				Help:      "Number of entries in the fallback cache",
			},
			[]string{"breaker"},
		),

		SandboxHealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sandbox_health_checks_total",
				Help:      "Total number of sandbox health checks by resulting status",
			},
			[]string{"status"},
		),
		SandboxRecoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sandbox_recovery_attempts_total",
				Help:      "Total number of sandbox recovery attempts",
			},
			[]string{"action", "outcome"},
		),
		SandboxCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sandbox_check_duration_seconds",
				Help:      "Sandbox health check duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"detailed"},
		),
		MonitoredSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "monitored_sandboxes",
				Help:      "Number of sandboxes currently under monitoring",
			},
		),

		LLMAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "llm_attempts_total",
				Help:      "Total number of LLM call attempts",
			},
			[]string{"model", "status"},
		),
		LLMAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "llm_attempt_duration_seconds",
				Help:      "LLM call attempt duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model", "status"},
		),
		LLMCostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "llm_cost_dollars_total",
				Help:      "Accumulated LLM spend in dollars",
			},
			[]string{"model"},
		),
		LLMTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "llm_tokens_total",
				Help:      "Total number of LLM tokens consumed",
			},
			[]string{"model", "direction"},
		),

		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "store_operations_total",
				Help:      "Total number of store operations by class and outcome",
			},
			[]string{"class", "outcome"},
		),
		StuckRunsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "stuck_runs_recovered_total",
				Help:      "Total number of stuck runs force-recovered",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "category"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerOperations,
		m.FallbackCacheHits,
		m.FallbackCacheSize,
		m.SandboxHealthChecks,
		m.SandboxRecoveryAttempts,
		m.SandboxCheckDuration,
		m.MonitoredSandboxes,
		m.LLMAttempts,
		m.LLMAttemptDuration,
		m.LLMCostTotal,
		m.LLMTokensTotal,
		m.StoreOperations,
		m.StuckRunsRecovered,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordBreakerTransition records a circuit breaker state change
func (m *Metrics) RecordBreakerTransition(breaker, from, to string) {
	if m.BreakerTransitions == nil {
		return
	}

	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
	m.BreakerState.WithLabelValues(breaker).Set(stateValue(to))
}

func stateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

// RecordBreakerOperation records an operation executed through a breaker
func (m *Metrics) RecordBreakerOperation(breaker, class, outcome string) {
	if m.BreakerOperations == nil {
		return
	}

	m.BreakerOperations.WithLabelValues(breaker, class, outcome).Inc()
}

// RecordFallbackCacheHit records a read served from the fallback cache
func (m *Metrics) RecordFallbackCacheHit(breaker string) {
	if m.FallbackCacheHits == nil {
		return
	}

	m.FallbackCacheHits.WithLabelValues(breaker).Inc()
}

// UpdateFallbackCacheSize updates the fallback cache entry count
func (m *Metrics) UpdateFallbackCacheSize(breaker string, size int) {
	if m.FallbackCacheSize == nil {
		return
	}

	m.FallbackCacheSize.WithLabelValues(breaker).Set(float64(size))
}

// RecordSandboxHealthCheck records a sandbox health check result
func (m *Metrics) RecordSandboxHealthCheck(status string, detailed bool, duration time.Duration) {
	if m.SandboxHealthChecks == nil {
		return
	}

	m.SandboxHealthChecks.WithLabelValues(status).Inc()
	m.SandboxCheckDuration.WithLabelValues(strconv.FormatBool(detailed)).Observe(duration.Seconds())
}

// RecordSandboxRecovery records a sandbox recovery attempt
func (m *Metrics) RecordSandboxRecovery(action, outcome string) {
	if m.SandboxRecoveryAttempts == nil {
		return
	}

	m.SandboxRecoveryAttempts.WithLabelValues(action, outcome).Inc()
}

// UpdateMonitoredSandboxes updates the monitored sandbox gauge
func (m *Metrics) UpdateMonitoredSandboxes(count int) {
	if m.MonitoredSandboxes == nil {
		return
	}

	m.MonitoredSandboxes.Set(float64(count))
}

// RecordLLMAttempt records an LLM call attempt
func (m *Metrics) RecordLLMAttempt(model, status string, duration time.Duration, cost float64) {
	if m.LLMAttempts == nil {
		return
	}

	m.LLMAttempts.WithLabelValues(model, status).Inc()
	m.LLMAttemptDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	if cost > 0 {
		m.LLMCostTotal.WithLabelValues(model).Add(cost)
	}
}

// RecordLLMTokens records token consumption for a model
func (m *Metrics) RecordLLMTokens(model string, prompt, completion int) {
	if m.LLMTokensTotal == nil {
		return
	}

	m.LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

// RecordStoreOperation records a store operation outcome
func (m *Metrics) RecordStoreOperation(class, outcome string) {
	if m.StoreOperations == nil {
		return
	}

	m.StoreOperations.WithLabelValues(class, outcome).Inc()
}

// RecordStuckRunRecovery records a forced stuck-run recovery
func (m *Metrics) RecordStuckRunRecovery() {
	if m.StuckRunsRecovered == nil {
		return
	}

	m.StuckRunsRecovered.Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, category string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, category).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
		if c.Writer.Status() >= 500 {
			m.RecordError("api", "http")
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if gatherer, ok := m.registry.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
