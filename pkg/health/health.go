// Package health aggregates component health checks into one verdict.
// Checkers are registered as critical or non-critical: a failing
// critical dependency (the primary datastore) fails the whole service,
// while impaired non-critical dependencies only degrade it.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/relayforge/aegis/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a single component's health check result
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Critical  bool              `json:"critical"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

type registration struct {
	checker  Checker
	critical bool
}

// Service runs registered checkers concurrently and aggregates their
// verdicts.
type Service struct {
	checkers map[string]registration
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, metadata map[string]string) *Service {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Service{
		checkers: make(map[string]registration),
		logger:   logger,
		metadata: metadata,
	}
}

// RegisterChecker registers a non-critical health checker. Its failure
// degrades overall health without failing it.
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.register(name, checker, false)
}

// RegisterCriticalChecker registers a checker whose failure fails the
// whole service.
func (s *Service) RegisterCriticalChecker(name string, checker Checker) {
	s.register(name, checker, true)
}

func (s *Service) register(name string, checker Checker, critical bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = registration{checker: checker, critical: critical}
}

// UnregisterChecker removes a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth performs all health checks concurrently
func (s *Service) CheckHealth(ctx context.Context) *Response {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]registration, len(s.checkers))
	for name, reg := range s.checkers {
		checkers[name] = reg
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, reg := range checkers {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()

			check := reg.checker.Check(ctx)
			check.Critical = reg.critical

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy, StatusUnknown:
				if reg.critical {
					overallStatus = StatusUnhealthy
				} else if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, reg)
	}

	wg.Wait()

	return &Response{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for the aggregated health check.
// Degraded is still HTTP 200; only a failing critical dependency
// returns 503.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// DatabaseChecker checks primary-datastore connectivity
type DatabaseChecker struct {
	db   *sqlx.DB
	name string
}

// NewDatabaseChecker creates a new database health checker
func NewDatabaseChecker(db *sqlx.DB, name string) *DatabaseChecker {
	return &DatabaseChecker{
		db:   db,
		name: name,
	}
}

// Check performs database health check
func (dc *DatabaseChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      dc.name,
		Timestamp: start,
	}

	if dc.db == nil {
		check.Status = StatusUnhealthy
		check.Error = "database connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := dc.db.PingContext(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := dc.db.Stats()
	check.Status = StatusHealthy
	check.Message = "database is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
		"idle_connections": fmt.Sprintf("%d", stats.Idle),
		"max_connections":  fmt.Sprintf("%d", stats.MaxOpenConnections),
	}

	if stats.MaxOpenConnections > 0 && stats.OpenConnections > int(float64(stats.MaxOpenConnections)*0.8) {
		check.Status = StatusDegraded
		check.Message = "database connection pool is running low"
	}

	return check
}

// Pinger is anything that can verify its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker checks key-value store connectivity through a Pinger.
type StoreChecker struct {
	store Pinger
	name  string
}

// NewStoreChecker creates a new store health checker
func NewStoreChecker(store Pinger, name string) *StoreChecker {
	return &StoreChecker{
		store: store,
		name:  name,
	}
}

// Check performs store health check
func (sc *StoreChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      sc.name,
		Timestamp: start,
	}

	if sc.store == nil {
		check.Status = StatusUnhealthy
		check.Error = "store connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := sc.store.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "store is healthy"
	check.Duration = time.Since(start)
	return check
}

// HTTPChecker checks HTTP endpoint health
type HTTPChecker struct {
	url    string
	name   string
	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url, name string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		url:  url,
		name: name,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check performs HTTP health check
func (hc *HTTPChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      hc.name,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.url, nil)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("failed to create request: %v", err)
		check.Duration = time.Since(start)
		return check
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("request failed: %v", err)
		check.Duration = time.Since(start)
		return check
	}
	defer resp.Body.Close()

	check.Duration = time.Since(start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		check.Status = StatusHealthy
		check.Message = "endpoint is healthy"
	case resp.StatusCode >= 500:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	default:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}

	check.Metadata = map[string]string{
		"status_code":   fmt.Sprintf("%d", resp.StatusCode),
		"response_time": check.Duration.String(),
	}

	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
