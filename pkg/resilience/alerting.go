package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an operational event that should reach a human
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager routes alerts to registered handlers with per-source
// rate limiting so a flapping breaker cannot flood the sinks.
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.Mutex
	logger   *logging.Logger

	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates a new alert manager
func NewAlertManager() *AlertManager {
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100, // per source per reset interval
		resetInterval: time.Hour,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mutex.Lock()
	if !am.checkRateLimit(alert.Source) {
		am.mutex.Unlock()
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.Unlock()

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Source, alert.Timestamp.UnixNano())
	}

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

// checkRateLimit must be called with the mutex held.
func (am *AlertManager) checkRateLimit(source string) bool {
	now := time.Now()

	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.GetLogger(),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"description", alert.Description,
	}
	for key, value := range alert.Tags {
		fields = append(fields, "tag_"+key, value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, "meta_"+key, value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// NewBreakerStateAlert builds an alert describing a circuit breaker
// state transition. A transition into OPEN is an error, a recovery to
// CLOSED is informational.
func NewBreakerStateAlert(breaker string, from, to CircuitState) Alert {
	severity := SeverityWarning
	switch to {
	case StateOpen:
		severity = SeverityError
	case StateClosed:
		severity = SeverityInfo
	}

	return Alert{
		Severity:    severity,
		Title:       "Circuit Breaker State Changed",
		Description: fmt.Sprintf("Circuit breaker '%s' transitioned from %s to %s", breaker, from.String(), to.String()),
		Source:      "circuit_breaker:" + breaker,
		Tags: map[string]string{
			"breaker": breaker,
			"from":    from.String(),
			"to":      to.String(),
		},
	}
}

// NewRecoveryExhaustedAlert builds a critical alert for a sandbox whose
// automatic recovery attempts have been used up.
func NewRecoveryExhaustedAlert(sandboxID string, attempts int) Alert {
	return Alert{
		Severity:    SeverityCritical,
		Title:       "Sandbox Recovery Exhausted",
		Description: fmt.Sprintf("Sandbox %s failed %d recovery attempts and requires manual intervention", sandboxID, attempts),
		Source:      "sandbox_monitor",
		Tags: map[string]string{
			"sandbox_id": sandboxID,
		},
		Metadata: map[string]interface{}{
			"recovery_attempts": attempts,
		},
	}
}

// NewErrorAlert builds an alert from a classified error, mapping the
// error category onto an alert severity.
func NewErrorAlert(err error, source string, metadata map[string]interface{}) Alert {
	appErr := errors.Classify(err)

	severity := SeverityError
	switch appErr.Category {
	case errors.CategoryTransient, errors.CategoryTimeout, errors.CategoryNetwork, errors.CategoryRateLimit:
		severity = SeverityWarning
	case errors.CategoryValidation:
		severity = SeverityInfo
	case errors.CategoryBilling:
		severity = SeverityCritical
	}

	return Alert{
		Severity:    severity,
		Title:       fmt.Sprintf("Error: %s", appErr.Category),
		Description: appErr.Message,
		Source:      source,
		Tags: map[string]string{
			"category":  string(appErr.Category),
			"retryable": fmt.Sprintf("%t", appErr.Retryable),
		},
		Metadata: metadata,
	}
}
