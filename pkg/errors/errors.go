package errors

import (
	"fmt"
	"time"
)

// Category classifies a failure for retry and recovery decisions.
type Category string

const (
	CategoryTransient      Category = "transient"
	CategoryPermanent      Category = "permanent"
	CategoryRateLimit      Category = "rate_limit"
	CategoryBilling        Category = "billing"
	CategorySandbox        Category = "sandbox"
	CategoryTool           Category = "tool"
	CategoryLLM            Category = "llm"
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryConfiguration  Category = "configuration"
)

// Severity indicates how loudly an error should be surfaced.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AppError is an application error with classification context attached.
// The context is populated at construction or classification time and is
// not mutated afterwards, with the exception of the retry counter which
// belongs to the caller driving the retry loop.
type AppError struct {
	Category       Category          `json:"category"`
	Severity       Severity          `json:"severity"`
	Message        string            `json:"message"`
	Details        map[string]string `json:"details,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	Retryable      bool              `json:"retryable"`
	UserMessage    string            `json:"user_message,omitempty"`
	RecoveryAction string            `json:"recovery_action,omitempty"`
	Cause          error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new application error with the given category.
func New(category Category, severity Severity, message string) *AppError {
	return &AppError{
		Category:   category,
		Severity:   severity,
		Message:    message,
		Details:    make(map[string]string),
		Timestamp:  time.Now().UTC(),
		MaxRetries: 3,
	}
}

// WithCause attaches the underlying error.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a key/value detail.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithUserMessage sets the user-facing message.
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// WithRecoveryAction sets the machine-readable recovery hint.
func (e *AppError) WithRecoveryAction(action string) *AppError {
	e.RecoveryAction = action
	return e
}

// ToResponse converts the error to an API response body.
func (e *AppError) ToResponse() map[string]interface{} {
	msg := e.UserMessage
	if msg == "" {
		msg = e.Message
	}
	return map[string]interface{}{
		"error":           true,
		"message":         msg,
		"type":            string(e.Category),
		"details":         e.Details,
		"recovery_action": e.RecoveryAction,
		"can_retry":       e.Retryable,
	}
}

// NewTransientError creates a retryable transient error.
func NewTransientError(message string) *AppError {
	e := New(CategoryTransient, SeverityWarning, message)
	e.Retryable = true
	return e
}

// NewSandboxError creates a sandbox-service error. Sandbox errors stay
// retryable and carry guidance for the user because tool execution may
// be partially degraded while the sandbox recovers.
func NewSandboxError(message string) *AppError {
	e := New(CategorySandbox, SeverityWarning, message)
	e.Retryable = true
	e.UserMessage = "Sandbox service is temporarily unavailable. Some tools may not work."
	e.RecoveryAction = "The system will retry automatically or use alternative methods."
	return e
}

// NewToolError creates a tool-execution error.
func NewToolError(toolName, message string) *AppError {
	e := New(CategoryTool, SeverityError, message)
	e.UserMessage = fmt.Sprintf("Tool %q failed to execute", toolName)
	return e.WithDetail("tool_name", toolName)
}

// NewLLMError creates an LLM-related error.
func NewLLMError(model, message string) *AppError {
	e := New(CategoryLLM, SeverityError, message)
	if model != "" {
		e.WithDetail("model", model)
	}
	return e
}

// NewRateLimitError creates a rate-limit error carrying an optional
// retry-after hint.
func NewRateLimitError(message string, retryAfter time.Duration) *AppError {
	e := New(CategoryRateLimit, SeverityWarning, message)
	e.Retryable = true
	e.UserMessage = "Rate limit reached. Please wait a moment."
	if retryAfter > 0 {
		e.WithDetail("retry_after", fmt.Sprintf("%d", int(retryAfter.Seconds())))
		e.RecoveryAction = fmt.Sprintf("Retry after %d seconds", int(retryAfter.Seconds()))
	} else {
		e.RecoveryAction = "Retry in a few seconds"
	}
	return e
}

// NewBillingError creates a billing error. Billing errors are never
// retryable; exceeding a declared cost ceiling is a hard stop.
func NewBillingError(message string) *AppError {
	e := New(CategoryBilling, SeverityError, message)
	e.UserMessage = "Billing limit reached. Please upgrade your plan."
	e.RecoveryAction = "Upgrade your subscription to continue."
	return e
}

// NewTimeoutError creates an operation-timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	e := New(CategoryTimeout, SeverityWarning,
		fmt.Sprintf("operation %q timed out after %s", operation, timeout))
	e.Retryable = true
	e.UserMessage = "Operation timed out. This is taking longer than expected."
	e.RecoveryAction = "The system will retry with a longer timeout."
	return e.WithDetail("operation", operation).
		WithDetail("timeout", timeout.String())
}

// NewNetworkError creates a network-connectivity error.
func NewNetworkError(message string) *AppError {
	e := New(CategoryNetwork, SeverityWarning, message)
	e.Retryable = true
	e.UserMessage = "Network connection issue. Retrying..."
	e.RecoveryAction = "Check your internet connection."
	return e
}

// NewValidationError creates a non-retryable input-validation error.
func NewValidationError(message string) *AppError {
	return New(CategoryValidation, SeverityError, message)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string) *AppError {
	return New(CategoryConfiguration, SeverityError, message)
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(message string) *AppError {
	return New(CategoryPermanent, SeverityError, message)
}

// NewNotFoundError reports a missing resource as a permanent error.
func NewNotFoundError(resource string) *AppError {
	return New(CategoryPermanent, SeverityInfo, fmt.Sprintf("%s not found", resource)).
		WithDetail("not_found", resource)
}

// IsCategory checks whether err is an AppError of the given category.
func IsCategory(err error, category Category) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Category == category
	}
	return false
}

// IsNotFound reports whether err marks a missing resource.
func IsNotFound(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		_, found := appErr.Details["not_found"]
		return found
	}
	return false
}

// GetCategory returns the error category, defaulting to PERMANENT for
// unclassified errors.
func GetCategory(err error) Category {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Category
	}
	return CategoryPermanent
}
