package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_PassesThroughAppErrors(t *testing.T) {
	original := NewSandboxError("sandbox crashed")

	classified := Classify(original)

	assert.Same(t, original, classified)
}

func TestClassify_NetworkErrors(t *testing.T) {
	for _, msg := range []string{
		"dial tcp 127.0.0.1:6379: connection refused",
		"network is unreachable",
		"socket closed unexpectedly",
	} {
		classified := Classify(errors.New(msg))
		assert.Equal(t, CategoryNetwork, classified.Category, msg)
		assert.True(t, classified.Retryable, msg)
	}
}

func TestClassify_Timeout(t *testing.T) {
	classified := Classify(errors.New("operation timed out after 30s"))

	assert.Equal(t, CategoryTimeout, classified.Category)
	assert.True(t, classified.Retryable)
}

func TestClassify_RateLimit(t *testing.T) {
	classified := Classify(errors.New("rate limit exceeded, try again later"))

	assert.Equal(t, CategoryRateLimit, classified.Category)
	assert.True(t, classified.Retryable)
}

func TestClassify_Authorization(t *testing.T) {
	classified := Classify(errors.New("server returned 403 Forbidden"))

	assert.Equal(t, CategoryAuthorization, classified.Category)
	assert.False(t, classified.Retryable)
}

func TestClassify_UnknownIsPermanent(t *testing.T) {
	classified := Classify(errors.New("something odd happened"))

	assert.Equal(t, CategoryPermanent, classified.Category)
	assert.False(t, classified.Retryable)
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestShouldRetry(t *testing.T) {
	transient := NewTransientError("blip")
	assert.True(t, ShouldRetry(transient))

	transient.RetryCount = transient.MaxRetries
	assert.False(t, ShouldRetry(transient))

	assert.False(t, ShouldRetry(NewPermanentError("broken")))
	assert.False(t, ShouldRetry(nil))
}

func TestRetryDelay_RateLimitHonorsRetryAfter(t *testing.T) {
	err := NewRateLimitError("slow down", 12*time.Second)

	assert.Equal(t, 12*time.Second, RetryDelay(err))
}

func TestRetryDelay_RateLimitDefault(t *testing.T) {
	err := New(CategoryRateLimit, SeverityWarning, "slow down")

	assert.Equal(t, 30*time.Second, RetryDelay(err))
}

func TestRetryDelay_BackoffGrowsAndCaps(t *testing.T) {
	err := NewNetworkError("flaky")

	first := RetryDelay(err)
	err.RetryCount = 2
	third := RetryDelay(err)
	err.RetryCount = 50
	capped := RetryDelay(err)

	assert.Equal(t, 2*time.Second, first)
	assert.Equal(t, 8*time.Second, third)
	assert.Equal(t, 60*time.Second, capped)
}

func TestAppError_ErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := NewSandboxError("sandbox lost").WithCause(cause)

	assert.Contains(t, err.Error(), "sandbox lost")
	assert.Contains(t, err.Error(), "underlying failure")
	assert.ErrorIs(t, err, cause)
}

func TestAppError_Unwrapping(t *testing.T) {
	cause := fmt.Errorf("root")
	wrapped := NewNetworkError("outer").WithCause(cause)

	var appErr *AppError
	require.ErrorAs(t, fmt.Errorf("context: %w", wrapped), &appErr)
	assert.Equal(t, CategoryNetwork, appErr.Category)
}

func TestIsCategory(t *testing.T) {
	assert.True(t, IsCategory(NewNetworkError("refused"), CategoryNetwork))
	assert.False(t, IsCategory(NewNetworkError("refused"), CategoryTimeout))
	assert.False(t, IsCategory(errors.New("plain"), CategoryNetwork))
	assert.False(t, IsCategory(nil, CategoryNetwork))
}

func TestNewToolError(t *testing.T) {
	err := NewToolError("browser", "navigation failed")

	assert.Equal(t, CategoryTool, err.Category)
	assert.Equal(t, SeverityError, err.Severity)
	assert.Equal(t, "browser", err.Details["tool_name"])
	assert.Contains(t, err.UserMessage, "browser")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("sandbox")))
	assert.False(t, IsNotFound(NewPermanentError("other")))
	assert.False(t, IsNotFound(errors.New("plain")))
}

func TestNewTimeoutError(t *testing.T) {
	err := NewTimeoutError("sandbox create", 30*time.Second)

	assert.Equal(t, CategoryTimeout, err.Category)
	assert.True(t, err.Retryable)
	assert.Contains(t, err.Message, "sandbox create")
}

func TestToResponse_PrefersUserMessage(t *testing.T) {
	err := NewTransientError("backend hiccup").WithUserMessage("Please retry shortly")

	body := err.ToResponse()

	assert.Equal(t, "Please retry shortly", body["message"])
	assert.Equal(t, true, body["can_retry"])
}
