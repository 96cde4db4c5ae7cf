package errors

import (
	"strconv"
	"strings"
	"time"
)

// retryableCategories are the only categories eligible for local
// recovery; everything else propagates to the caller immediately.
var retryableCategories = map[Category]bool{
	CategoryTransient: true,
	CategoryNetwork:   true,
	CategoryTimeout:   true,
	CategoryRateLimit: true,
	CategorySandbox:   true,
}

// Classify maps an arbitrary error into a typed AppError. Errors that
// already carry a category pass through unchanged; anything else is
// matched against known failure-message substrings.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "connection", "network", "socket", "refused"):
		return NewNetworkError(err.Error()).WithCause(err)

	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		e := New(CategoryTimeout, SeverityWarning, err.Error())
		e.Retryable = true
		e.UserMessage = "Operation timed out. Retrying with longer timeout..."
		e.RecoveryAction = "The system will retry automatically."
		return e.WithCause(err)

	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		e := New(CategoryRateLimit, SeverityWarning, err.Error())
		e.Retryable = true
		e.UserMessage = "Rate limit reached. Waiting before retry..."
		e.RecoveryAction = "Please wait a moment."
		return e.WithCause(err)

	case containsAny(msg, "unauthorized", "forbidden", "401", "403"):
		e := New(CategoryAuthorization, SeverityError, err.Error())
		e.UserMessage = "Permission denied."
		e.RecoveryAction = "Check your permissions or contact support."
		return e.WithCause(err)
	}

	e := New(CategoryPermanent, SeverityError, err.Error())
	e.UserMessage = "An unexpected error occurred."
	e.RecoveryAction = "Please try again or contact support if the issue persists."
	return e.WithCause(err)
}

// ShouldRetry decides whether another attempt is worthwhile for the
// classified error.
func ShouldRetry(e *AppError) bool {
	if e == nil || !e.Retryable {
		return false
	}
	if e.RetryCount >= e.MaxRetries {
		return false
	}
	return retryableCategories[e.Category]
}

// RetryDelay computes the wait before the next attempt. Rate limits use
// the explicit retry-after hint when present, otherwise a fixed 30s.
// Other categories use exponential backoff with a per-category base,
// capped at one minute.
func RetryDelay(e *AppError) time.Duration {
	if e == nil {
		return 0
	}

	if e.Category == CategoryRateLimit {
		if v, ok := e.Details["retry_after"]; ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
		return 30 * time.Second
	}

	base := time.Second
	switch e.Category {
	case CategoryNetwork:
		base = 2 * time.Second
	case CategoryTimeout:
		base = 5 * time.Second
	case CategorySandbox:
		base = 3 * time.Second
	}

	shift := e.RetryCount
	if shift > 6 {
		shift = 6
	}
	delay := base << uint(shift)
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
