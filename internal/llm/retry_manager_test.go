package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/aegis/pkg/errors"
)

func fastManagerConfig() RetryManagerConfig {
	return RetryManagerConfig{
		DefaultMaxCost: 10.0,
		DefaultTimeout: 5 * time.Second,
		RateLimitDelay: 5 * time.Millisecond,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
	}
}

// scriptedCall fails for models in failWith and succeeds otherwise.
type scriptedCall struct {
	mu       sync.Mutex
	failWith map[string]error
	calls    []string
}

func (s *scriptedCall) fn(ctx context.Context, model string, messages []Message) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, model)
	s.mu.Unlock()

	if err, ok := s.failWith[model]; ok {
		return nil, err
	}
	return &Response{
		Model:   model,
		Content: "done",
		Usage:   &TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func testMessages() []Message {
	return []Message{{Role: "user", Content: "Summarize the incident report in two sentences."}}
}

func TestExecuteWithRetry_FirstModelSucceeds(t *testing.T) {
	rm := NewRetryManager(NewFallbackChain(), fastManagerConfig())
	call := &scriptedCall{}

	resp, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: testMessages(),
		Model:    "claude-3-7-sonnet",
	}, call.fn)

	require.NoError(t, err)
	assert.Equal(t, "claude-3-7-sonnet", resp.Model)
	assert.Equal(t, []string{"claude-3-7-sonnet"}, reqCtx.ModelHistory)
	assert.Equal(t, 1, reqCtx.AttemptCount)
	assert.Greater(t, reqCtx.AccumulatedCost, 0.0)
}

func TestExecuteWithRetry_FallsThroughChain(t *testing.T) {
	rm := NewRetryManager(NewFallbackChain(), fastManagerConfig())
	call := &scriptedCall{failWith: map[string]error{
		"claude-3-7-sonnet": fmt.Errorf("connection refused"),
		"claude-3-5-sonnet": fmt.Errorf("network unreachable"),
	}}

	resp, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: testMessages(),
		Model:    "claude-3-7-sonnet",
	}, call.fn)

	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, []string{"claude-3-7-sonnet", "claude-3-5-sonnet", "gpt-4o"}, reqCtx.ModelHistory)
	assert.Len(t, reqCtx.ErrorHistory, 2)

	// Failed attempts accrue the minimal charge, so total cost exceeds
	// the final successful call alone.
	successCost := 150.0 / 1000 * 0.0025
	assert.Greater(t, reqCtx.AccumulatedCost, successCost)
}

func TestExecuteWithRetry_CostCapSkipsModelWithoutCalling(t *testing.T) {
	fc := NewFallbackChain()
	rm := NewRetryManager(fc, fastManagerConfig())
	call := &scriptedCall{}

	// ~2500 estimated tokens at premium pricing is well over the cap.
	long := make([]byte, 10000)
	for i := range long {
		long[i] = 'a'
	}

	_, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: string(long)}},
		Model:    "claude-3-7-sonnet",
		MaxCost:  0.00001,
	}, call.fn)

	require.Error(t, err)
	call.mu.Lock()
	calls := append([]string(nil), call.calls...)
	call.mu.Unlock()
	assert.Empty(t, calls, "no model should be called when every estimate busts the budget")
	assert.Empty(t, reqCtx.ModelHistory)
	assert.Equal(t, errors.CategoryBilling, errors.GetCategory(err))
}

func TestExecuteWithRetry_PermanentErrorSingleModelAborts(t *testing.T) {
	fc := NewFallbackChain()
	fc.Register(ModelConfig{
		Name:            "lonely-model",
		Tier:            TierPremium,
		CostPer1KTokens: 0.01,
		Timeout:         time.Second,
		FallbackModels:  []string{},
	})
	// An impossible required capability keeps the chain to one entry.
	rm := NewRetryManager(fc, fastManagerConfig())
	call := &scriptedCall{failWith: map[string]error{
		"lonely-model": errors.NewPermanentError("model rejected the payload"),
	}}

	_, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages:             testMessages(),
		Model:                "lonely-model",
		RequiredCapabilities: []Capability{Capability("nonexistent")},
	}, call.fn)

	require.Error(t, err)
	assert.Equal(t, []string{"lonely-model"}, reqCtx.ModelHistory)
	assert.Equal(t, errors.CategoryPermanent, errors.GetCategory(err))
}

func TestExecuteWithRetry_ExhaustedChainReturnsLastError(t *testing.T) {
	rm := NewRetryManager(NewFallbackChain(), fastManagerConfig())
	call := &scriptedCall{failWith: map[string]error{
		"claude-3-7-sonnet": fmt.Errorf("connection refused"),
		"claude-3-5-sonnet": fmt.Errorf("connection refused"),
		"gpt-4o":            fmt.Errorf("connection refused"),
		"claude-3-haiku":    fmt.Errorf("connection refused"),
		"gpt-4o-mini":       fmt.Errorf("connection refused"),
		"gpt-3.5-turbo":     fmt.Errorf("request timeout"),
	}}

	_, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: testMessages(),
		Model:    "claude-3-7-sonnet",
	}, call.fn)

	require.Error(t, err)
	assert.Equal(t, 5, reqCtx.AttemptCount, "chain is capped at five models")
	assert.Equal(t, errors.CategoryNetwork, errors.GetCategory(err))
}

func TestExecuteWithRetry_MaxAttemptsCapsChainWalk(t *testing.T) {
	config := fastManagerConfig()
	config.MaxAttempts = 2
	rm := NewRetryManager(NewFallbackChain(), config)
	call := &scriptedCall{failWith: map[string]error{
		"claude-3-7-sonnet": fmt.Errorf("connection refused"),
		"claude-3-5-sonnet": fmt.Errorf("connection refused"),
	}}

	_, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: testMessages(),
		Model:    "claude-3-7-sonnet",
	}, call.fn)

	require.Error(t, err)
	assert.Equal(t, 2, reqCtx.AttemptCount)
	assert.Equal(t, []string{"claude-3-7-sonnet", "claude-3-5-sonnet"}, reqCtx.ModelHistory)

	call.mu.Lock()
	calls := append([]string(nil), call.calls...)
	call.mu.Unlock()
	assert.Len(t, calls, 2, "models past the attempt budget are never called")
}

func TestExecuteWithRetry_MetricsTracking(t *testing.T) {
	rm := NewRetryManager(NewFallbackChain(), fastManagerConfig())
	call := &scriptedCall{failWith: map[string]error{
		"claude-3-7-sonnet": errors.NewRateLimitError("too many requests", time.Second),
	}}

	_, _, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: testMessages(),
		Model:    "claude-3-7-sonnet",
	}, call.fn)
	require.NoError(t, err)

	metrics := rm.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Greater(t, metrics.TotalCost, 0.0)
	assert.Greater(t, metrics.AvgCostPerRequest, 0.0)

	failed := metrics.Models["claude-3-7-sonnet"]
	assert.Equal(t, int64(1), failed.Failures)
	assert.Equal(t, int64(1), failed.RateLimitCount)
	assert.Equal(t, 1, failed.ConsecutiveFailures)
	assert.Equal(t, 0.0, failed.SuccessRate())

	succeeded := metrics.Models["claude-3-5-sonnet"]
	assert.Equal(t, int64(1), succeeded.Successes)
	assert.Equal(t, 1.0, succeeded.SuccessRate())
	assert.Greater(t, succeeded.AvgCost, 0.0)

	rm.ResetMetrics()
	metrics = rm.GetMetrics()
	assert.Equal(t, int64(0), metrics.TotalRequests)
	assert.Empty(t, metrics.Models)
}

func TestExecuteWithRetry_GeneratesRequestID(t *testing.T) {
	rm := NewRetryManager(NewFallbackChain(), fastManagerConfig())
	call := &scriptedCall{}

	_, reqCtx, err := rm.ExecuteWithRetry(context.Background(), Request{
		Messages: testMessages(),
		Model:    "gpt-4o-mini",
	}, call.fn)

	require.NoError(t, err)
	assert.NotEmpty(t, reqCtx.RequestID)
}
