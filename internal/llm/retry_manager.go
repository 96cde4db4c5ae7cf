package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/relayforge/aegis/pkg/errors"
	"github.com/relayforge/aegis/pkg/logging"
	"github.com/relayforge/aegis/pkg/metrics"
	"github.com/relayforge/aegis/pkg/tracing"
)

const (
	// charsPerToken is the rough token estimate used for pre-call cost
	// checks.
	charsPerToken = 4
	// failureChargeRate is the fraction of the estimated cost charged
	// for a failed attempt; providers bill partial work.
	failureChargeRate = 0.1
	metricsAlpha      = 0.1
)

// RequestPriority orders competing LLM requests.
type RequestPriority int

const (
	PriorityLow RequestPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Message is one entry of an LLM conversation payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage is the provider-reported token accounting of a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of a completed LLM call.
type Response struct {
	Model   string      `json:"model"`
	Content string      `json:"content"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// CallFunc invokes one model with the message payload. Implementations
// must honor the context deadline.
type CallFunc func(ctx context.Context, model string, messages []Message) (*Response, error)

// RequestContext tracks one request's journey through the fallback
// chain. Created per call, discarded after completion.
type RequestContext struct {
	RequestID            string          `json:"request_id"`
	Priority             RequestPriority `json:"priority"`
	OriginalModel        string          `json:"original_model"`
	RequiredCapabilities []Capability    `json:"required_capabilities,omitempty"`
	MaxCost              float64         `json:"max_cost"`
	Timeout              time.Duration   `json:"timeout"`
	CreatedAt            time.Time       `json:"created_at"`
	AttemptCount         int             `json:"attempt_count"`
	AccumulatedCost      float64         `json:"accumulated_cost"`
	ModelHistory         []string        `json:"model_history"`
	ErrorHistory         []string        `json:"error_history,omitempty"`
}

// ModelMetrics tracks per-model outcomes across requests.
type ModelMetrics struct {
	Requests            int64         `json:"requests"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
	AvgCost             float64       `json:"avg_cost"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RateLimitCount      int64         `json:"rate_limit_count"`
}

// SuccessRate returns the fraction of requests that succeeded.
func (m *ModelMetrics) SuccessRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Requests)
}

func (m *ModelMetrics) recordSuccess(latency time.Duration, cost float64) {
	m.Requests++
	m.Successes++
	m.ConsecutiveFailures = 0
	if m.AvgLatency == 0 {
		m.AvgLatency = latency
	} else {
		m.AvgLatency = time.Duration(metricsAlpha*float64(latency) + (1-metricsAlpha)*float64(m.AvgLatency))
	}
	if m.AvgCost == 0 {
		m.AvgCost = cost
	} else {
		m.AvgCost = metricsAlpha*cost + (1-metricsAlpha)*m.AvgCost
	}
}

func (m *ModelMetrics) recordFailure(rateLimited bool) {
	m.Requests++
	m.Failures++
	m.ConsecutiveFailures++
	if rateLimited {
		m.RateLimitCount++
	}
}

// RetryManagerConfig holds configuration for the retry manager
type RetryManagerConfig struct {
	// MaxAttempts caps model attempts per request, independent of the
	// fallback chain's length
	MaxAttempts int
	// DefaultMaxCost caps spend per request when the caller gives none
	DefaultMaxCost float64
	// DefaultTimeout bounds a whole request when the caller gives none
	DefaultTimeout time.Duration
	// RateLimitDelay is the fixed wait after a rate-limit error
	RateLimitDelay time.Duration
	// BaseDelay seeds exponential backoff for timeout/network errors
	BaseDelay time.Duration
	// MaxDelay caps any computed delay
	MaxDelay time.Duration
}

// DefaultRetryManagerConfig returns the standard retry settings.
func DefaultRetryManagerConfig() RetryManagerConfig {
	return RetryManagerConfig{
		MaxAttempts:    5,
		DefaultMaxCost: 10.0,
		DefaultTimeout: 5 * time.Minute,
		RateLimitDelay: 30 * time.Second,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
	}
}

// RetryManager drives LLM requests through a fallback chain with cost
// accounting, adaptive delays, and per-model metrics.
type RetryManager struct {
	chain   *FallbackChain
	config  RetryManagerConfig
	logger  *logging.Logger
	tracer  *tracing.Service
	metrics *metrics.Metrics

	mu            sync.Mutex
	modelMetrics  map[string]*ModelMetrics
	totalRequests int64
	totalCost     float64
}

// NewRetryManager creates a retry manager over the given model chain.
func NewRetryManager(chain *FallbackChain, config RetryManagerConfig) *RetryManager {
	defaults := DefaultRetryManagerConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.DefaultMaxCost <= 0 {
		config.DefaultMaxCost = defaults.DefaultMaxCost
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.RateLimitDelay <= 0 {
		config.RateLimitDelay = defaults.RateLimitDelay
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}

	return &RetryManager{
		chain:        chain,
		config:       config,
		logger:       logging.GetLogger().WithComponent("llm_retry"),
		modelMetrics: make(map[string]*ModelMetrics),
	}
}

// WithTracing records a span per model attempt.
func (rm *RetryManager) WithTracing(tracer *tracing.Service) *RetryManager {
	rm.tracer = tracer
	return rm
}

// WithMetrics records per-attempt outcome, cost, and token metrics.
func (rm *RetryManager) WithMetrics(m *metrics.Metrics) *RetryManager {
	rm.metrics = m
	return rm
}

// Request describes one LLM call to execute with fallback.
type Request struct {
	RequestID            string
	Messages             []Message
	Model                string
	Priority             RequestPriority
	RequiredCapabilities []Capability
	MaxCost              float64
	Timeout              time.Duration
}

// ExecuteWithRetry runs the call through the fallback chain for the
// request's model. It returns the first successful response, or the
// last classified error once the chain is exhausted. The returned
// RequestContext carries the attempt history and cost accounting even
// on failure.
func (rm *RetryManager) ExecuteWithRetry(ctx context.Context, req Request, call CallFunc) (*Response, *RequestContext, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.MaxCost <= 0 {
		req.MaxCost = rm.config.DefaultMaxCost
	}
	if req.Timeout <= 0 {
		req.Timeout = rm.config.DefaultTimeout
	}

	reqCtx := &RequestContext{
		RequestID:            req.RequestID,
		Priority:             req.Priority,
		OriginalModel:        req.Model,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxCost:              req.MaxCost,
		Timeout:              req.Timeout,
		CreatedAt:            time.Now(),
	}

	chain := rm.chain.GetFallbackChain(req.Model, req.RequiredCapabilities, 0)
	if len(chain) == 0 {
		return nil, reqCtx, errors.NewConfigurationError("no models available for request")
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	rm.mu.Lock()
	rm.totalRequests++
	rm.mu.Unlock()

	estimatedTokens := estimateTokens(req.Messages)

	var lastErr *errors.AppError
	for i, model := range chain {
		if reqCtx.AttemptCount >= rm.config.MaxAttempts {
			rm.logger.Warn("Attempt budget exhausted",
				"request_id", req.RequestID,
				"attempts", reqCtx.AttemptCount,
				"max_attempts", rm.config.MaxAttempts,
			)
			break
		}
		if reqCtx.AccumulatedCost >= reqCtx.MaxCost {
			rm.logger.Warn("Cost budget exhausted before trying next model",
				"request_id", req.RequestID,
				"accumulated_cost", reqCtx.AccumulatedCost,
				"max_cost", reqCtx.MaxCost,
			)
			break
		}

		estimatedCost := float64(estimatedTokens) / 1000 * model.CostPer1KTokens
		if reqCtx.AccumulatedCost+estimatedCost > reqCtx.MaxCost {
			lastErr = errors.NewBillingError(
				fmt.Sprintf("estimated cost %.4f for model %s would exceed request budget %.4f", estimatedCost, model.Name, reqCtx.MaxCost))
			reqCtx.ErrorHistory = append(reqCtx.ErrorHistory, lastErr.Message)
			rm.logger.LogLLMEvent(ctx, "model_skipped_cost", req.RequestID, model.Name)
			continue
		}

		reqCtx.AttemptCount++
		reqCtx.ModelHistory = append(reqCtx.ModelHistory, model.Name)

		resp, appErr := rm.attempt(ctx, req, reqCtx, model, estimatedCost, call)
		if appErr == nil {
			rm.recordTotalCost(reqCtx.AccumulatedCost)
			return resp, reqCtx, nil
		}

		lastErr = appErr
		reqCtx.ErrorHistory = append(reqCtx.ErrorHistory, appErr.Message)

		if appErr.Category == errors.CategoryPermanent && len(chain) == 1 {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if i < len(chain)-1 {
			delay := rm.retryDelay(appErr, reqCtx.AttemptCount)
			rm.logger.Debug("Model attempt failed, waiting before fallback",
				"request_id", req.RequestID,
				"model", model.Name,
				"category", string(appErr.Category),
				"delay", delay,
			)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	rm.recordTotalCost(reqCtx.AccumulatedCost)

	if lastErr == nil {
		lastErr = errors.NewLLMError(req.Model,
			fmt.Sprintf("all %d models failed after %.4f accumulated cost", len(chain), reqCtx.AccumulatedCost))
	}
	return nil, reqCtx, lastErr
}

// attempt runs one model attempt under the model's own timeout, capped
// by the request deadline, and records metrics and cost.
func (rm *RetryManager) attempt(ctx context.Context, req Request, reqCtx *RequestContext, model ModelConfig, estimatedCost float64, call CallFunc) (*Response, *errors.AppError) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if model.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, model.Timeout)
		defer cancel()
	}

	var span oteltrace.Span
	if rm.tracer != nil {
		attemptCtx, span = rm.tracer.StartLLMSpan(attemptCtx, model.Name, req.RequestID)
		defer span.End()
	}

	start := time.Now()
	resp, err := call(attemptCtx, model.Name, req.Messages)
	latency := time.Since(start)

	if err != nil {
		appErr := errors.Classify(err)
		if span != nil {
			rm.tracer.RecordError(span, appErr)
		}

		// Failed attempts still cost money on most providers.
		charge := estimatedCost * failureChargeRate
		reqCtx.AccumulatedCost += charge

		rm.mu.Lock()
		rm.metricsFor(model.Name).recordFailure(appErr.Category == errors.CategoryRateLimit)
		rm.mu.Unlock()

		if rm.metrics != nil {
			rm.metrics.RecordLLMAttempt(model.Name, string(appErr.Category), latency, charge)
		}

		rm.logger.Warn("LLM call failed",
			"request_id", req.RequestID,
			"model", model.Name,
			"category", string(appErr.Category),
			"latency", latency,
			"error", appErr.Message,
		)
		return nil, appErr
	}

	cost := estimatedCost
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		cost = float64(resp.Usage.TotalTokens) / 1000 * model.CostPer1KTokens
	}
	reqCtx.AccumulatedCost += cost

	rm.mu.Lock()
	rm.metricsFor(model.Name).recordSuccess(latency, cost)
	rm.mu.Unlock()

	if rm.metrics != nil {
		rm.metrics.RecordLLMAttempt(model.Name, "success", latency, cost)
		if resp.Usage != nil {
			rm.metrics.RecordLLMTokens(model.Name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
	}

	rm.logger.LogLLMEvent(ctx, "call_succeeded", req.RequestID, model.Name)
	return resp, nil
}

// metricsFor must be called with the mutex held.
func (rm *RetryManager) metricsFor(model string) *ModelMetrics {
	m, ok := rm.modelMetrics[model]
	if !ok {
		m = &ModelMetrics{}
		rm.modelMetrics[model] = m
	}
	return m
}

func (rm *RetryManager) recordTotalCost(cost float64) {
	rm.mu.Lock()
	rm.totalCost += cost
	rm.mu.Unlock()
}

// retryDelay computes the wait before the next model attempt.
func (rm *RetryManager) retryDelay(appErr *errors.AppError, attempt int) time.Duration {
	var delay time.Duration
	switch appErr.Category {
	case errors.CategoryRateLimit:
		jitter := time.Duration(rand.Float64() * float64(5*time.Second))
		delay = rm.config.RateLimitDelay + jitter
	case errors.CategoryTimeout:
		delay = time.Duration(float64(rm.config.BaseDelay) * math.Pow(2, float64(attempt)))
	case errors.CategoryNetwork:
		backoff := float64(rm.config.BaseDelay) * math.Pow(2, float64(attempt))
		delay = time.Duration(backoff * (1 + rand.Float64()*0.1))
	default:
		delay = rm.config.BaseDelay
	}

	if delay > rm.config.MaxDelay {
		delay = rm.config.MaxDelay
	}
	return delay
}

// Metrics is the process-wide metrics snapshot.
type Metrics struct {
	TotalRequests     int64                   `json:"total_requests"`
	TotalCost         float64                 `json:"total_cost"`
	AvgCostPerRequest float64                 `json:"avg_cost_per_request"`
	Models            map[string]ModelMetrics `json:"models"`
}

// GetMetrics returns a snapshot of per-model and process-wide metrics.
func (rm *RetryManager) GetMetrics() Metrics {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	models := make(map[string]ModelMetrics, len(rm.modelMetrics))
	for name, m := range rm.modelMetrics {
		models[name] = *m
	}

	avg := 0.0
	if rm.totalRequests > 0 {
		avg = rm.totalCost / float64(rm.totalRequests)
	}

	return Metrics{
		TotalRequests:     rm.totalRequests,
		TotalCost:         rm.totalCost,
		AvgCostPerRequest: avg,
		Models:            models,
	}
}

// ResetMetrics clears all per-model and process-wide metrics.
func (rm *RetryManager) ResetMetrics() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.modelMetrics = make(map[string]*ModelMetrics)
	rm.totalRequests = 0
	rm.totalCost = 0
}

// estimateTokens approximates the token count of a message payload.
func estimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / charsPerToken
}
