package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayforge/aegis/internal/llm"
	"github.com/relayforge/aegis/internal/sandbox"
	"github.com/relayforge/aegis/internal/store"
	"github.com/relayforge/aegis/pkg/health"
	"github.com/relayforge/aegis/pkg/logging"
)

// Handler exposes the resilience layer over HTTP.
type Handler struct {
	health         *health.Service
	daytonaHealth  *sandbox.HealthChecker
	daytonaBreaker *sandbox.Breaker
	sandboxChecker *sandbox.SandboxHealthChecker
	monitor        *sandbox.Monitor
	store          *store.Service
	tracker        *store.StatusTracker
	chain          *llm.FallbackChain
	retry          *llm.RetryManager
	logger         *logging.Logger

	autoTuneEnabled bool

	// baseCtx bounds background work started from requests, so
	// monitoring loops survive the request that started them.
	baseCtx context.Context
}

// HandlerDeps bundles the services the API composes.
type HandlerDeps struct {
	Health         *health.Service
	DaytonaHealth  *sandbox.HealthChecker
	DaytonaBreaker *sandbox.Breaker
	SandboxChecker *sandbox.SandboxHealthChecker
	Monitor        *sandbox.Monitor
	Store          *store.Service
	Tracker        *store.StatusTracker
	Chain          *llm.FallbackChain
	Retry          *llm.RetryManager

	// AutoTuneEnabled exposes the breaker auto-tune admin endpoint.
	AutoTuneEnabled bool
}

// NewHandler creates the API handler. baseCtx is the process lifetime
// context used for background monitoring started via the API.
func NewHandler(baseCtx context.Context, deps HandlerDeps) *Handler {
	return &Handler{
		health:         deps.Health,
		daytonaHealth:  deps.DaytonaHealth,
		daytonaBreaker: deps.DaytonaBreaker,
		sandboxChecker: deps.SandboxChecker,
		monitor:        deps.Monitor,
		store:          deps.Store,
		tracker:        deps.Tracker,
		chain:          deps.Chain,
		retry:          deps.Retry,
		logger:         logging.GetLogger().WithComponent("api"),
		baseCtx:        baseCtx,

		autoTuneEnabled: deps.AutoTuneEnabled,
	}
}

// GetDetailedHealth reports the full resilience picture in one response.
func (h *Handler) GetDetailedHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	overall := h.health.CheckHealth(ctx)

	data := gin.H{
		"overall":  overall,
		"breakers": h.breakerStatuses(),
	}
	if h.retry != nil {
		data["llm"] = h.retry.GetMetrics()
	}
	if h.monitor != nil {
		data["monitored_sandboxes"] = h.monitor.MonitoredSandboxes()
	}

	SuccessResponse(c, data)
}

func (h *Handler) breakerStatuses() gin.H {
	statuses := gin.H{}
	if h.store != nil {
		statuses["redis"] = h.store.Breaker().Status()
	}
	if h.daytonaBreaker != nil {
		statuses["daytona"] = h.daytonaBreaker.Status()
	}
	return statuses
}

// GetDaytonaHealth reports sandbox-service health, optionally forcing a
// fresh probe with ?refresh=true.
func (h *Handler) GetDaytonaHealth(c *gin.Context) {
	refresh := c.Query("refresh") == "true"
	report := h.daytonaHealth.CheckHealth(c.Request.Context(), refresh)

	ready, reason := h.daytonaHealth.PreFlightCheck(c.Request.Context())

	SuccessResponse(c, gin.H{
		"report":  report,
		"ready":   ready,
		"reason":  reason,
		"breaker": h.daytonaBreaker.Status(),
	})
}

// GetStoreHealth reports key-value store connectivity and breaker state.
func (h *Handler) GetStoreHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	pingErr := h.store.Ping(ctx)
	data := gin.H{
		"reachable": pingErr == nil,
		"breaker":   h.store.Breaker().Status(),
	}
	if pingErr != nil {
		data["error"] = pingErr.Error()
	}

	SuccessResponse(c, data)
}

// GetLLMMetrics reports per-model call metrics and accumulated cost.
func (h *Handler) GetLLMMetrics(c *gin.Context) {
	SuccessResponse(c, h.retry.GetMetrics())
}

// GetFallbackChain shows the resolved fallback chain for a model.
func (h *Handler) GetFallbackChain(c *gin.Context) {
	model := c.Param("model")
	chain := h.chain.GetFallbackChain(model, nil, 0)

	names := make([]string, 0, len(chain))
	for _, m := range chain {
		names = append(names, m.Name)
	}

	SuccessResponse(c, gin.H{
		"model": model,
		"chain": names,
	})
}

// ResetBreakers force-closes all circuit breakers.
func (h *Handler) ResetBreakers(c *gin.Context) {
	if h.store != nil {
		h.store.Breaker().Reset()
	}
	if h.daytonaBreaker != nil {
		h.daytonaBreaker.Reset()
	}

	h.logger.Warn("circuit breakers reset via API", "request_id", requestID(c))
	SuccessResponse(c, gin.H{"reset": true})
}

// AutoTune runs threshold auto-tuning on the store breaker and returns
// the recommendations. Deployments that have not opted in reject the
// call.
func (h *Handler) AutoTune(c *gin.Context) {
	if !h.autoTuneEnabled {
		ForbiddenResponse(c, "breaker auto-tuning is disabled")
		return
	}

	recommendations := h.store.Breaker().AutoTune()
	SuccessResponse(c, gin.H{
		"recommendations": recommendations,
		"thresholds":      h.store.Breaker().Thresholds(),
	})
}

// GetSandboxHealth checks one sandbox, with ?detailed=true and
// ?refresh=true toggles.
func (h *Handler) GetSandboxHealth(c *gin.Context) {
	id := c.Param("id")
	detailed := c.Query("detailed") == "true"
	useCache := c.Query("refresh") != "true"

	report := h.sandboxChecker.CheckSandboxHealth(c.Request.Context(), id, detailed, useCache)
	SuccessResponse(c, report)
}

type batchHealthRequest struct {
	SandboxIDs []string `json:"sandbox_ids" binding:"required"`
	Detailed   bool     `json:"detailed"`
}

// BatchSandboxHealth checks several sandboxes concurrently.
func (h *Handler) BatchSandboxHealth(c *gin.Context) {
	var req batchHealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, "sandbox_ids is required")
		return
	}

	reports := h.sandboxChecker.BatchHealthCheck(c.Request.Context(), req.SandboxIDs, req.Detailed)
	SuccessResponse(c, reports)
}

type startMonitoringRequest struct {
	IntervalSeconds int  `json:"interval_seconds"`
	AutoRecover     bool `json:"auto_recover"`
}

// StartSandboxMonitoring begins background monitoring of a sandbox.
func (h *Handler) StartSandboxMonitoring(c *gin.Context) {
	id := c.Param("id")

	var req startMonitoringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = startMonitoringRequest{AutoRecover: true}
	}

	// Tag the background loop with a correlation id so its log lines can
	// be tied back to this request.
	monCtx := logging.WithCorrelationID(h.baseCtx, logging.NewCorrelationID())

	interval := time.Duration(req.IntervalSeconds) * time.Second
	h.monitor.StartMonitoring(monCtx, id, interval, req.AutoRecover)

	AcceptedResponse(c, gin.H{
		"sandbox_id":     id,
		"auto_recover":   req.AutoRecover,
		"correlation_id": logging.GetCorrelationID(monCtx),
	})
}

// StopSandboxMonitoring stops background monitoring of a sandbox.
func (h *Handler) StopSandboxMonitoring(c *gin.Context) {
	id := c.Param("id")
	h.monitor.StopMonitoring(c.Request.Context(), id)
	SuccessResponse(c, gin.H{"sandbox_id": id, "monitoring": false})
}

// ListMonitoredSandboxes lists sandboxes under background monitoring.
func (h *Handler) ListMonitoredSandboxes(c *gin.Context) {
	SuccessResponse(c, gin.H{"sandbox_ids": h.monitor.MonitoredSandboxes()})
}

// GetRunStatus reports the persisted status of an agent run.
func (h *Handler) GetRunStatus(c *gin.Context) {
	id := c.Param("id")

	status, err := h.tracker.GetStatus(c.Request.Context(), id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"run_id": id,
		"status": status,
		"alive":  h.tracker.IsAlive(c.Request.Context(), id),
	})
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetRunStatus updates the persisted status of an agent run.
func (h *Handler) SetRunStatus(c *gin.Context) {
	id := c.Param("id")

	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationErrorResponse(c, "status is required")
		return
	}

	if err := h.tracker.SetStatus(c.Request.Context(), id, store.RunStatus(req.Status)); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{"run_id": id, "status": req.Status})
}

// ListStuckRuns reports runs whose heartbeat has expired.
func (h *Handler) ListStuckRuns(c *gin.Context) {
	stuck, err := h.tracker.FindStuckRuns(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"stuck_runs": stuck,
		"count":      len(stuck),
	})
}

// RecoverRun force-recovers a stuck run.
func (h *Handler) RecoverRun(c *gin.Context) {
	id := c.Param("id")

	if err := h.tracker.RecoverStuckRun(c.Request.Context(), id); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	h.logger.Warn("run force-recovered via API", "run_id", id, "request_id", requestID(c))
	SuccessResponse(c, gin.H{"run_id": id, "recovered": true})
}
