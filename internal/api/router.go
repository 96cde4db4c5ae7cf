// Package api exposes the resilience layer's health, monitoring, and
// administration endpoints over HTTP.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/relayforge/aegis/pkg/config"
	"github.com/relayforge/aegis/pkg/logging"
	"github.com/relayforge/aegis/pkg/metrics"
	"github.com/relayforge/aegis/pkg/tracing"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, handler *Handler, m *metrics.Metrics, tracer *tracing.Service) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	logger := logging.GetLogger().WithComponent("api")

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(RecoveryMiddleware(logger, m))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(SecurityHeadersMiddleware())
	if tracer != nil {
		router.Use(tracer.Middleware())
	}
	if m != nil {
		router.Use(m.PrometheusMiddleware())
	}

	// Probes and metrics stay outside the versioned API
	router.GET("/health", handler.health.Handler())
	router.GET("/health/live", handler.health.LivenessHandler())
	router.GET("/health/ready", handler.health.ReadinessHandler())
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		healthGroup := v1.Group("/health")
		{
			healthGroup.GET("/detailed", handler.GetDetailedHealth)
			healthGroup.GET("/daytona", handler.GetDaytonaHealth)
			healthGroup.GET("/store", handler.GetStoreHealth)
			healthGroup.GET("/llm", handler.GetLLMMetrics)
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/breakers/reset", handler.ResetBreakers)
			admin.POST("/breakers/auto-tune", handler.AutoTune)
		}

		sandboxes := v1.Group("/sandboxes")
		{
			sandboxes.GET("/monitored", handler.ListMonitoredSandboxes)
			sandboxes.POST("/health/batch", handler.BatchSandboxHealth)
			sandboxes.GET("/:id/health", handler.GetSandboxHealth)
			sandboxes.POST("/:id/monitor", handler.StartSandboxMonitoring)
			sandboxes.DELETE("/:id/monitor", handler.StopSandboxMonitoring)
		}

		runs := v1.Group("/runs")
		{
			runs.GET("/stuck", handler.ListStuckRuns)
			runs.GET("/:id/status", handler.GetRunStatus)
			runs.PUT("/:id/status", handler.SetRunStatus)
			runs.POST("/:id/recover", handler.RecoverRun)
		}

		llmGroup := v1.Group("/llm")
		{
			llmGroup.GET("/chains/:model", handler.GetFallbackChain)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "endpoint not found")
	})

	return router
}
