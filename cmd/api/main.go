package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relayforge/aegis/internal/api"
	"github.com/relayforge/aegis/internal/llm"
	"github.com/relayforge/aegis/internal/sandbox"
	"github.com/relayforge/aegis/internal/store"
	"github.com/relayforge/aegis/pkg/config"
	"github.com/relayforge/aegis/pkg/health"
	"github.com/relayforge/aegis/pkg/logging"
	"github.com/relayforge/aegis/pkg/metrics"
	"github.com/relayforge/aegis/pkg/resilience"
	"github.com/relayforge/aegis/pkg/tracing"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "aegis",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	tracer, err := tracing.NewService(&tracing.Config{
		ServiceName:    "aegis",
		ServiceVersion: version,
		Environment:    os.Getenv("ENVIRONMENT"),
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	}, prometheus.DefaultRegisterer)

	alerts := resilience.NewAlertManager()
	alerts.AddHandler(resilience.NewLoggingAlertHandler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key-value store with its circuit breaker
	redisClient, err := store.NewRedisClient(ctx, &cfg.Redis, cfg.RedisAddr())
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connection established", "addr", cfg.RedisAddr())

	redisBreaker := resilience.NewRedisCircuitBreaker(resilience.RedisBreakerConfig{
		Name: "redis",
		FailureThresholds: map[resilience.OperationClass]int{
			resilience.OperationRead:   cfg.Circuit.ReadFailureThreshold,
			resilience.OperationWrite:  cfg.Circuit.WriteFailureThreshold,
			resilience.OperationPubSub: cfg.Circuit.PubSubFailureThreshold,
		},
		RecoveryTimeout:   cfg.Circuit.RecoveryTimeout,
		SuccessThreshold:  cfg.Circuit.SuccessThreshold,
		FallbackCacheSize: cfg.Circuit.FallbackCacheSize,
		FallbackCacheTTL:  cfg.Circuit.FallbackCacheTTL,
		AutoTuneApply:     cfg.Circuit.AutoTuneApply,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.RecordBreakerTransition(name, from.String(), to.String())
			_ = alerts.SendAlert(ctx, resilience.NewBreakerStateAlert(name, from, to))
		},
		OnFallbackHit: func(name string) {
			m.RecordFallbackCacheHit(name)
		},
	})
	storeService := store.NewService(redisClient, redisBreaker).WithTracing(tracer).WithMetrics(m)

	tracker := store.NewStatusTracker(storeService)
	statusMonitor := store.NewStatusMonitor(tracker, time.Minute)
	statusMonitor.Start(ctx)
	defer statusMonitor.Stop()

	// Sandbox service health, breaker, and background monitoring
	daytonaHealth := sandbox.NewHealthChecker(sandbox.HealthCheckerConfig{
		ServerURL:      cfg.Daytona.ServerURL,
		APIKey:         cfg.Daytona.APIKey,
		ConnectTimeout: cfg.Daytona.ConnectTimeout,
		RequestTimeout: cfg.Daytona.HealthTimeout,
		CacheTTL:       cfg.Daytona.HealthCacheTTL,
	})

	daytonaBreaker := sandbox.NewBreaker(sandbox.BreakerConfig{
		FailureThreshold: cfg.Daytona.FailureThreshold,
		SuccessThreshold: cfg.Daytona.SuccessThreshold,
		RecoveryTimeout:  cfg.Daytona.RecoveryTimeout,
		DefaultTimeout:   cfg.Daytona.OperationTimeout,
		OperationTimeouts: map[string]time.Duration{
			"create":  cfg.Daytona.CreateTimeout,
			"get":     cfg.Daytona.GetTimeout,
			"execute": cfg.Daytona.ExecuteTimeout,
		},
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			m.RecordBreakerTransition(name, from.String(), to.String())
			_ = alerts.SendAlert(ctx, resilience.NewBreakerStateAlert(name, from, to))
		},
	}, daytonaHealth)

	daytonaClient := sandbox.NewDaytonaClient(sandbox.DaytonaClientConfig{
		ServerURL:  cfg.Daytona.ServerURL,
		APIKey:     cfg.Daytona.APIKey,
		Target:     cfg.Daytona.Target,
		HTTPClient: tracer.InstrumentHTTPClient(&http.Client{}),
	})
	guardedClient := sandbox.NewGuardedClient(daytonaClient, daytonaBreaker).WithTracing(tracer).WithMetrics(m)

	checkConfig := sandbox.DefaultHealthCheckConfig()
	if cfg.Monitor.HealthCacheTTL > 0 {
		checkConfig.CacheTTL = cfg.Monitor.HealthCacheTTL
	}
	sandboxChecker := sandbox.NewSandboxHealthChecker(guardedClient, checkConfig)

	monitor := sandbox.NewMonitor(guardedClient, sandboxChecker, alerts, sandbox.MonitorConfig{
		DefaultInterval:     cfg.Monitor.CheckInterval,
		MaxRecoveryAttempts: cfg.Monitor.MaxRecoveryAttempts,
	}).WithMetrics(m)
	defer monitor.StopAll()

	// LLM fallback chain and retry manager
	chain := llm.NewFallbackChain()
	llmConfig := llm.DefaultRetryManagerConfig()
	if cfg.LLM.MaxAttempts > 0 {
		llmConfig.MaxAttempts = cfg.LLM.MaxAttempts
	}
	if cfg.LLM.CostLimitPerRequest > 0 {
		llmConfig.DefaultMaxCost = cfg.LLM.CostLimitPerRequest
	}
	if cfg.LLM.RateLimitDelay > 0 {
		llmConfig.RateLimitDelay = cfg.LLM.RateLimitDelay
	}
	if cfg.LLM.BaseDelay > 0 {
		llmConfig.BaseDelay = cfg.LLM.BaseDelay
	}
	if cfg.LLM.MaxDelay > 0 {
		llmConfig.MaxDelay = cfg.LLM.MaxDelay
	}
	retryManager := llm.NewRetryManager(chain, llmConfig).WithTracing(tracer).WithMetrics(m)

	// Aggregated health: the primary datastore is the only critical
	// dependency, everything else degrades.
	healthService := health.NewService(logger, map[string]string{
		"service": "aegis",
		"version": version,
	})
	healthService.RegisterChecker("redis", health.NewStoreChecker(storeService, "redis"))
	healthService.RegisterChecker("daytona", health.NewCustomChecker("daytona", func(ctx context.Context) (health.Status, string, error) {
		ready, reason := daytonaHealth.PreFlightCheck(ctx)
		if ready {
			return health.StatusHealthy, reason, nil
		}
		return health.StatusUnhealthy, reason, nil
	}).WithMetadata(map[string]string{"endpoint": cfg.Daytona.ServerURL}))

	var db *sqlx.DB
	if cfg.Database.Enabled {
		db, err = sqlx.Connect("postgres", cfg.DatabaseURL())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		healthService.RegisterCriticalChecker("database", health.NewDatabaseChecker(db, "database"))
		logger.Info("Database connection established")
	}

	handler := api.NewHandler(ctx, api.HandlerDeps{
		Health:         healthService,
		DaytonaHealth:  daytonaHealth,
		DaytonaBreaker: daytonaBreaker,
		SandboxChecker: sandboxChecker,
		Monitor:        monitor,
		Store:          storeService,
		Tracker:        tracker,
		Chain:          chain,
		Retry:          retryManager,

		AutoTuneEnabled: cfg.Circuit.AutoTuneEnabled,
	})

	router := api.NewRouter(cfg, handler, m, tracer)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Tracer shutdown failed")
	}

	logger.Info("Server exited")
}
