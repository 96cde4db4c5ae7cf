package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Redis    RedisConfig    `json:"redis"`
	Circuit  CircuitConfig  `json:"circuit"`
	Daytona  DaytonaConfig  `json:"daytona"`
	Monitor  MonitorConfig  `json:"monitor"`
	LLM      LLMConfig      `json:"llm"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Tracing  TracingConfig  `json:"tracing"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// CircuitConfig contains Redis circuit breaker configuration.
// Reads tolerate more consecutive failures than writes, and writes
// more than pubsub, which backs real-time progress streams.
type CircuitConfig struct {
	ReadFailureThreshold   int           `json:"read_failure_threshold"`
	WriteFailureThreshold  int           `json:"write_failure_threshold"`
	PubSubFailureThreshold int           `json:"pubsub_failure_threshold"`
	RecoveryTimeout        time.Duration `json:"recovery_timeout"`
	SuccessThreshold       int           `json:"success_threshold"`
	FallbackCacheSize      int           `json:"fallback_cache_size"`
	FallbackCacheTTL       time.Duration `json:"fallback_cache_ttl"`
	AutoTuneEnabled        bool          `json:"auto_tune_enabled"`
	AutoTuneApply          bool          `json:"auto_tune_apply"`
}

// DaytonaConfig contains sandbox-service configuration
type DaytonaConfig struct {
	ServerURL         string        `json:"server_url"`
	APIKey            string        `json:"api_key"`
	Target            string        `json:"target"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	HealthTimeout     time.Duration `json:"health_timeout"`
	HealthCacheTTL    time.Duration `json:"health_cache_ttl"`
	FailureThreshold  int           `json:"failure_threshold"`
	SuccessThreshold  int           `json:"success_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	OperationTimeout  time.Duration `json:"operation_timeout"`
	CreateTimeout     time.Duration `json:"create_timeout"`
	GetTimeout        time.Duration `json:"get_timeout"`
	ExecuteTimeout    time.Duration `json:"execute_timeout"`
}

// MonitorConfig contains sandbox monitor configuration
type MonitorConfig struct {
	CheckInterval       time.Duration `json:"check_interval"`
	MaxRecoveryAttempts int           `json:"max_recovery_attempts"`
	HealthCacheTTL      time.Duration `json:"health_cache_ttl"`
}

// LLMConfig contains LLM retry manager configuration
type LLMConfig struct {
	MaxAttempts         int           `json:"max_attempts"`
	BaseDelay           time.Duration `json:"base_delay"`
	MaxDelay            time.Duration `json:"max_delay"`
	RateLimitDelay      time.Duration `json:"rate_limit_delay"`
	CostLimitPerRequest float64       `json:"cost_limit_per_request"`
}

// DatabaseConfig contains the optional primary-datastore connection used
// only for health checking; the core owns no schema.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
	Enabled  bool   `json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	// Best effort; the environment may carry everything already.
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Circuit: CircuitConfig{
			ReadFailureThreshold:   getEnvInt("REDIS_READ_FAILURE_THRESHOLD", 5),
			WriteFailureThreshold:  getEnvInt("REDIS_WRITE_FAILURE_THRESHOLD", 3),
			PubSubFailureThreshold: getEnvInt("REDIS_PUBSUB_FAILURE_THRESHOLD", 2),
			RecoveryTimeout:        getEnvDuration("REDIS_RECOVERY_TIMEOUT", 30*time.Second),
			SuccessThreshold:       getEnvInt("REDIS_SUCCESS_THRESHOLD", 3),
			FallbackCacheSize:      getEnvInt("REDIS_FALLBACK_CACHE_SIZE", 1000),
			FallbackCacheTTL:       getEnvDuration("REDIS_FALLBACK_CACHE_TTL", 5*time.Minute),
			AutoTuneEnabled:        getEnvBool("REDIS_AUTO_TUNE", true),
			AutoTuneApply:          getEnvBool("REDIS_AUTO_TUNE_APPLY", false),
		},
		Daytona: DaytonaConfig{
			ServerURL:        getEnvString("DAYTONA_SERVER_URL", "https://app.daytona.io/api"),
			APIKey:           getEnvString("DAYTONA_API_KEY", ""),
			Target:           getEnvString("DAYTONA_TARGET", "us"),
			ConnectTimeout:   getEnvDuration("DAYTONA_CONNECT_TIMEOUT", 1*time.Second),
			HealthTimeout:    getEnvDuration("DAYTONA_HEALTH_TIMEOUT", 2*time.Second),
			HealthCacheTTL:   getEnvDuration("DAYTONA_HEALTH_CACHE_TTL", 30*time.Second),
			FailureThreshold: getEnvInt("DAYTONA_FAILURE_THRESHOLD", 3),
			SuccessThreshold: getEnvInt("DAYTONA_SUCCESS_THRESHOLD", 2),
			RecoveryTimeout:  getEnvDuration("DAYTONA_RECOVERY_TIMEOUT", 30*time.Second),
			OperationTimeout: getEnvDuration("DAYTONA_OPERATION_TIMEOUT", 15*time.Second),
			CreateTimeout:    getEnvDuration("DAYTONA_CREATE_TIMEOUT", 30*time.Second),
			GetTimeout:       getEnvDuration("DAYTONA_GET_TIMEOUT", 10*time.Second),
			ExecuteTimeout:   getEnvDuration("DAYTONA_EXECUTE_TIMEOUT", 20*time.Second),
		},
		Monitor: MonitorConfig{
			CheckInterval:       getEnvDuration("SANDBOX_MONITOR_INTERVAL", 60*time.Second),
			MaxRecoveryAttempts: getEnvInt("SANDBOX_MAX_RECOVERY_ATTEMPTS", 3),
			HealthCacheTTL:      getEnvDuration("SANDBOX_HEALTH_CACHE_TTL", 30*time.Second),
		},
		LLM: LLMConfig{
			MaxAttempts:         getEnvInt("LLM_MAX_ATTEMPTS", 3),
			BaseDelay:           getEnvDuration("LLM_BASE_DELAY", 1*time.Second),
			MaxDelay:            getEnvDuration("LLM_MAX_DELAY", 30*time.Second),
			RateLimitDelay:      getEnvDuration("LLM_RATE_LIMIT_DELAY", 30*time.Second),
			CostLimitPerRequest: getEnvFloat("LLM_COST_LIMIT_PER_REQUEST", 10.0),
		},
		Database: DatabaseConfig{
			Host:     getEnvString("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			Name:     getEnvString("DB_NAME", "aegis"),
			User:     getEnvString("DB_USER", "aegis"),
			Password: getEnvString("DB_PASSWORD", ""),
			SSLMode:  getEnvString("DB_SSL_MODE", "disable"),
			Enabled:  getEnvBool("DB_HEALTH_CHECK_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "aegis"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Circuit.ReadFailureThreshold < 1 || c.Circuit.WriteFailureThreshold < 1 || c.Circuit.PubSubFailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure thresholds must be at least 1")
	}

	if c.Daytona.FailureThreshold < 1 || c.Daytona.SuccessThreshold < 1 {
		return fmt.Errorf("daytona circuit breaker thresholds must be at least 1")
	}

	if c.Monitor.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("max recovery attempts cannot be negative")
	}

	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("database password is required when database health checks are enabled")
	}

	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
