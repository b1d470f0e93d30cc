// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fileworks/tessera/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (rate limiting; optional)
	Redis RedisConfig

	// Webhook configuration
	Webhooks WebhookConfig

	// Bootstrap seed configuration
	Bootstrap BootstrapConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// Origins allowed to call the API (the SPA origins)
	AllowedOrigins []string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL             string
	ReplicaURLs     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	// URL is empty when the deployment runs without Redis; rate limiting
	// then falls back to per-process windows.
	URL      string
	Password string
	DB       int
	PoolSize int
}

// WebhookConfig holds inbound billing webhook secrets
type WebhookConfig struct {
	LagoSigningSecret   string
	StripeSigningSecret string
}

// BootstrapConfig holds seed-file settings
type BootstrapConfig struct {
	// SeedFile is the YAML file with the permission catalog, default roles,
	// and system-config defaults applied at startup.
	SeedFile string
	// OverridesFile is an optional YAML file with system-config overrides,
	// watched for changes and re-applied on write.
	OverridesFile string
	WatchOverrides bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Webhooks:      loadWebhookConfig(),
		Bootstrap:     loadBootstrapConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	cfg := ServerConfig{
		Host:            getEnv("TESSERA_HOST", "0.0.0.0"),
		Port:            getEnv("TESSERA_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TESSERA_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TESSERA_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TESSERA_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TESSERA_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TESSERA_HEALTH_PORT", "9090"),
	}

	if origins := getEnv("TESSERA_ALLOWED_ORIGINS", ""); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
			}
		}
	}

	return cfg
}

// loadDatabaseConfig loads PostgreSQL configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("TESSERA_POSTGRES_URL", ""),
		ReplicaURLs:     getEnv("TESSERA_POSTGRES_REPLICA_URLS", ""),
		MaxOpenConns:    getEnvInt("TESSERA_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("TESSERA_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("TESSERA_POSTGRES_CONN_LIFETIME", 5*time.Minute),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("TESSERA_REDIS_URL", ""),
		Password: getEnv("TESSERA_REDIS_PASSWORD", ""),
		DB:       getEnvInt("TESSERA_REDIS_DB", 0),
		PoolSize: getEnvInt("TESSERA_REDIS_POOL_SIZE", 10),
	}
}

// loadWebhookConfig loads webhook secrets from environment
func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		LagoSigningSecret:   getEnv("TESSERA_LAGO_WEBHOOK_SECRET", ""),
		StripeSigningSecret: getEnv("TESSERA_STRIPE_WEBHOOK_SECRET", ""),
	}
}

// loadBootstrapConfig loads seed-file settings from environment
func loadBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		SeedFile:       getEnv("TESSERA_SEED_FILE", ""),
		OverridesFile:  getEnv("TESSERA_CONFIG_OVERRIDES_FILE", ""),
		WatchOverrides: getEnvBool("TESSERA_WATCH_OVERRIDES", true),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(strings.ToLower(getEnv("TESSERA_LOG_LEVEL", "info"))),
		MetricsEnabled:     getEnvBool("TESSERA_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TESSERA_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TESSERA_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TESSERA_OTEL_SERVICE_NAME", "tessera"),
		OTelServiceVersion: getEnv("TESSERA_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TESSERA_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MaxOpenConns < c.Database.MaxIdleConns {
		return fmt.Errorf("postgres max connections must be >= idle connections")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
