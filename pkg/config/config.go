package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/campusgate/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Tenancy       TenancyConfig
	Auth          AuthConfig
	Provisioning  ProvisioningConfig
	Observability ObservabilityConfig

	// Debug adds tenant diagnostics headers to responses
	Debug bool
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
}

// DatabaseConfig selects the SQL driver backing every store
type DatabaseConfig struct {
	Driver       string // postgres or sqlite3
	URL          string
	MaxOpenConns int
}

// CacheConfig configures the effective-permission cache
type CacheConfig struct {
	Backend  string // none, memory or redis
	TTL      time.Duration
	Size     int
	RedisURL string
}

// TenancyConfig configures tenant resolution and the policy gate
type TenancyConfig struct {
	Header           string
	ExtraExemptPaths []string

	// OutOfScopeStatus is returned when an object lies outside the caller's tenant
	OutOfScopeStatus int
}

// AuthConfig configures OIDC token verification
type AuthConfig struct {
	OIDCIssuer   string
	OIDCClientID string
}

// ProvisioningConfig configures the tenant role provisioner
type ProvisioningConfig struct {
	Schedule    string
	Workers     int
	CatalogPath string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	OTel           observability.OTelConfig
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Tenancy:       loadTenancyConfig(),
		Auth:          loadAuthConfig(),
		Provisioning:  loadProvisioningConfig(),
		Observability: loadObservabilityConfig(),
		Debug:         getEnvBool("CAMPUSGATE_DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CAMPUSGATE_HOST", "0.0.0.0"),
		Port:            getEnv("CAMPUSGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CAMPUSGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CAMPUSGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CAMPUSGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CAMPUSGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CAMPUSGATE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:       getEnv("CAMPUSGATE_DB_DRIVER", "postgres"),
		URL:          getEnv("CAMPUSGATE_DATABASE_URL", ""),
		MaxOpenConns: getEnvInt("CAMPUSGATE_DB_MAX_OPEN_CONNS", 20),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:  strings.ToLower(getEnv("CAMPUSGATE_CACHE_BACKEND", "none")),
		TTL:      getEnvDuration("CAMPUSGATE_CACHE_TTL", 30*time.Second),
		Size:     getEnvInt("CAMPUSGATE_CACHE_SIZE", 10000),
		RedisURL: getEnv("CAMPUSGATE_REDIS_URL", ""),
	}
}

func loadTenancyConfig() TenancyConfig {
	return TenancyConfig{
		Header:           getEnv("CAMPUSGATE_TENANT_HEADER", "X-Tenant"),
		ExtraExemptPaths: getEnvList("CAMPUSGATE_EXEMPT_PATHS"),
		OutOfScopeStatus: getEnvInt("CAMPUSGATE_OUT_OF_SCOPE_STATUS", http.StatusForbidden),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuer:   getEnv("CAMPUSGATE_OIDC_ISSUER", ""),
		OIDCClientID: getEnv("CAMPUSGATE_OIDC_CLIENT_ID", ""),
	}
}

func loadProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		Schedule:    getEnv("CAMPUSGATE_PROVISION_SCHEDULE", "*/5 * * * *"),
		Workers:     getEnvInt("CAMPUSGATE_PROVISION_WORKERS", 4),
		CatalogPath: getEnv("CAMPUSGATE_SEED_CATALOG", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(getEnv("CAMPUSGATE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("CAMPUSGATE_METRICS_ENABLED", true),
		OTel: observability.OTelConfig{
			Enabled:        getEnvBool("CAMPUSGATE_OTEL_ENABLED", false),
			Endpoint:       getEnv("CAMPUSGATE_OTEL_ENDPOINT", "localhost:4317"),
			ServiceName:    getEnv("CAMPUSGATE_OTEL_SERVICE_NAME", "campusgate"),
			ServiceVersion: getEnv("CAMPUSGATE_OTEL_SERVICE_VERSION", "1.0.0"),
			Insecure:       getEnvBool("CAMPUSGATE_OTEL_INSECURE", true),
			SampleRatio:    getEnvFloat("CAMPUSGATE_OTEL_SAMPLE_RATIO", 1.0),
		},
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

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Backend {
	case "none", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be none, memory, or redis)", c.Cache.Backend)
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Tenancy.Header == "" {
		return fmt.Errorf("tenant header name is required")
	}
	if s := c.Tenancy.OutOfScopeStatus; s != http.StatusForbidden && s != http.StatusNotFound {
		return fmt.Errorf("out-of-scope status must be 403 or 404, got %d", s)
	}

	if (c.Auth.OIDCIssuer == "") != (c.Auth.OIDCClientID == "") {
		return fmt.Errorf("OIDC issuer and client id must be set together")
	}

	if c.Provisioning.Workers < 1 {
		return fmt.Errorf("provisioning workers must be at least 1")
	}

	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
