package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/procurement/pkg/storage"
	"github.com/platinummonkey/procurement/pkg/storage/postgres"
)

// ConfigFileEnv names the optional YAML file applied before environment overrides
const ConfigFileEnv = "PROCUREMENT_CONFIG_FILE"

// Permission cache backends
const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig          `yaml:"server"`
	Storage       storage.Config        `yaml:"storage"`
	Permissions   PermissionCacheConfig `yaml:"permissions"`
	Approvals     ApprovalsConfig       `yaml:"approvals"`
	Observability ObservabilityConfig   `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PermissionCacheConfig controls caching of per-user permission snapshots
type PermissionCacheConfig struct {
	CacheBackend string        `yaml:"cache_backend"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheSize    int           `yaml:"cache_size"`
}

// ApprovalsConfig controls the approval driver
type ApprovalsConfig struct {
	// AutoAdvance activates the next level when a level is approved
	AutoAdvance bool `yaml:"auto_advance"`
	// EnforceLevelRole requires the decider to hold the level's role
	EnforceLevelRole bool `yaml:"enforce_level_role"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: storage.DefaultConfig(),
		Permissions: PermissionCacheConfig{
			CacheBackend: CacheBackendMemory,
			CacheTTL:     30 * time.Second,
			CacheSize:    10000,
		},
		Approvals: ApprovalsConfig{
			AutoAdvance: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "procurement-engine",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1,
		},
	}
}

// LoadConfig builds configuration from defaults, the optional YAML file named
// by PROCUREMENT_CONFIG_FILE, then PROCUREMENT_* environment variables
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv(ConfigFileEnv, ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("PROCUREMENT_HOST", c.Server.Host)
	c.Server.Port = getEnv("PROCUREMENT_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("PROCUREMENT_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("PROCUREMENT_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("PROCUREMENT_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("PROCUREMENT_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Storage.PostgresURL = getEnv("PROCUREMENT_POSTGRES_URL", c.Storage.PostgresURL)
	if replicaURLs := getEnv("PROCUREMENT_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		c.Storage.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	c.Storage.PostgresMaxConns = getEnvInt("PROCUREMENT_POSTGRES_MAX_CONNS", c.Storage.PostgresMaxConns)
	c.Storage.PostgresMinConns = getEnvInt("PROCUREMENT_POSTGRES_MIN_CONNS", c.Storage.PostgresMinConns)
	c.Storage.PostgresTimeout = getEnvDuration("PROCUREMENT_POSTGRES_TIMEOUT", c.Storage.PostgresTimeout)
	c.Storage.AdvisoryLocks = getEnvBool("PROCUREMENT_ADVISORY_LOCKS", c.Storage.AdvisoryLocks)

	c.Storage.RedisURL = getEnv("PROCUREMENT_REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisPassword = getEnv("PROCUREMENT_REDIS_PASSWORD", c.Storage.RedisPassword)
	c.Storage.RedisDB = getEnvInt("PROCUREMENT_REDIS_DB", c.Storage.RedisDB)
	c.Storage.RedisMaxRetries = getEnvInt("PROCUREMENT_REDIS_MAX_RETRIES", c.Storage.RedisMaxRetries)
	c.Storage.RedisPoolSize = getEnvInt("PROCUREMENT_REDIS_POOL_SIZE", c.Storage.RedisPoolSize)

	c.Permissions.CacheBackend = strings.ToLower(getEnv("PROCUREMENT_PERMISSION_CACHE", c.Permissions.CacheBackend))
	c.Permissions.CacheTTL = getEnvDuration("PROCUREMENT_PERMISSION_CACHE_TTL", c.Permissions.CacheTTL)
	c.Permissions.CacheSize = getEnvInt("PROCUREMENT_PERMISSION_CACHE_SIZE", c.Permissions.CacheSize)

	c.Approvals.AutoAdvance = getEnvBool("PROCUREMENT_APPROVALS_AUTO_ADVANCE", c.Approvals.AutoAdvance)
	c.Approvals.EnforceLevelRole = getEnvBool("PROCUREMENT_APPROVALS_ENFORCE_LEVEL_ROLE", c.Approvals.EnforceLevelRole)

	c.Observability.LogLevel = getEnv("PROCUREMENT_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsEnabled = getEnvBool("PROCUREMENT_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("PROCUREMENT_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("PROCUREMENT_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("PROCUREMENT_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv("PROCUREMENT_OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool("PROCUREMENT_OTEL_INSECURE", c.Observability.OTelInsecure)
	c.Observability.OTelSampleRatio = getEnvFloat("PROCUREMENT_OTEL_SAMPLE_RATIO", c.Observability.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.PostgresMaxConns > 0 && c.Storage.PostgresMinConns > c.Storage.PostgresMaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Storage.PostgresMinConns, c.Storage.PostgresMaxConns)
	}

	switch c.Permissions.CacheBackend {
	case CacheBackendNone:
	case CacheBackendMemory:
		if c.Permissions.CacheSize <= 0 {
			return fmt.Errorf("permission cache size must be positive for the memory backend")
		}
	case CacheBackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis permission cache")
		}
	default:
		return fmt.Errorf("invalid permission cache backend: %s (must be none, memory, or redis)", c.Permissions.CacheBackend)
	}
	if c.Permissions.CacheBackend != CacheBackendNone && c.Permissions.CacheTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
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

// getEnvFloat returns a float environment variable or a default
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
