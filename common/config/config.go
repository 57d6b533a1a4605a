package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Pipelining PipeliningConfig
	Telemetry  TelemetryConfig
}

// ServiceConfig holds service-specific settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings for the audit store.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// PipeliningConfig controls the pipelined orchestrator's concurrency
// and checkpointing behavior.
type PipeliningConfig struct {
	MaxRowsInFlight      int
	MaxCompletedWaiting  int
	CheckpointFrequency  int
	PoolSize             int // shared external-call semaphore capacity
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnablePprof    bool
	PprofPort      int
	EnableMetrics  bool
	MetricsPort    int
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "elspeth"),
			User:        getEnv("POSTGRES_USER", "elspeth"),
			Password:    getEnv("POSTGRES_PASSWORD", "elspeth"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Pipelining: PipeliningConfig{
			MaxRowsInFlight:     getEnvInt("MAX_ROWS_IN_FLIGHT", 4),
			MaxCompletedWaiting: getEnvInt("MAX_COMPLETED_WAITING", 4),
			CheckpointFrequency: getEnvInt("CHECKPOINT_FREQUENCY", 100),
			PoolSize:            getEnvInt("POOL_SIZE", 8),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks configuration invariants, including the pipelining
// rule that max_completed_waiting must be at least max_rows_in_flight
// (otherwise the release queue could deadlock against the work pool).
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Pipelining.MaxRowsInFlight < 1 {
		return fmt.Errorf("max_rows_in_flight must be >= 1")
	}
	if c.Pipelining.MaxCompletedWaiting < c.Pipelining.MaxRowsInFlight {
		return fmt.Errorf("max_completed_waiting (%d) must be >= max_rows_in_flight (%d)",
			c.Pipelining.MaxCompletedWaiting, c.Pipelining.MaxRowsInFlight)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string for the audit
// store.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
