package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Engine    EngineConfig
	Budget    BudgetConfig
	Memory    MemoryConfig
	Delivery  DeliveryConfig
	RateLimit RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string

	// PprofPort enables the localhost pprof listener when > 0
	PprofPort int
}

// DatabaseConfig holds Postgres connection settings
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

// RedisConfig holds connection settings for the coordination store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StateTTL time.Duration
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Stream        string
	Group         string
	Concurrency   int
	MoverInterval time.Duration
	ReclaimAfter  time.Duration
}

// EngineConfig holds orchestration settings
type EngineConfig struct {
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	SweepInterval    time.Duration
	ZombieThreshold  time.Duration
}

// BudgetConfig holds default per-execution spend limits
type BudgetConfig struct {
	MaxTokensPerExecution int64
	MaxCostPerExecution   float64
}

// MemoryConfig points at the episodic memory collaborator (optional)
type MemoryConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DeliveryConfig points at the final-output delivery collaborator (optional)
type DeliveryConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// RateLimitConfig holds per-user API limits
type RateLimitConfig struct {
	Enabled   bool
	PerUser   int64
	WindowSec int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			PprofPort:   getEnvInt("PPROF_PORT", 0),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "nodeflow"),
			User:        getEnv("POSTGRES_USER", "nodeflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "nodeflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			StateTTL: getEnvDuration("EXECUTION_STATE_TTL", 24*time.Hour),
		},
		Queue: QueueConfig{
			Stream:        getEnv("QUEUE_STREAM", "nodeflow:jobs"),
			Group:         getEnv("QUEUE_GROUP", "nodeflow-workers"),
			Concurrency:   getEnvInt("QUEUE_CONCURRENCY", 8),
			MoverInterval: getEnvDuration("QUEUE_MOVER_INTERVAL", 1*time.Second),
			ReclaimAfter:  getEnvDuration("QUEUE_RECLAIM_AFTER", 60*time.Second),
		},
		Engine: EngineConfig{
			MaxRetries:       getEnvInt("NODE_MAX_RETRIES", 3),
			RetryBackoffBase: getEnvDuration("RETRY_BACKOFF_BASE", 2*time.Second),
			RetryBackoffCap:  getEnvDuration("RETRY_BACKOFF_CAP", 60*time.Second),
			SweepInterval:    getEnvDuration("ZOMBIE_SWEEP_INTERVAL", 60*time.Second),
			ZombieThreshold:  getEnvDuration("ZOMBIE_THRESHOLD", 15*time.Minute),
		},
		Budget: BudgetConfig{
			MaxTokensPerExecution: int64(getEnvInt("BUDGET_MAX_TOKENS_PER_EXECUTION", 0)),
			MaxCostPerExecution:   getEnvFloat("BUDGET_MAX_COST_PER_EXECUTION", 0),
		},
		Memory: MemoryConfig{
			BaseURL: getEnv("MEMORY_SERVICE_URL", ""),
			Timeout: getEnvDuration("MEMORY_SERVICE_TIMEOUT", 5*time.Second),
		},
		Delivery: DeliveryConfig{
			WebhookURL: getEnv("DELIVERY_WEBHOOK_URL", ""),
			Timeout:    getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
			PerUser:   int64(getEnvInt("RATE_LIMIT_PER_USER", 60)),
			WindowSec: getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
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

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("node max retries must be >= 0")
	}

	if c.Engine.RetryBackoffBase <= 0 || c.Engine.RetryBackoffCap < c.Engine.RetryBackoffBase {
		return fmt.Errorf("retry backoff base/cap out of range")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
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

// Helper functions

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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
