// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (only needed when JobsStorage == "redis")

	// External ledger connection
	LedgerEnv          string // "mock", "sandbox", "production"
	LedgerBaseURL      string
	LedgerAuthURL      string
	LedgerTokenURL     string
	LedgerRevokeURL    string
	LedgerClientID     string
	LedgerClientSecret string
	LedgerRedirectURL  string
	LedgerMinorVersion string // API minor version sent on every request

	// Transport
	GlobalRPM         int           // shared outbound budget across all tenants
	TenantRPM         int           // per-tenant outbound budget
	ReadTimeout       time.Duration // default request timeout
	FetchTimeout      time.Duration // data retrieval (query) request timeout
	MaxAttempts       int           // default retry attempts per operation
	MaxBackoff        time.Duration // retry delay cap
	CredentialsSkew   time.Duration // refresh tokens this close to expiry
	BreakerThreshold  int           // consecutive failures before the circuit opens
	BreakerOpenPeriod time.Duration

	// Caching
	CacheTTLDataFetch time.Duration
	CacheTTLOnDemand  time.Duration
	CacheTTLScheduled time.Duration

	// Jobs
	JobsStorage       string // "memory", "redis", "postgres"
	SyncInterval      time.Duration
	JobDeadline       time.Duration
	TenantConcurrency int // running jobs allowed per tenant

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int    // inbound ops-surface limit

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultGlobalRPM         = 500
	DefaultTenantRPM         = 60
	DefaultMaxAttempts       = 3
	DefaultRateLimit         = 100
	DefaultLedgerEnv         = "mock"
	DefaultJobsStorage       = "memory"
	DefaultTenantConcurrency = 2
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:    os.Getenv("REDIS_URL"),

		LedgerEnv:          getEnv("LEDGER_ENV", DefaultLedgerEnv),
		LedgerBaseURL:      os.Getenv("LEDGER_BASE_URL"),
		LedgerAuthURL:      os.Getenv("LEDGER_AUTH_URL"),
		LedgerTokenURL:     os.Getenv("LEDGER_TOKEN_URL"),
		LedgerRevokeURL:    os.Getenv("LEDGER_REVOKE_URL"),
		LedgerClientID:     os.Getenv("LEDGER_CLIENT_ID"),
		LedgerClientSecret: os.Getenv("LEDGER_CLIENT_SECRET"),
		LedgerRedirectURL:  os.Getenv("LEDGER_REDIRECT_URL"),
		LedgerMinorVersion: getEnv("LEDGER_MINOR_VERSION", "65"),

		GlobalRPM:         int(getEnvInt64("RATE_LIMIT_GLOBAL_RPM", DefaultGlobalRPM)),
		TenantRPM:         int(getEnvInt64("RATE_LIMIT_TENANT_RPM", DefaultTenantRPM)),
		ReadTimeout:       getEnvSeconds("TRANSPORT_READ_TIMEOUT_SEC", 30),
		FetchTimeout:      getEnvSeconds("TRANSPORT_FETCH_TIMEOUT_SEC", 60),
		MaxAttempts:       int(getEnvInt64("TRANSPORT_MAX_ATTEMPTS", DefaultMaxAttempts)),
		MaxBackoff:        getEnvSeconds("TRANSPORT_MAX_BACKOFF_SEC", 60),
		CredentialsSkew:   getEnvSeconds("CREDENTIALS_REFRESH_SKEW_SEC", 300),
		BreakerThreshold:  int(getEnvInt64("BREAKER_THRESHOLD", 5)),
		BreakerOpenPeriod: getEnvSeconds("BREAKER_OPEN_SEC", 30),

		CacheTTLDataFetch: getEnvSeconds("CACHE_TTL_DATA_FETCH_SEC", 60),
		CacheTTLOnDemand:  getEnvSeconds("CACHE_TTL_ON_DEMAND_SEC", 15),
		CacheTTLScheduled: getEnvSeconds("CACHE_TTL_SCHEDULED_SEC", 300),

		JobsStorage:       getEnv("JOBS_STORAGE", DefaultJobsStorage),
		SyncInterval:      time.Duration(getEnvInt64("JOBS_SYNC_INTERVAL_MIN", 15)) * time.Minute,
		JobDeadline:       time.Duration(getEnvInt64("JOBS_DEADLINE_MIN", 10)) * time.Minute,
		TenantConcurrency: int(getEnvInt64("JOBS_TENANT_CONCURRENCY", DefaultTenantConcurrency)),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.LedgerEnv {
	case "mock":
		// Mock mode fabricates its own base URL and credentials.
	case "sandbox", "production":
		if c.LedgerBaseURL == "" {
			return fmt.Errorf("LEDGER_BASE_URL is required when LEDGER_ENV=%s", c.LedgerEnv)
		}
		if c.LedgerClientID == "" || c.LedgerClientSecret == "" {
			return fmt.Errorf("LEDGER_CLIENT_ID and LEDGER_CLIENT_SECRET are required when LEDGER_ENV=%s", c.LedgerEnv)
		}
		if c.LedgerTokenURL == "" {
			return fmt.Errorf("LEDGER_TOKEN_URL is required when LEDGER_ENV=%s", c.LedgerEnv)
		}
	default:
		return fmt.Errorf("LEDGER_ENV must be mock, sandbox, or production, got %q", c.LedgerEnv)
	}

	switch c.JobsStorage {
	case "memory", "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when JOBS_STORAGE=redis")
		}
	default:
		return fmt.Errorf("JOBS_STORAGE must be memory, redis, or postgres, got %q", c.JobsStorage)
	}

	if c.JobsStorage == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when JOBS_STORAGE=postgres")
	}

	if c.GlobalRPM <= 0 || c.TenantRPM <= 0 {
		return fmt.Errorf("rate limit budgets must be positive")
	}
	if c.TenantRPM > c.GlobalRPM {
		return fmt.Errorf("RATE_LIMIT_TENANT_RPM (%d) cannot exceed RATE_LIMIT_GLOBAL_RPM (%d)", c.TenantRPM, c.GlobalRPM)
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("TRANSPORT_MAX_ATTEMPTS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int64) time.Duration {
	return time.Duration(getEnvInt64(key, defaultSeconds)) * time.Second
}
