// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server and CLI configuration.
type Config struct {
	// Server
	ListenAddr    string
	MetricsAddr   string
	PublicBaseURL string // prefix used when verifying /media signed URLs

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Auth
	JWTSecret string

	// Signed URLs
	SignedURLSecret string
	SignedURLTTL    time.Duration

	// Local media tree
	MediaRoot string
	TempDir   string

	// Storage manager
	QuotaCacheTTL    time.Duration
	OperationTimeout time.Duration
	RetryAttempts    int
	RetryInitialWait time.Duration

	// Migration reports
	ReportTTL        time.Duration
	ReportMaxEntries int
	MigrationWorkers int
}

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		PublicBaseURL:    envOr("PUBLIC_BASE_URL", ""),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		JWTSecret:        envOr("JWT_SECRET", ""),
		SignedURLSecret:  envOr("SIGNED_URL_SECRET", ""),
		SignedURLTTL:     envDuration("SIGNED_URL_TTL", time.Hour),
		MediaRoot:        envOr("MEDIA_ROOT", "/data/media"),
		TempDir:          envOr("TEMP_DIR", os.TempDir()),
		QuotaCacheTTL:    envDuration("QUOTA_CACHE_TTL", 5*time.Minute),
		OperationTimeout: envDuration("STORAGE_OPERATION_TIMEOUT", 10*time.Minute),
		RetryAttempts:    envInt("STORAGE_RETRY_ATTEMPTS", 1), // 1 = no retries
		RetryInitialWait: envDuration("STORAGE_RETRY_INITIAL_WAIT", 500*time.Millisecond),
		ReportTTL:        envDuration("REPORT_TTL", 24*time.Hour),
		ReportMaxEntries: envInt("REPORT_MAX_ENTRIES", 1000),
		MigrationWorkers: envInt("MIGRATION_WORKERS", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SignedURLSecret == "" {
		return fmt.Errorf("SIGNED_URL_SECRET is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("STORAGE_RETRY_ATTEMPTS must be >= 1, got %d", c.RetryAttempts)
	}
	if c.MigrationWorkers < 1 {
		return fmt.Errorf("MIGRATION_WORKERS must be >= 1, got %d", c.MigrationWorkers)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
