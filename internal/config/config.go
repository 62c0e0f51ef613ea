// Package config provides configuration management for the campaign sync
// system. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Sync      SyncConfig
	Throttle  ThrottleConfig
	Budget    BudgetConfig
	Platforms PlatformsConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds read-model cache configuration
type CacheConfig struct {
	ProgressTTL time.Duration // TTL for cached job progress snapshots
}

// SyncConfig holds sync planning and worker configuration
type SyncConfig struct {
	Workers             int           // concurrent chunk workers per process
	PollInterval        time.Duration // idle wait between claim attempts
	SchedulerInterval   time.Duration // scheduler sweep interval
	EntityBatchSize     int           // entities per metrics chunk
	MetricsWindowDays   int           // days per metrics chunk window
	RecentWindowDays    int           // span of the recent phase
	BackfillDays        int           // span of the historical phase
	ChunkMaxRetries     int           // per-chunk retry bound
	FinalSyncBatch      int           // max final-sync records per sweep
	FinalSyncStaleAfter time.Duration // claim age after which a final sync is retried
}

// ThrottleConfig holds the per-account sync throttle intervals
type ThrottleConfig struct {
	QuickRefreshInterval   time.Duration
	ExistenceCheckInterval time.Duration
}

// BudgetConfig holds the cross-process platform request budget settings
type BudgetConfig struct {
	Window        time.Duration // sliding window length
	ReservedShare float64       // fraction of the window reserved for priority fetches
}

// PlatformsConfig holds ad platform configuration
type PlatformsConfig struct {
	Enabled   []string
	Platforms map[string]PlatformConfig
}

// PlatformConfig holds configuration for a specific ad platform
type PlatformConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerMinute int
}

// RateLimitConfig holds API rate limiting configuration (requests per minute)
type RateLimitConfig struct {
	FreeTier int
	PaidTier int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional; environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "campaign_sync"),
				User:           getEnv("POSTGRES_USER", "sync"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "campaign_sync"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			ProgressTTL: getEnvAsDuration("PROGRESS_CACHE_TTL", 10*time.Second),
		},
		Sync: SyncConfig{
			Workers:             getEnvAsInt("SYNC_WORKERS", 4),
			PollInterval:        getEnvAsDuration("SYNC_POLL_INTERVAL", 5*time.Second),
			SchedulerInterval:   getEnvAsDuration("SYNC_SCHEDULER_INTERVAL", 30*time.Second),
			EntityBatchSize:     getEnvAsInt("SYNC_ENTITY_BATCH_SIZE", 200),
			MetricsWindowDays:   getEnvAsInt("SYNC_METRICS_WINDOW_DAYS", 30),
			RecentWindowDays:    getEnvAsInt("SYNC_RECENT_WINDOW_DAYS", 90),
			BackfillDays:        getEnvAsInt("SYNC_BACKFILL_DAYS", 365),
			ChunkMaxRetries:     getEnvAsInt("SYNC_CHUNK_MAX_RETRIES", 3),
			FinalSyncBatch:      getEnvAsInt("SYNC_FINAL_SYNC_BATCH", 50),
			FinalSyncStaleAfter: getEnvAsDuration("SYNC_FINAL_SYNC_STALE_AFTER", 15*time.Minute),
		},
		Throttle: ThrottleConfig{
			QuickRefreshInterval:   getEnvAsDuration("THROTTLE_QUICK_REFRESH_INTERVAL", 30*time.Second),
			ExistenceCheckInterval: getEnvAsDuration("THROTTLE_EXISTENCE_CHECK_INTERVAL", time.Hour),
		},
		Budget: BudgetConfig{
			Window:        getEnvAsDuration("BUDGET_WINDOW", time.Minute),
			ReservedShare: getEnvAsFloat("BUDGET_RESERVED_SHARE", 0.25),
		},
		RateLimit: RateLimitConfig{
			FreeTier: getEnvAsInt("RATE_LIMIT_FREE_TIER", 60),
			PaidTier: getEnvAsInt("RATE_LIMIT_PAID_TIER", 600),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	config.Platforms = loadPlatformConfigs()

	return config, nil
}

// loadPlatformConfigs loads platform-specific configurations
func loadPlatformConfigs() PlatformsConfig {
	enabled := strings.Split(getEnv("ENABLED_PLATFORMS", "meta,tiktok,google"), ",")

	platforms := make(map[string]PlatformConfig)
	for _, platform := range enabled {
		platform = strings.TrimSpace(platform)
		if platform == "" {
			continue
		}

		prefix := strings.ToUpper(platform)
		platforms[platform] = PlatformConfig{
			BaseURL:           getEnv(prefix+"_API_BASE_URL", ""),
			APIKey:            getEnv(prefix+"_API_KEY", ""),
			RequestsPerMinute: getEnvAsInt(prefix+"_REQUESTS_PER_MINUTE", 200),
		}
	}

	return PlatformsConfig{
		Enabled:   enabled,
		Platforms: platforms,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
