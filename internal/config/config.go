// Package config loads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the service.
type Config struct {
	Env      string
	HTTPAddr string

	// DatabaseURL selects the backend: a postgres:// URL uses Postgres,
	// anything else (or empty) uses SQLite at SQLiteDSN.
	DatabaseURL string
	SQLiteDSN   string

	DispatchMaxAttempts int
	OutboxMaxAttempts   int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxStaleAfter   time.Duration

	SweepSchedule  string
	StaleThreshold time.Duration
	SweepBatchSize int

	ReplaySchedule string
	ReplayBatch    int

	PurgeSchedule string
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:                 getEnv("APP_ENV", "dev"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLiteDSN:           getEnv("SQLITE_DSN", ""),
		DispatchMaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
		OutboxMaxAttempts:   getEnvInt("OUTBOX_MAX_ATTEMPTS", 3),
		OutboxPollInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:     getEnvInt("OUTBOX_BATCH_SIZE", 20),
		OutboxStaleAfter:    getEnvDuration("OUTBOX_STALE_AFTER", 10*time.Minute),
		SweepSchedule:       getEnv("DEADLOCK_SWEEP_SCHEDULE", "@every 15m"),
		StaleThreshold:      getEnvDuration("DEADLOCK_STALE_THRESHOLD", time.Hour),
		SweepBatchSize:      getEnvInt("DEADLOCK_SWEEP_BATCH_SIZE", 50),
		ReplaySchedule:      getEnv("WEBHOOK_REPLAY_SCHEDULE", "@every 5m"),
		ReplayBatch:         getEnvInt("WEBHOOK_REPLAY_BATCH_SIZE", 100),
		PurgeSchedule:       getEnv("IDEMPOTENCY_PURGE_SCHEDULE", "@every 1h"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
