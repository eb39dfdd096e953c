// Package config loads service configuration from environment variables.
// Out-of-range values are clamped to their documented bounds rather than
// rejected; a missing variable takes its default.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the fusion service configuration.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// DatabaseURL selects the persistent store. A postgres:// DSN opens
	// PostgreSQL; anything else is treated as an SQLite path.
	DatabaseURL string

	// RedisAddr selects the side store. Empty falls back to the
	// in-process KV.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MasterSecret derives the credential encryption keys. Required.
	MasterSecret string

	// MaxConcurrentSyncs bounds the sync worker pool. Minimum 1.
	MaxConcurrentSyncs int

	// CorrelationWindowMinutes is the event window per tick, in [1, 1440].
	CorrelationWindowMinutes int

	// CorrelationIntervalMs is the engine tick cadence.
	CorrelationIntervalMs int

	// RulesPath points at the YAML correlation rule file. Empty starts
	// the engine with no rules.
	RulesPath string

	// ArchiveDir stores raw vendor payloads. Empty disables archiving.
	ArchiveDir string

	// PlaybookDir holds local WASI playbook modules; PlaybookEndpoint is
	// the remote orchestration fallback. Both empty disables playbooks.
	PlaybookDir      string
	PlaybookEndpoint string

	// DrainTimeout bounds how long shutdown waits for in-flight syncs.
	DrainTimeout time.Duration
}

// Load reads the environment.
func Load() *Config {
	return &Config{
		LogLevel:                 envString("LOG_LEVEL", "INFO"),
		DatabaseURL:              envString("DATABASE_URL", "fusion.db"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  envInt("REDIS_DB", 0, 0, 15),
		MasterSecret:             os.Getenv("FUSION_MASTER_SECRET"),
		MaxConcurrentSyncs:       envInt("MAX_CONCURRENT_SYNCS", 3, 1, 64),
		CorrelationWindowMinutes: envInt("CORRELATION_WINDOW_MINUTES", 15, 1, 1440),
		CorrelationIntervalMs:    envInt("CORRELATION_INTERVAL_MS", 60_000, 1000, 86_400_000),
		RulesPath:                os.Getenv("RULES_PATH"),
		ArchiveDir:               os.Getenv("ARCHIVE_DIR"),
		PlaybookDir:              os.Getenv("PLAYBOOK_DIR"),
		PlaybookEndpoint:         os.Getenv("PLAYBOOK_ENDPOINT"),
		DrainTimeout:             time.Duration(envInt("DRAIN_TIMEOUT_SECONDS", 30, 1, 600)) * time.Second,
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback, lo, hi int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
