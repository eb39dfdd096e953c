package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/fusion/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "FUSION_MASTER_SECRET",
		"MAX_CONCURRENT_SYNCS", "CORRELATION_WINDOW_MINUTES",
		"CORRELATION_INTERVAL_MS", "RULES_PATH", "DRAIN_TIMEOUT_SECONDS",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "fusion.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 3, cfg.MaxConcurrentSyncs)
	assert.Equal(t, 15, cfg.CorrelationWindowMinutes)
	assert.Equal(t, 60_000, cfg.CorrelationIntervalMs)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://fusion@db:5432/fusion")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("MAX_CONCURRENT_SYNCS", "8")
	t.Setenv("CORRELATION_WINDOW_MINUTES", "60")
	t.Setenv("RULES_PATH", "/etc/fusion/rules.yaml")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://fusion@db:5432/fusion", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 8, cfg.MaxConcurrentSyncs)
	assert.Equal(t, 60, cfg.CorrelationWindowMinutes)
	assert.Equal(t, "/etc/fusion/rules.yaml", cfg.RulesPath)
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_SYNCS", "0")
	t.Setenv("CORRELATION_WINDOW_MINUTES", "9999")
	t.Setenv("CORRELATION_INTERVAL_MS", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, 1, cfg.MaxConcurrentSyncs)
	assert.Equal(t, 1440, cfg.CorrelationWindowMinutes)
	assert.Equal(t, 60_000, cfg.CorrelationIntervalMs, "unparseable keeps the default")
}
