package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "kafkago", cfg.Kafka.Client)
	assert.Equal(t, "hydrometry.measurements", cfg.Kafka.Topic)
	assert.Equal(t, 500*time.Millisecond, cfg.Kafka.MaxWait)
	assert.Equal(t, "aud", cfg.Consumer.Events)
	assert.Equal(t, time.Minute, cfg.Consumer.ReportPeriod)
	assert.False(t, cfg.Consumer.DryRun)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.True(t, cfg.Store.EnforceCatalog)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "none", cfg.Changelog.Sink)
	assert.Equal(t, ":8080", cfg.Metrics.Addr)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CONSUMER_EVENTS", "ud")
	t.Setenv("CONSUMER_DRY_RUN", "true")
	t.Setenv("CONSUMER_REPORT_PERIOD", "15s")
	t.Setenv("STORE_BACKEND", "pebble")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ud", cfg.Consumer.Events)
	assert.True(t, cfg.Consumer.DryRun)
	assert.Equal(t, 15*time.Second, cfg.Consumer.ReportPeriod)
	assert.Equal(t, "pebble", cfg.Store.Backend)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CONSUMER_EXAMINATION_TYPES=25,3\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CONSUMER_EXAMINATION_TYPES") })

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "25,3", cfg.Consumer.ExaminationTypes)
}
