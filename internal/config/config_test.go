package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 168, cfg.DLQ.TTLHours)
	assert.Equal(t, 300, cfg.Coordinator.HeartbeatStaleSec)
	assert.Equal(t, 100, cfg.Monitor.SampleCap)
	assert.Equal(t, 1440, cfg.Monitor.TrendCap)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"environment":"prod","retry":{"maxRetries":5}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	// untouched fields keep defaults
	assert.Equal(t, 168, cfg.DLQ.TTLHours)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	body := "environment = \"staging\"\n\n[retry]\nmax_retries = 7\njitter_enabled = false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 7, cfg.Retry.MaxRetries)
	assert.False(t, cfg.Retry.JitterEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("AGENTQ_ENVIRONMENT", "test")
	t.Setenv("AGENTQ_RETRY_MAX_RETRIES", "9")
	t.Setenv("AGENTQ_RETRY_JITTER", "false")
	t.Setenv("AGENTQ_NOTIFY_URL", "nats://localhost:4222")

	cfg := Default()
	FromEnv(&cfg)
	assert.Equal(t, "test", cfg.Environment)
	assert.Equal(t, 9, cfg.Retry.MaxRetries)
	assert.False(t, cfg.Retry.JitterEnabled)
	assert.Equal(t, "nats://localhost:4222", cfg.Notify.URL)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AGENTQ_ENVIRONMENT=dotenv\n"), 0o644))

	os.Unsetenv("AGENTQ_ENVIRONMENT")
	LoadDotenv(path)
	t.Cleanup(func() { os.Unsetenv("AGENTQ_ENVIRONMENT") })

	cfg := Default()
	FromEnv(&cfg)
	assert.Equal(t, "dotenv", cfg.Environment)

	// missing file is a no-op
	LoadDotenv(filepath.Join(dir, "missing.env"))
}
