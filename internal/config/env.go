package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotenv overlays variables from a .env file into the process environment
// before FromEnv runs. A missing file is not an error.
func LoadDotenv(path string) {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// FromEnv overlays AGENTQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("AGENTQ_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("AGENTQ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTQ_FSYNC"); v != "" {
		cfg.Fsync = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTQ_FSYNC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FsyncIntervalMs = n
		}
	}
	if v := os.Getenv("AGENTQ_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("AGENTQ_RETRY_INITIAL_DELAY_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.InitialDelaySec = n
		}
	}
	if v := os.Getenv("AGENTQ_RETRY_MAX_DELAY_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxDelaySec = n
		}
	}
	if v := os.Getenv("AGENTQ_RETRY_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.BackoffMultiplier = f
		}
	}
	if v := os.Getenv("AGENTQ_RETRY_JITTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Retry.JitterEnabled = b
		}
	}
	if v := os.Getenv("AGENTQ_DLQ_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DLQ.TTLHours = n
		}
	}
	if v := os.Getenv("AGENTQ_SWEEP_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweep.IntervalMs = n
		}
	}
	if v := os.Getenv("AGENTQ_NOTIFY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Notify.Enabled = b
		}
	}
	if v := os.Getenv("AGENTQ_NOTIFY_URL"); v != "" {
		cfg.Notify.URL = v
	}
	if v := os.Getenv("AGENTQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AGENTQ_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
