package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Environment prefixes every store key so several deployments can share a
	// keyspace layout ("dev", "staging", "prod").
	Environment string `json:"environment" toml:"environment"`
	DataDir     string `json:"dataDir" toml:"data_dir"`

	// Fsync is one of "always", "interval", "never".
	Fsync           string `json:"fsync" toml:"fsync"`
	FsyncIntervalMs int    `json:"fsyncIntervalMs" toml:"fsync_interval_ms"`

	Retry       RetryConfig       `json:"retry" toml:"retry"`
	DLQ         DLQConfig         `json:"dlq" toml:"dlq"`
	Sweep       SweepConfig       `json:"sweep" toml:"sweep"`
	Monitor     MonitorConfig     `json:"monitor" toml:"monitor"`
	Coordinator CoordinatorConfig `json:"coordinator" toml:"coordinator"`
	Notify      NotifyConfig      `json:"notify" toml:"notify"`
	Log         LogConfig         `json:"log" toml:"log"`
}

// RetryConfig is the broker-wide retry policy baseline (per-instance, not per-message).
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries" toml:"max_retries"`
	InitialDelaySec   int     `json:"initialDelaySec" toml:"initial_delay_sec"`
	MaxDelaySec       int     `json:"maxDelaySec" toml:"max_delay_sec"`
	BackoffMultiplier float64 `json:"backoffMultiplier" toml:"backoff_multiplier"`
	JitterEnabled     bool    `json:"jitterEnabled" toml:"jitter_enabled"`
}

// DLQConfig controls dead-letter retention.
type DLQConfig struct {
	TTLHours           int `json:"ttlHours" toml:"ttl_hours"`
	CleanupIntervalSec int `json:"cleanupIntervalSec" toml:"cleanup_interval_sec"`
}

// SweepConfig controls inflight-timeout recovery.
type SweepConfig struct {
	IntervalMs int `json:"intervalMs" toml:"interval_ms"`
	MaxPerTick int `json:"maxPerTick" toml:"max_per_tick"`
}

// MonitorConfig carries health thresholds and buffer caps.
type MonitorConfig struct {
	PendingWarning     int     `json:"pendingWarning" toml:"pending_warning"`
	PendingCritical    int     `json:"pendingCritical" toml:"pending_critical"`
	ErrorRateWarning   float64 `json:"errorRateWarning" toml:"error_rate_warning"`
	ErrorRateCritical  float64 `json:"errorRateCritical" toml:"error_rate_critical"`
	LatencyWarningSec  float64 `json:"latencyWarningSec" toml:"latency_warning_sec"`
	LatencyCriticalSec float64 `json:"latencyCriticalSec" toml:"latency_critical_sec"`
	DLQWarning         int     `json:"dlqWarning" toml:"dlq_warning"`
	DLQCritical        int     `json:"dlqCritical" toml:"dlq_critical"`
	MinRatePerMin      float64 `json:"minRatePerMin" toml:"min_rate_per_min"`
	SampleCap          int     `json:"sampleCap" toml:"sample_cap"`
	TrendCap           int     `json:"trendCap" toml:"trend_cap"`
	CollectIntervalSec int     `json:"collectIntervalSec" toml:"collect_interval_sec"`
}

// CoordinatorConfig tunes the dispatch loop and assignment behavior.
type CoordinatorConfig struct {
	DispatchBlockMs   int `json:"dispatchBlockMs" toml:"dispatch_block_ms"`
	HeartbeatStaleSec int `json:"heartbeatStaleSec" toml:"heartbeat_stale_sec"`
	PendingDrainLimit int `json:"pendingDrainLimit" toml:"pending_drain_limit"`
}

// NotifyConfig configures the optional legacy notification channel.
type NotifyConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	URL     string `json:"url" toml:"url"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Environment: "dev",
		Fsync:       "interval",
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelaySec:   2,
			MaxDelaySec:       300,
			BackoffMultiplier: 2.0,
			JitterEnabled:     true,
		},
		DLQ: DLQConfig{
			TTLHours:           168, // 7 days
			CleanupIntervalSec: 3600,
		},
		Sweep: SweepConfig{
			IntervalMs: 1000,
			MaxPerTick: 1024,
		},
		Monitor: MonitorConfig{
			PendingWarning:     1000,
			PendingCritical:    5000,
			ErrorRateWarning:   5,
			ErrorRateCritical:  20,
			LatencyWarningSec:  30,
			LatencyCriticalSec: 120,
			DLQWarning:         50,
			DLQCritical:        500,
			MinRatePerMin:      0,
			SampleCap:          100,
			TrendCap:           1440,
			CollectIntervalSec: 60,
		},
		Coordinator: CoordinatorConfig{
			DispatchBlockMs:   5000,
			HeartbeatStaleSec: 300,
			PendingDrainLimit: 10,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or TOML file (by extension). If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}
