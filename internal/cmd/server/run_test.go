package serverrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/mirqtio/agentq/internal/config"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

func TestGetenvDefault(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		def      string
		envValue string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "AGENTQ_TEST_VAR",
			def:      "default",
			envValue: "env_value",
			expected: "env_value",
		},
		{
			name:     "environment variable not set",
			key:      "AGENTQ_TEST_VAR_NOT_SET",
			def:      "default",
			envValue: "",
			expected: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				_ = os.Setenv(tt.key, tt.envValue)
			} else {
				_ = os.Unsetenv(tt.key)
			}
			t.Cleanup(func() {
				_ = os.Unsetenv(tt.key)
			})

			if got := getenvDefault(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenvDefault(%s, %s) = %s, expected %s", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

func TestBuildLoggerFormats(t *testing.T) {
	_ = os.Unsetenv("AGENTQ_LOG_LEVEL")
	_ = os.Unsetenv("AGENTQ_LOG_FORMAT")

	if l := buildLogger(cfgpkg.LogConfig{Level: "debug", Format: "text"}); l == nil {
		t.Fatal("expected logger for text format")
	}
	if l := buildLogger(cfgpkg.LogConfig{Level: "info", Format: "json"}); l == nil {
		t.Fatal("expected logger for json format")
	}
	// Bad level falls back to info rather than failing.
	if l := buildLogger(cfgpkg.LogConfig{Level: "verbose", Format: "text"}); l == nil {
		t.Fatal("expected logger for unknown level")
	}
}

func TestBuildLoggerEnvOverride(t *testing.T) {
	_ = os.Setenv("AGENTQ_LOG_LEVEL", "error")
	t.Cleanup(func() { _ = os.Unsetenv("AGENTQ_LOG_LEVEL") })

	l := buildLogger(cfgpkg.LogConfig{Level: "debug", Format: "text"})
	if l == nil {
		t.Fatal("expected logger")
	}
	// Only sanity-check construction; the level applied comes from the env.
	l.Info("suppressed", logpkg.Str("k", "v"))
}

func TestDataDirStoreSubdirectory(t *testing.T) {
	baseDir := "/tmp/agentq"
	storeDir := filepath.Join(baseDir, "store")
	if storeDir != "/tmp/agentq/store" {
		t.Errorf("unexpected store dir %s", storeDir)
	}
}

func TestDefaultDataDirFallback(t *testing.T) {
	opts := Options{DataDir: ""}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.DataDir == "" {
		t.Error("expected DataDir to be set after fallback")
	}
}

// TestRunIntegration starts the full runtime and cancels it shortly after.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := cfgpkg.Default()
	cfg.Fsync = "never"
	cfg.Sweep.IntervalMs = 10

	opts := Options{
		DataDir: t.TempDir(),
		Config:  cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := Run(ctx, opts); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
