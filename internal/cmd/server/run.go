package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cfgpkg "github.com/mirqtio/agentq/internal/config"
	"github.com/mirqtio/agentq/internal/coordinator"
	"github.com/mirqtio/agentq/internal/monitor"
	"github.com/mirqtio/agentq/internal/queue"
	"github.com/mirqtio/agentq/internal/runtime"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// small wrapper to allow testing; replaced by os.Getenv at build time
var getenv = func(key string) string { return os.Getenv(key) }

type Options struct {
	DataDir string
	Config  cfgpkg.Config
}

// buildLogger constructs the process logger from the log config, with env
// overrides for level and format.
func buildLogger(cfg cfgpkg.LogConfig) logpkg.Logger {
	level := getenvDefault("AGENTQ_LOG_LEVEL", cfg.Level)
	format := getenvDefault("AGENTQ_LOG_FORMAT", cfg.Format)
	lvl := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(level); err == nil {
		lvl = l
	}
	var fm logpkg.Formatter = &logpkg.TextFormatter{}
	if format == "json" {
		fm = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(lvl),
		logpkg.WithFormatter(fm),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
}

// Run opens the runtime, starts the background loops, and blocks until ctx is
// cancelled.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context. We layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(opts.DataDir, "store")

	procLogger := buildLogger(opts.Config.Log)

	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Config: opts.Config, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("starting agentq",
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("env", opts.Config.Environment),
		logpkg.Str("fsync", opts.Config.Fsync),
		logpkg.Int("sweep_interval_ms", opts.Config.Sweep.IntervalMs),
		logpkg.Int("collect_interval_sec", opts.Config.Monitor.CollectIntervalSec),
	)

	sweeper := queue.NewSweeper(rt.Broker(),
		time.Duration(opts.Config.Sweep.IntervalMs)*time.Millisecond,
		opts.Config.Sweep.MaxPerTick)
	sweeper.Start(sctx)
	defer sweeper.Stop()

	collector := monitor.NewCollector(rt.Monitor(),
		time.Duration(opts.Config.Monitor.CollectIntervalSec)*time.Second)
	collector.Start(sctx)
	defer collector.Stop()

	dispatcher := coordinator.NewDispatcher(rt.Coordinator())
	dispatcher.Start(sctx)
	defer dispatcher.Stop()

	<-sctx.Done()
	// Stop the loops before the deferred rt.Close tears down the store.
	dispatcher.Stop()
	collector.Stop()
	sweeper.Stop()
	return nil
}
