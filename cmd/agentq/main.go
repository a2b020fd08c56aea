package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	serverrun "github.com/mirqtio/agentq/internal/cmd/server"
	cfgpkg "github.com/mirqtio/agentq/internal/config"
	"github.com/mirqtio/agentq/internal/runtime"
	logpkg "github.com/mirqtio/agentq/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	// Respect AGENTQ_LOG_LEVEL for CLI output
	level := os.Getenv("AGENTQ_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	rootCmd := &cobra.Command{
		Use:   "agentq",
		Short: "AgentQ broker CLI",
		Long:  "AgentQ is a store-backed message broker for agent pipelines. This CLI manages the server and basic queue operations.",
	}
	rootCmd.PersistentFlags().String("config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().String("env-file", "", "Path to .env file (default .env)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the agentq broker",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dataDir, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			env, _ := cmd.Flags().GetString("environment")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")
			if env != "" {
				cfg.Environment = env
			}
			if fsyncMode != "" {
				switch fsyncMode {
				case "always", "interval", "never":
					cfg.Fsync = fsyncMode
				default:
					return fmt.Errorf("invalid --fsync; use always|interval|never")
				}
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			if err := serverrun.Run(cmd.Context(), serverrun.Options{
				DataDir: dataDir,
				Config:  cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("environment", "", "Environment namespace (default from config)")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", os.Getenv("AGENTQ_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("AGENTQ_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// queue commands
	queueCmd := &cobra.Command{Use: "queue", Short: "Queue operations"}
	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List known queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				names, err := rt.Broker().ListQueues(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			})
		},
	}
	queueStatsCmd := &cobra.Command{
		Use:   "stats <queue>",
		Short: "Show counters and gauges for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				st, err := rt.Broker().Stats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
	queuePurgeCmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete all state for a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				return rt.Broker().Purge(ctx, args[0])
			})
		},
	}
	queueCmd.AddCommand(queueListCmd, queueStatsCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)

	// dlq commands
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter queue operations"}
	dlqListCmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List dead-letter entries, optionally filtered by a CEL expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				entries, err := rt.Broker().ListDLQ(ctx, args[0], filter, limit)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	dlqListCmd.Flags().String("filter", "", `CEL filter, e.g. reason == "max_retries_exceeded"`)
	dlqListCmd.Flags().Int("limit", 100, "Maximum entries to return")
	dlqStatsCmd := &cobra.Command{
		Use:   "stats <queue>",
		Short: "Aggregate dead-letter entries by failure reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				st, err := rt.Broker().DLQStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
	dlqReplayCmd := &cobra.Command{
		Use:   "replay <queue> <entry-id>",
		Short: "Re-inject a dead-letter entry into its queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				if err := rt.Broker().ReplayDLQ(ctx, args[0], args[1], 0); err != nil {
					return err
				}
				fmt.Println("replayed:", args[1])
				return nil
			})
		},
	}
	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)

	// health
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check store health and per-queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, rt *runtime.Runtime) error {
				if err := rt.CheckHealth(ctx); err != nil {
					return err
				}
				queues, err := rt.Broker().ListQueues(ctx)
				if err != nil {
					return err
				}
				return printJSON(rt.Monitor().DashboardData(ctx, queues, 0))
			})
		},
	}
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the effective config: defaults, then TOML file, then
// .env overlay and AGENTQ_* env vars, then the --data-dir flag.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, string, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfgpkg.LoadDotenv(envFile)

	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, "", fmt.Errorf("load config: %w", err)
	}
	cfgpkg.FromEnv(&cfg)

	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	return cfg, dataDir, nil
}

// withRuntime opens the store for a one-shot admin command and closes it when
// the callback returns.
func withRuntime(cmd *cobra.Command, logger logpkg.Logger, fn func(context.Context, *runtime.Runtime) error) error {
	cfg, dataDir, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := runtime.Open(runtime.Options{
		DataDir: filepath.Join(dataDir, "store"),
		Config:  cfg,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(cmd.Context(), rt)
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
