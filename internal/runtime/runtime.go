package runtime

import (
	"context"
	"errors"
	"time"

	cfgpkg "github.com/mirqtio/agentq/internal/config"
	"github.com/mirqtio/agentq/internal/coordinator"
	"github.com/mirqtio/agentq/internal/monitor"
	"github.com/mirqtio/agentq/internal/notify"
	"github.com/mirqtio/agentq/internal/queue"
	pebblestore "github.com/mirqtio/agentq/internal/storage/pebble"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Config  cfgpkg.Config
	Logger  logpkg.Logger
	// Bus overrides the notification transport; nil uses config (NATS when
	// enabled, in-process otherwise).
	Bus notify.Bus
}

// Runtime wires storage, broker, monitor, and coordinator for a single-node
// instance.
type Runtime struct {
	db      *pebblestore.DB
	config  cfgpkg.Config
	logger  logpkg.Logger
	broker  *queue.Broker
	monitor *monitor.Monitor
	coord   *coordinator.Coordinator
	bus     notify.Bus
	ownsBus bool
}

// Open initializes storage and constructs the facades.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         pebblestore.ParseFsyncMode(cfg.Fsync),
		FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{db: db, config: cfg, logger: logger}

	rt.broker = queue.New(db, cfg.Environment, queue.Options{
		Policy: queue.RetryPolicy{
			MaxRetries:        cfg.Retry.MaxRetries,
			InitialDelay:      time.Duration(cfg.Retry.InitialDelaySec) * time.Second,
			MaxDelay:          time.Duration(cfg.Retry.MaxDelaySec) * time.Second,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			JitterEnabled:     cfg.Retry.JitterEnabled,
		},
		DLQTTL: time.Duration(cfg.DLQ.TTLHours) * time.Hour,
		Logger: logger.WithComponent("queue"),
	})

	rt.monitor = monitor.New(rt.broker, monitor.Options{
		Thresholds: monitor.Thresholds{
			PendingWarning:     cfg.Monitor.PendingWarning,
			PendingCritical:    cfg.Monitor.PendingCritical,
			ErrorRateWarning:   cfg.Monitor.ErrorRateWarning,
			ErrorRateCritical:  cfg.Monitor.ErrorRateCritical,
			LatencyWarningSec:  cfg.Monitor.LatencyWarningSec,
			LatencyCriticalSec: cfg.Monitor.LatencyCriticalSec,
			DLQWarning:         cfg.Monitor.DLQWarning,
			DLQCritical:        cfg.Monitor.DLQCritical,
			MinRatePerMin:      cfg.Monitor.MinRatePerMin,
		},
		SampleCap: cfg.Monitor.SampleCap,
		TrendCap:  cfg.Monitor.TrendCap,
		Logger:    logger.WithComponent("monitor"),
	})

	bus := opts.Bus
	if bus == nil {
		if cfg.Notify.Enabled && cfg.Notify.URL != "" {
			nbus, errBus := notify.NewNATSBus(notify.NATSOptions{URL: cfg.Notify.URL, Name: "agentq"})
			if errBus != nil {
				// best-effort fallback channel, not a hard dependency
				logger.Warn("notification bus unavailable, using in-process bus", logpkg.Err(errBus))
				bus = notify.NewMemoryBus()
			} else {
				bus = nbus
			}
		} else {
			bus = notify.NewMemoryBus()
		}
		rt.ownsBus = true
	}
	rt.bus = bus

	rt.coord = coordinator.New(rt.broker, coordinator.Options{
		HeartbeatStale: time.Duration(cfg.Coordinator.HeartbeatStaleSec) * time.Second,
		DrainLimit:     cfg.Coordinator.PendingDrainLimit,
		DispatchBlock:  time.Duration(cfg.Coordinator.DispatchBlockMs) * time.Millisecond,
		Hook:           coordinator.QuestionsHook{Bus: bus, Logger: logger.WithComponent("coordinator")},
		Bus:            bus,
		Logger:         logger.WithComponent("coordinator"),
	})
	return rt, nil
}

// Close releases the store and any owned notification transport.
func (r *Runtime) Close() error {
	if r.ownsBus && r.bus != nil {
		_ = r.bus.Close()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth probes the underlying store.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.broker == nil {
		return errors.New("runtime not open")
	}
	return r.broker.HealthCheck(ctx)
}

// Broker returns the queue facade.
func (r *Runtime) Broker() *queue.Broker { return r.broker }

// Monitor returns the health monitor.
func (r *Runtime) Monitor() *monitor.Monitor { return r.monitor }

// Coordinator returns the agent/task coordinator.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Bus returns the notification transport.
func (r *Runtime) Bus() notify.Bus { return r.bus }

// DB exposes the underlying store for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
