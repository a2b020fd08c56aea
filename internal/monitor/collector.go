package monitor

import (
	"context"
	"sync"
	"time"

	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// Collector periodically assesses every known queue, appends trend points,
// and exports gauges to the sink.
type Collector struct {
	monitor  *Monitor
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector. interval <= 0 defaults to a minute,
// matching the trend buffer's nominal resolution.
func NewCollector(m *Monitor, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{monitor: m, interval: interval}
}

// Start launches the collection loop. Idempotent.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the loop and waits for the inflight pass to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx, 0)
		}
	}
}

// CollectOnce runs one full assessment pass. Exposed for deterministic tests
// and on-demand refreshes.
func (c *Collector) CollectOnce(ctx context.Context, nowMs int64) {
	m := c.monitor
	queues, err := m.source.ListQueues(ctx)
	if err != nil {
		m.logger.Error("collector: list queues failed", logpkg.Err(err))
		return
	}
	nowMs = m.nowOr(nowMs)
	for _, h := range m.DashboardData(ctx, queues, nowMs) {
		if h.Metrics != nil {
			m.appendTrend(h.Queue, TrendPoint{
				AtMs:    nowMs,
				Pending: h.Metrics.Pending,
				DLQ:     h.Metrics.DLQ,
				Rate1m:  h.Metrics.Rate1m,
				Score:   h.Score,
				Status:  h.Status,
			})
			m.sink.Gauge(h.Queue, "pending", float64(h.Metrics.Pending))
			m.sink.Gauge(h.Queue, "inflight", float64(h.Metrics.Inflight))
			m.sink.Gauge(h.Queue, "dlq", float64(h.Metrics.DLQ))
			m.sink.Gauge(h.Queue, "error_rate", h.Metrics.ErrorRate)
			m.sink.Gauge(h.Queue, "rate_1m", h.Metrics.Rate1m)
			m.sink.Gauge(h.Queue, "p95_latency_sec", h.Metrics.P95LatencySec)
		}
		m.sink.Gauge(h.Queue, "health_score", h.Score)
		if h.Status == StatusCritical {
			m.logger.Warn("queue health critical",
				logpkg.Str("queue", h.Queue),
				logpkg.F("score", h.Score),
				logpkg.F("issues", h.Issues))
		}
	}
}
