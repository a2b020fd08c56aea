package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mirqtio/agentq/internal/queue"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

const (
	defaultSampleCap = 100
	defaultTrendCap  = 1440
)

// StatsSource is the slice of the broker the monitor reads from.
type StatsSource interface {
	Stats(ctx context.Context, queue string) (*queue.QueueStats, error)
	ListQueues(ctx context.Context) ([]string, error)
}

// QueueMetrics is one collection pass over a single queue.
type QueueMetrics struct {
	Queue         string  `json:"queue"`
	Pending       int     `json:"pending"`
	Inflight      int     `json:"inflight"`
	DLQ           int     `json:"dlq"`
	Rate1m        float64 `json:"rate_1m"`
	Rate5m        float64 `json:"rate_5m"`
	Rate15m       float64 `json:"rate_15m"`
	AvgLatencySec float64 `json:"avg_latency_sec"`
	MinLatencySec float64 `json:"min_latency_sec"`
	MaxLatencySec float64 `json:"max_latency_sec"`
	P95LatencySec float64 `json:"p95_latency_sec"`
	ErrorRate     float64 `json:"error_rate"`
	Processed     uint64  `json:"processed"`
	Failed        uint64  `json:"failed"`
	CollectedAtMs int64   `json:"collected_at_ms"`
}

// TrendPoint is one dashboard history sample.
type TrendPoint struct {
	AtMs    int64   `json:"at_ms"`
	Pending int     `json:"pending"`
	DLQ     int     `json:"dlq"`
	Rate1m  float64 `json:"rate_1m"`
	Score   float64 `json:"score"`
	Status  Status  `json:"status"`
}

// queueHistory is the bounded in-memory state kept per queue.
type queueHistory struct {
	mu      sync.Mutex
	samples []float64 // latency seconds, oldest first
	stamps  []int64   // processing completion times, ms
	trend   []TrendPoint
}

// Options configures a Monitor.
type Options struct {
	Thresholds Thresholds
	SampleCap  int
	TrendCap   int
	Sink       Sink
	Logger     logpkg.Logger
}

// Monitor assesses queue health from broker statistics and caller-reported
// processing timings.
type Monitor struct {
	source    StatsSource
	sink      Sink
	logger    logpkg.Logger
	sampleCap int
	trendCap  int

	mu         sync.Mutex
	histories  map[string]*queueHistory
	thresholds map[string]Thresholds
	defaults   Thresholds
}

// New creates a Monitor over a stats source.
func New(source StatsSource, opts Options) *Monitor {
	defaults := opts.Thresholds
	if defaults.PendingCritical == 0 {
		defaults = DefaultThresholds()
	}
	sampleCap := opts.SampleCap
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	trendCap := opts.TrendCap
	if trendCap <= 0 {
		trendCap = defaultTrendCap
	}
	sink := opts.Sink
	if sink == nil {
		sink = NewMemorySink()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	return &Monitor{
		source:     source,
		sink:       sink,
		logger:     logger,
		sampleCap:  sampleCap,
		trendCap:   trendCap,
		histories:  make(map[string]*queueHistory),
		thresholds: make(map[string]Thresholds),
		defaults:   defaults,
	}
}

// Sink returns the monitor's gauge sink.
func (m *Monitor) Sink() Sink { return m.sink }

// SetThresholds overrides the assessment thresholds for one queue.
func (m *Monitor) SetThresholds(queue string, t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[queue] = t
}

func (m *Monitor) thresholdsFor(queue string) Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.thresholds[queue]; ok {
		return t
	}
	return m.defaults
}

func (m *Monitor) history(queue string) *queueHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[queue]
	if !ok {
		h = &queueHistory{}
		m.histories[queue] = h
	}
	return h
}

func (m *Monitor) nowOr(nowMs int64) int64 {
	if nowMs > 0 {
		return nowMs
	}
	return time.Now().UnixMilli()
}

// RecordProcessingTime appends one completed unit's duration to the queue's
// bounded sample buffer and rate log. Callers invoke it after each processed
// message.
func (m *Monitor) RecordProcessingTime(queue string, seconds float64, nowMs int64) {
	nowMs = m.nowOr(nowMs)
	h := m.history(queue)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, seconds)
	if len(h.samples) > m.sampleCap {
		h.samples = h.samples[len(h.samples)-m.sampleCap:]
	}
	h.stamps = append(h.stamps, nowMs)
	// keep only what the widest rate window can use
	cutoff := nowMs - 15*60*1000
	trimmed := 0
	for trimmed < len(h.stamps) && h.stamps[trimmed] < cutoff {
		trimmed++
	}
	if trimmed > 0 {
		h.stamps = h.stamps[trimmed:]
	}
}

// CollectQueueMetrics gathers one metrics snapshot for a queue.
func (m *Monitor) CollectQueueMetrics(ctx context.Context, queueName string, nowMs int64) (*QueueMetrics, error) {
	nowMs = m.nowOr(nowMs)
	st, err := m.source.Stats(ctx, queueName)
	if err != nil {
		return nil, err
	}

	qm := &QueueMetrics{
		Queue:         queueName,
		Pending:       st.Pending,
		Inflight:      st.Inflight,
		DLQ:           st.DLQ,
		Processed:     st.Acked,
		Failed:        st.Nacked,
		CollectedAtMs: nowMs,
	}
	if total := st.Acked + st.Nacked; total > 0 {
		qm.ErrorRate = float64(st.Nacked) / float64(total) * 100
	}

	h := m.history(queueName)
	h.mu.Lock()
	qm.Rate1m = rateInWindow(h.stamps, nowMs, 1)
	qm.Rate5m = rateInWindow(h.stamps, nowMs, 5)
	qm.Rate15m = rateInWindow(h.stamps, nowMs, 15)
	if len(h.samples) > 0 {
		qm.MinLatencySec = h.samples[0]
		qm.MaxLatencySec = h.samples[0]
		var sum float64
		for _, s := range h.samples {
			sum += s
			if s < qm.MinLatencySec {
				qm.MinLatencySec = s
			}
			if s > qm.MaxLatencySec {
				qm.MaxLatencySec = s
			}
		}
		qm.AvgLatencySec = sum / float64(len(h.samples))
		qm.P95LatencySec = percentile95(h.samples)
	}
	h.mu.Unlock()
	return qm, nil
}

// rateInWindow counts processing stamps within the trailing window and
// normalizes to a per-minute rate.
func rateInWindow(stamps []int64, nowMs int64, windowMin int) float64 {
	cutoff := nowMs - int64(windowMin)*60*1000
	n := 0
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i] < cutoff {
			break
		}
		n++
	}
	return float64(n) / float64(windowMin)
}

func percentile95(samples []float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Trends returns the queue's bounded history for the trailing window.
func (m *Monitor) Trends(queueName string, hours int, nowMs int64) []TrendPoint {
	nowMs = m.nowOr(nowMs)
	if hours <= 0 {
		hours = 24
	}
	cutoff := nowMs - int64(hours)*3600*1000
	h := m.history(queueName)
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []TrendPoint
	for _, p := range h.trend {
		if p.AtMs >= cutoff {
			out = append(out, p)
		}
	}
	return out
}

func (m *Monitor) appendTrend(queueName string, p TrendPoint) {
	h := m.history(queueName)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trend = append(h.trend, p)
	if len(h.trend) > m.trendCap {
		h.trend = h.trend[len(h.trend)-m.trendCap:]
	}
}
