package monitor

import (
	"context"
	"fmt"
	"sync"

	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// Status is a queue's overall health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Thresholds are the per-queue breach limits applied during assessment.
type Thresholds struct {
	PendingWarning     int
	PendingCritical    int
	ErrorRateWarning   float64 // percent
	ErrorRateCritical  float64
	LatencyWarningSec  float64
	LatencyCriticalSec float64
	DLQWarning         int
	DLQCritical        int
	// MinRatePerMin flags a stalled queue: a backlog with a 5m rate below
	// this is a warning breach. Zero disables the check.
	MinRatePerMin float64
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PendingWarning:     100,
		PendingCritical:    1000,
		ErrorRateWarning:   5,
		ErrorRateCritical:  20,
		LatencyWarningSec:  30,
		LatencyCriticalSec: 120,
		DLQWarning:         10,
		DLQCritical:        100,
		MinRatePerMin:      0,
	}
}

const (
	warningPenalty  = 0.75
	criticalPenalty = 0.4
)

// QueueHealth is the result of one assessment.
type QueueHealth struct {
	Queue   string        `json:"queue"`
	Status  Status        `json:"status"`
	Score   float64       `json:"score"`
	Issues  []string      `json:"issues,omitempty"`
	Metrics *QueueMetrics `json:"metrics,omitempty"`
}

// AssessQueueHealth scores one queue against its thresholds. The score
// starts at 1.0 and is multiplied down per breached dimension; a single
// critical breach forces the overall status to critical no matter how the
// other dimensions look. Collection failure degrades to unknown/0.0 rather
// than returning an error.
func (m *Monitor) AssessQueueHealth(ctx context.Context, queueName string, nowMs int64) *QueueHealth {
	qm, err := m.CollectQueueMetrics(ctx, queueName, nowMs)
	if err != nil {
		m.logger.Warn("metrics collection failed",
			logpkg.Str("queue", queueName), logpkg.Err(err))
		return &QueueHealth{Queue: queueName, Status: StatusUnknown, Score: 0}
	}
	return m.assess(queueName, qm)
}

func (m *Monitor) assess(queueName string, qm *QueueMetrics) *QueueHealth {
	t := m.thresholdsFor(queueName)
	h := &QueueHealth{Queue: queueName, Status: StatusHealthy, Score: 1.0, Metrics: qm}

	check := func(critical, warning bool, format string, args ...interface{}) {
		switch {
		case critical:
			h.Score *= criticalPenalty
			h.Status = StatusCritical
			h.Issues = append(h.Issues, fmt.Sprintf(format+" (critical)", args...))
		case warning:
			h.Score *= warningPenalty
			if h.Status != StatusCritical {
				h.Status = StatusWarning
			}
			h.Issues = append(h.Issues, fmt.Sprintf(format+" (warning)", args...))
		}
	}

	check(t.PendingCritical > 0 && qm.Pending >= t.PendingCritical,
		t.PendingWarning > 0 && qm.Pending >= t.PendingWarning,
		"pending depth %d", qm.Pending)
	check(t.ErrorRateCritical > 0 && qm.ErrorRate >= t.ErrorRateCritical,
		t.ErrorRateWarning > 0 && qm.ErrorRate >= t.ErrorRateWarning,
		"error rate %.1f%%", qm.ErrorRate)
	check(t.LatencyCriticalSec > 0 && qm.P95LatencySec >= t.LatencyCriticalSec,
		t.LatencyWarningSec > 0 && qm.P95LatencySec >= t.LatencyWarningSec,
		"p95 latency %.1fs", qm.P95LatencySec)
	check(t.DLQCritical > 0 && qm.DLQ >= t.DLQCritical,
		t.DLQWarning > 0 && qm.DLQ >= t.DLQWarning,
		"dlq depth %d", qm.DLQ)
	check(false,
		t.MinRatePerMin > 0 && qm.Pending > 0 && qm.Rate5m < t.MinRatePerMin,
		"rate %.2f/min below floor", qm.Rate5m)

	return h
}

// DashboardData assesses the given queues concurrently. A queue whose
// assessment panics or whose metrics fail is reported as unknown; the rest
// of the batch is unaffected. Results come back in input order.
func (m *Monitor) DashboardData(ctx context.Context, queues []string, nowMs int64) []*QueueHealth {
	out := make([]*QueueHealth, len(queues))
	var wg sync.WaitGroup
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("assessment panic",
						logpkg.Str("queue", q), logpkg.F("panic", r))
					out[i] = &QueueHealth{Queue: q, Status: StatusUnknown, Score: 0}
				}
			}()
			out[i] = m.AssessQueueHealth(ctx, q, nowMs)
		}(i, q)
	}
	wg.Wait()
	return out
}
