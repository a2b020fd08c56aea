package monitor

import "sync"

// Sink receives named gauges tagged by queue. Implementations must be safe
// for concurrent use.
type Sink interface {
	Gauge(queue, name string, value float64)
}

// MemorySink retains the latest value per queue and gauge name.
type MemorySink struct {
	mu     sync.RWMutex
	gauges map[string]map[string]float64
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{gauges: make(map[string]map[string]float64)}
}

// Gauge records the latest value for a queue-tagged gauge.
func (s *MemorySink) Gauge(queue, name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.gauges[queue]
	if !ok {
		byName = make(map[string]float64)
		s.gauges[queue] = byName
	}
	byName[name] = value
}

// Get returns the latest value for a gauge, false when never recorded.
func (s *MemorySink) Get(queue, name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.gauges[queue][name]
	return v, ok
}

// Queues returns the queues that have at least one recorded gauge.
func (s *MemorySink) Queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.gauges))
	for q := range s.gauges {
		out = append(out, q)
	}
	return out
}
