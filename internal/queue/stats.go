package queue

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
)

// Counter operation names persisted under stats/.
const (
	opEnqueued     = "enqueued"
	opDequeued     = "dequeued"
	opAcked        = "acked"
	opNacked       = "nacked"
	opRetried      = "retried"
	opDeadLettered = "dead_lettered"
	opReplayed     = "replayed"
	opMalformed    = "malformed"
	opRecovered    = "recovered"
	opExpired      = "expired"
	opLastActivity = "last_activity"
)

// gauges are the live counts maintained transactionally in the meta key.
type gauges struct {
	pending  uint64
	inflight uint64
	dlq      uint64
}

func decodeGauges(b []byte) gauges {
	var g gauges
	if len(b) >= 24 {
		g.pending = binary.BigEndian.Uint64(b[0:8])
		g.inflight = binary.BigEndian.Uint64(b[8:16])
		g.dlq = binary.BigEndian.Uint64(b[16:24])
	}
	return g
}

func encodeGauges(g gauges) []byte {
	out := make([]byte, 24)
	binary.BigEndian.PutUint64(out[0:8], g.pending)
	binary.BigEndian.PutUint64(out[8:16], g.inflight)
	binary.BigEndian.PutUint64(out[16:24], g.dlq)
	return out
}

// QueueStats is the inspection snapshot returned by Broker.Stats.
type QueueStats struct {
	Queue          string `json:"queue"`
	Pending        int    `json:"pending"`
	Inflight       int    `json:"inflight"`
	DLQ            int    `json:"dlq"`
	Enqueued       uint64 `json:"enqueued"`
	Dequeued       uint64 `json:"dequeued"`
	Acked          uint64 `json:"acked"`
	Nacked         uint64 `json:"nacked"`
	Retried        uint64 `json:"retried"`
	DeadLettered   uint64 `json:"dead_lettered"`
	Replayed       uint64 `json:"replayed"`
	Malformed      uint64 `json:"malformed"`
	Recovered      uint64 `json:"recovered"`
	LastActivityMs int64  `json:"last_activity_ms"`
}

func (b *Broker) readGauges(queue string) gauges {
	raw, err := b.db.Get(metaKey(b.env, queue))
	if err != nil {
		return gauges{}
	}
	return decodeGauges(raw)
}

func (b *Broker) readCounter(queue, op string) uint64 {
	raw, err := b.db.Get(statsKey(b.env, queue, op))
	if err != nil || len(raw) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

// bumpCounter adds delta to a counter inside the supplied batch. It reads
// the committed value, so call it at most once per (queue, op) in a batch
// and accumulate deltas at the call site.
func (b *Broker) bumpCounter(batch *pebble.Batch, queue, op string, delta uint64) {
	cur := b.readCounter(queue, op)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cur+delta)
	_ = batch.Set(statsKey(b.env, queue, op), buf[:], nil)
}

// touchActivity records the last mutation time inside the supplied batch.
func (b *Broker) touchActivity(batch *pebble.Batch, queue string, nowMs int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nowMs))
	_ = batch.Set(statsKey(b.env, queue, opLastActivity), buf[:], nil)
}

// setGauges writes the gauge triple inside the supplied batch.
func (b *Broker) setGauges(batch *pebble.Batch, queue string, g gauges) {
	_ = batch.Set(metaKey(b.env, queue), encodeGauges(g), nil)
}
