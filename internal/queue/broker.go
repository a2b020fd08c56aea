package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	pebblestore "github.com/mirqtio/agentq/internal/storage/pebble"
	"github.com/mirqtio/agentq/pkg/id"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

const (
	defaultTimeoutSeconds = 300
	defaultPollInterval   = 50 * time.Millisecond
	defaultDLQTTL         = 7 * 24 * time.Hour
)

// Options configures a Broker.
type Options struct {
	Policy       RetryPolicy
	DLQTTL       time.Duration
	PollInterval time.Duration
	Logger       logpkg.Logger
}

// Broker is the store-backed transport. One instance owns all queue state in
// an environment; workers coordinate only through it. Mutations to a given
// queue are serialized by a per-queue mutex and committed in single batches,
// which is what guarantees that two concurrent dequeuers never receive the
// same message.
type Broker struct {
	db     *pebblestore.DB
	env    string
	logger logpkg.Logger
	gen    *id.Generator
	policy RetryPolicy
	dlqTTL time.Duration
	poll   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Broker over the given store and environment prefix.
func New(db *pebblestore.DB, env string, opts Options) *Broker {
	policy := opts.Policy
	if policy.BackoffMultiplier == 0 {
		policy = DefaultRetryPolicy()
	}
	dlqTTL := opts.DLQTTL
	if dlqTTL <= 0 {
		dlqTTL = defaultDLQTTL
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).WithComponent("queue")
	}
	return &Broker{
		db:     db,
		env:    env,
		logger: logger,
		gen:    id.NewGenerator(),
		policy: policy,
		dlqTTL: dlqTTL,
		poll:   poll,
		locks:  make(map[string]*sync.Mutex),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the broker's retry policy.
func (b *Broker) Policy() RetryPolicy { return b.policy }

// Environment returns the broker's keyspace prefix.
func (b *Broker) Environment() string { return b.env }

func (b *Broker) queueLock(queue string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[queue]
	if !ok {
		l = &sync.Mutex{}
		b.locks[queue] = l
	}
	return l
}

func (b *Broker) nowOr(nowMs int64) int64 {
	if nowMs > 0 {
		return nowMs
	}
	return time.Now().UnixMilli()
}

// EnqueueOptions carries the optional message attributes.
type EnqueueOptions struct {
	Priority       int
	MaxRetries     int // <0 uses the broker's policy default
	TimeoutSeconds int // <=0 uses the 300s default
	CreatedBy      string
	Tags           []string
	DelayMs        int64 // optional delayed delivery
	NowMs          int64 // <=0 uses wall clock
}

// DefaultEnqueueOptions returns options matching the broker defaults.
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{MaxRetries: -1}
}

// Enqueue appends a message to a queue. It always succeeds unless the store
// itself fails, in which case the transport error propagates to the caller.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload map[string]interface{}, opts EnqueueOptions) (id.ID, error) {
	if err := validateName(queue); err != nil {
		return id.ID{}, err
	}
	nowMs := b.nowOr(opts.NowMs)
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = b.policy.MaxRetries
	}
	timeoutSec := opts.TimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = defaultTimeoutSeconds
	}

	msgID := b.gen.Next()
	m := &Message{
		ID:             msgID.String(),
		TimestampMs:    nowMs,
		QueueName:      queue,
		Payload:        payload,
		Priority:       opts.Priority,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSec,
		CreatedBy:      opts.CreatedBy,
		Tags:           opts.Tags,
	}
	encoded, err := EncodeMessage(m)
	if err != nil {
		return id.ID{}, err
	}

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(msgKey(b.env, queue, msgID), encoded, nil); err != nil {
		return id.ID{}, err
	}
	g := b.readGauges(queue)
	if opts.DelayMs > 0 {
		// Delayed delivery rides the retry schedule; promotion re-injects it.
		if err := batch.Set(retryKey(b.env, queue, nowMs+opts.DelayMs, msgID), nil, nil); err != nil {
			return id.ID{}, err
		}
	} else {
		if err := batch.Set(pendingKey(b.env, queue, msgID), nil, nil); err != nil {
			return id.ID{}, err
		}
		g.pending++
	}
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opEnqueued, 1)
	b.touchActivity(batch, queue, nowMs)

	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return id.ID{}, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return msgID, nil
}

// Dequeue blocks up to blockMs for a message from the first supplied queue
// with data, FIFO within it. The winning message moves atomically into the
// caller's inflight list with a deadline equal to the message's own timeout.
// Context cancellation between polls is a pure no-op on store state. A nil
// message with nil error means the wait timed out (or a poison entry was
// diverted; callers should simply retry).
func (b *Broker) Dequeue(ctx context.Context, queues []string, worker string, blockMs int64, nowMs int64) (string, *Message, error) {
	if err := validateName(worker); err != nil {
		return "", nil, err
	}
	for _, q := range queues {
		if err := validateName(q); err != nil {
			return "", nil, err
		}
	}

	queue, msg, err := b.tryDequeue(ctx, queues, worker, b.nowOr(nowMs))
	if err != nil || msg != nil || blockMs <= 0 {
		return queue, msg, err
	}

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", nil, nil
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return "", nil, nil
		}
		queue, msg, err = b.tryDequeue(ctx, queues, worker, time.Now().UnixMilli())
		if err != nil || msg != nil {
			return queue, msg, err
		}
	}
}

// tryDequeue makes one non-blocking pass over the candidate queues.
func (b *Broker) tryDequeue(ctx context.Context, queues []string, worker string, nowMs int64) (string, *Message, error) {
	for _, queue := range queues {
		msg, err := b.dequeueOne(ctx, queue, worker, nowMs)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				// Poison entry was diverted to the DLQ; report "none" so the
				// caller retries and the queue keeps moving.
				return "", nil, nil
			}
			return "", nil, err
		}
		if msg != nil {
			return queue, msg, nil
		}
	}
	return "", nil, nil
}

func (b *Broker) dequeueOne(ctx context.Context, queue, worker string, nowMs int64) (*Message, error) {
	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	prefix := pendingPrefix(b.env, queue)
	iter, err := b.db.PrefixIter(prefix)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		msgID, ok2 := idFromKeyTail(iter.Key())
		if !ok2 {
			continue
		}
		raw, errGet := b.db.Get(msgKey(b.env, queue, msgID))
		if errGet != nil {
			// Orphaned index entry; drop it and keep scanning.
			_ = b.db.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		m, errDec := DecodeMessage(raw)
		if errDec != nil {
			b.divertMalformed(ctx, queue, msgID, raw, worker, nowMs)
			return nil, errDec
		}

		deadlineMs := nowMs + int64(m.TimeoutSeconds)*1000
		batch := b.db.NewBatch()
		defer batch.Close()
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return nil, err
		}
		if err := batch.Set(inflightKey(b.env, queue, worker, msgID), encodeDeadline(deadlineMs), nil); err != nil {
			return nil, err
		}
		if err := batch.Set(inflightIdxKey(b.env, queue, deadlineMs, msgID), []byte(worker), nil); err != nil {
			return nil, err
		}
		g := b.readGauges(queue)
		if g.pending > 0 {
			g.pending--
		}
		g.inflight++
		b.setGauges(batch, queue, g)
		b.bumpCounter(batch, queue, opDequeued, 1)
		b.touchActivity(batch, queue, nowMs)
		if err := b.db.CommitBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("dequeue %s: %w", queue, err)
		}
		return m, nil
	}
	return nil, nil
}

// Acknowledge removes one matching entry from the caller's inflight list.
// Returns false (non-fatal) when no entry matches, e.g. the message already
// timed out and was recovered elsewhere.
func (b *Broker) Acknowledge(ctx context.Context, queue, worker string, m *Message) bool {
	msgID, err := m.MsgID()
	if err != nil {
		return false
	}
	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	inflKey := inflightKey(b.env, queue, worker, msgID)
	val, err := b.db.Get(inflKey)
	if err != nil {
		return false
	}
	deadlineMs := decodeDeadline(val)

	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Delete(inflKey, nil)
	_ = batch.Delete(inflightIdxKey(b.env, queue, deadlineMs, msgID), nil)
	_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
	g := b.readGauges(queue)
	if g.inflight > 0 {
		g.inflight--
	}
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opAcked, 1)
	b.touchActivity(batch, queue, time.Now().UnixMilli())
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		b.logger.Error("acknowledge commit failed", logpkg.Str("queue", queue), logpkg.Err(err))
		return false
	}
	return true
}

// Nack removes the message from the caller's inflight list and increments its
// retry count. While retries remain the message is scheduled for a backoff
// retry; otherwise it is dead-lettered. Returns false when the message is not
// in the caller's inflight list.
func (b *Broker) Nack(ctx context.Context, queue, worker string, m *Message, reason string, nowMs int64) bool {
	msgID, err := m.MsgID()
	if err != nil {
		return false
	}
	nowMs = b.nowOr(nowMs)

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	inflKey := inflightKey(b.env, queue, worker, msgID)
	val, err := b.db.Get(inflKey)
	if err != nil {
		return false
	}
	deadlineMs := decodeDeadline(val)

	m.RetryCount++
	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Delete(inflKey, nil)
	_ = batch.Delete(inflightIdxKey(b.env, queue, deadlineMs, msgID), nil)
	g := b.readGauges(queue)
	if g.inflight > 0 {
		g.inflight--
	}

	if m.RetryCount <= m.MaxRetries {
		encoded, errEnc := EncodeMessage(m)
		if errEnc != nil {
			return false
		}
		delay := b.policy.Backoff(m.RetryCount, b.jitter)
		_ = batch.Set(msgKey(b.env, queue, msgID), encoded, nil)
		_ = batch.Set(retryKey(b.env, queue, nowMs+delay.Milliseconds(), msgID), nil, nil)
		b.bumpCounter(batch, queue, opRetried, 1)
	} else {
		entry := newDLQEntry(m, nil, "max_retries_exceeded", worker, nowMs, b.dlqTTL)
		encoded, errEnc := encodeDLQEntry(entry)
		if errEnc != nil {
			return false
		}
		_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
		_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
		g.dlq++
		b.bumpCounter(batch, queue, opDeadLettered, 1)
	}
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opNacked, 1)
	b.touchActivity(batch, queue, nowMs)

	if err := b.db.CommitBatch(ctx, batch); err != nil {
		b.logger.Error("nack commit failed",
			logpkg.Str("queue", queue),
			logpkg.Str("reason", reason),
			logpkg.Err(err))
		return false
	}
	return true
}

// jitter returns a uniform factor in [0.5, 1.5).
func (b *Broker) jitter() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return 0.5 + b.rng.Float64()
}

// Stats returns the queue's inspection snapshot.
func (b *Broker) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	if err := validateName(queue); err != nil {
		return nil, err
	}
	g := b.readGauges(queue)
	var lastActivity int64
	if v := b.readCounter(queue, opLastActivity); v > 0 {
		lastActivity = int64(v)
	}
	return &QueueStats{
		Queue:          queue,
		Pending:        int(g.pending),
		Inflight:       int(g.inflight),
		DLQ:            int(g.dlq),
		Enqueued:       b.readCounter(queue, opEnqueued),
		Dequeued:       b.readCounter(queue, opDequeued),
		Acked:          b.readCounter(queue, opAcked),
		Nacked:         b.readCounter(queue, opNacked),
		Retried:        b.readCounter(queue, opRetried),
		DeadLettered:   b.readCounter(queue, opDeadLettered),
		Replayed:       b.readCounter(queue, opReplayed),
		Malformed:      b.readCounter(queue, opMalformed),
		Recovered:      b.readCounter(queue, opRecovered),
		LastActivityMs: lastActivity,
	}, nil
}

// Purge destructively removes every key belonging to a queue, including its
// DLQ, retry schedule, and counters.
func (b *Broker) Purge(ctx context.Context, queue string) error {
	if err := validateName(queue); err != nil {
		return err
	}
	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()
	prefix := []byte(queuePrefix(b.env, queue))
	return b.db.DeleteRange(prefix, keyUpperBound(prefix))
}

// HealthCheck probes the store.
func (b *Broker) HealthCheck(ctx context.Context) error {
	if b.db == nil {
		return errors.New("queue: store not open")
	}
	it, err := b.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// ListQueues returns the names of all queues with any recorded state.
func (b *Broker) ListQueues(ctx context.Context) ([]string, error) {
	prefix := envQueuesPrefix(b.env)
	iter, err := b.db.PrefixIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	set := make(map[string]struct{})
	for ok := iter.First(); ok; ok = iter.Next() {
		rest := iter.Key()[len(prefix):]
		if i := bytes.IndexByte(rest, '/'); i > 0 {
			set[string(rest[:i])] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func encodeDeadline(deadlineMs int64) []byte {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(deadlineMs)
		deadlineMs >>= 8
	}
	return buf[:]
}

func decodeDeadline(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	var v int64
	for i := 0; i < 8; i++ {
		v = v<<8 | int64(b[i])
	}
	return v
}
