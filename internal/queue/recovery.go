package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// RecoverExpired returns timed-out inflight messages to circulation. Each
// expired delivery counts as a failed attempt: while retries remain the
// message goes straight back to pending, otherwise it is dead-lettered with
// a timeout reason. Returns the number of messages acted on.
func (b *Broker) RecoverExpired(ctx context.Context, queue string, nowMs int64, limit int) (int, error) {
	if err := validateName(queue); err != nil {
		return 0, err
	}
	nowMs = b.nowOr(nowMs)
	if limit <= 0 {
		limit = 100
	}

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	prefix := inflightIdxPrefix(b.env, queue)
	iter, err := b.db.PrefixIter(prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	recovered := 0
	for ok := iter.First(); ok && recovered < limit; ok = iter.Next() {
		deadlineMs, okDue := dueFromKey(iter.Key(), len(prefix))
		if !okDue || deadlineMs > nowMs {
			break
		}
		msgID, okID := idFromKeyTail(iter.Key())
		if !okID {
			_ = b.db.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		worker := string(iter.Value())

		batch := b.db.NewBatch()
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		_ = batch.Delete(inflightKey(b.env, queue, worker, msgID), nil)
		g := b.readGauges(queue)
		if g.inflight > 0 {
			g.inflight--
		}

		raw, errGet := b.db.Get(msgKey(b.env, queue, msgID))
		if errGet != nil {
			if err := b.db.CommitBatch(ctx, batch); err != nil {
				batch.Close()
				return recovered, err
			}
			batch.Close()
			continue
		}
		m, errDec := DecodeMessage(raw)
		if errDec != nil {
			entry := newDLQEntry(nil, raw, "malformed_message", worker, nowMs, b.dlqTTL)
			entry.ID = msgID.String()
			encoded, _ := encodeDLQEntry(entry)
			_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
			_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
			g.dlq++
			b.bumpCounter(batch, queue, opMalformed, 1)
			b.bumpCounter(batch, queue, opDeadLettered, 1)
		} else {
			m.RetryCount++
			if m.RetryCount <= m.MaxRetries {
				encoded, _ := EncodeMessage(m)
				_ = batch.Set(msgKey(b.env, queue, msgID), encoded, nil)
				_ = batch.Set(pendingKey(b.env, queue, msgID), nil, nil)
				g.pending++
				b.bumpCounter(batch, queue, opRecovered, 1)
			} else {
				entry := newDLQEntry(m, nil, "processing_timeout", worker, nowMs, b.dlqTTL)
				encoded, _ := encodeDLQEntry(entry)
				_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
				_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
				g.dlq++
				b.bumpCounter(batch, queue, opDeadLettered, 1)
			}
		}
		b.setGauges(batch, queue, g)
		b.touchActivity(batch, queue, nowMs)
		if err := b.db.CommitBatch(ctx, batch); err != nil {
			batch.Close()
			return recovered, fmt.Errorf("recover expired %s: %w", queue, err)
		}
		batch.Close()
		recovered++
	}
	if recovered > 0 {
		b.logger.Info("recovered expired inflight messages",
			logpkg.Str("queue", queue), logpkg.Int("count", recovered))
	}
	return recovered, nil
}

// DrainWorker returns every inflight message held by a departed worker back
// to pending without charging a retry. Returns the number of messages moved.
func (b *Broker) DrainWorker(ctx context.Context, queue, worker string, nowMs int64) (int, error) {
	if err := validateName(queue); err != nil {
		return 0, err
	}
	if err := validateName(worker); err != nil {
		return 0, err
	}
	nowMs = b.nowOr(nowMs)

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	iter, err := b.db.PrefixIter(inflightPrefix(b.env, queue, worker))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	moved := 0
	batch := b.db.NewBatch()
	defer batch.Close()
	g := b.readGauges(queue)
	for ok := iter.First(); ok; ok = iter.Next() {
		msgID, okID := idFromKeyTail(iter.Key())
		if !okID {
			continue
		}
		deadlineMs := decodeDeadline(iter.Value())
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		_ = batch.Delete(inflightIdxKey(b.env, queue, deadlineMs, msgID), nil)
		_ = batch.Set(pendingKey(b.env, queue, msgID), nil, nil)
		if g.inflight > 0 {
			g.inflight--
		}
		g.pending++
		moved++
	}
	if moved == 0 {
		return 0, nil
	}
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opRecovered, uint64(moved))
	b.touchActivity(batch, queue, nowMs)
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("drain worker %s/%s: %w", queue, worker, err)
	}
	b.logger.Info("drained worker inflight",
		logpkg.Str("queue", queue), logpkg.Str("worker", worker), logpkg.Int("count", moved))
	return moved, nil
}

// EnableExpiryNotifications reports whether the store can push timeout
// events. This store cannot; recovery relies on the periodic sweep, so this
// always logs the fallback and returns false.
func (b *Broker) EnableExpiryNotifications() bool {
	b.logger.Warn("store does not support expiry notifications, using sweep-based recovery")
	return false
}

// Sweeper periodically recovers expired inflight messages, promotes due
// retries, and prunes expired dead-letter entries across all known queues.
type Sweeper struct {
	broker     *Broker
	interval   time.Duration
	maxPerTick int
	dlqEvery   int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ticks  int
}

// NewSweeper creates a sweeper over the broker. interval <= 0 defaults to a
// second; maxPerTick <= 0 defaults to 100 per queue per concern.
func NewSweeper(b *Broker, interval time.Duration, maxPerTick int) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if maxPerTick <= 0 {
		maxPerTick = 100
	}
	return &Sweeper{broker: b, interval: interval, maxPerTick: maxPerTick, dlqEvery: 60}
}

// Start launches the background sweep loop. Idempotent.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the loop and waits for the inflight tick to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	s.ticks++
	queues, err := s.broker.ListQueues(ctx)
	if err != nil {
		s.broker.logger.Error("sweep: list queues failed", logpkg.Err(err))
		return
	}
	nowMs := time.Now().UnixMilli()
	for _, q := range queues {
		recovered, err := s.broker.RecoverExpired(ctx, q, nowMs, s.maxPerTick)
		if err != nil {
			s.broker.logger.Error("sweep: recover failed", logpkg.Str("queue", q), logpkg.Err(err))
		}
		if recovered >= s.maxPerTick {
			// A saturated pass left a lot of tombstones behind; hint the
			// store to compact the index range.
			prefix := inflightIdxPrefix(s.broker.env, q)
			if err := s.broker.db.CompactRange(prefix, keyUpperBound(prefix)); err != nil {
				s.broker.logger.Warn("sweep: compact hint failed", logpkg.Str("queue", q), logpkg.Err(err))
			}
		}
		if _, err := s.broker.ProcessScheduledRetries(ctx, q, nowMs, s.maxPerTick); err != nil {
			s.broker.logger.Error("sweep: retry promotion failed", logpkg.Str("queue", q), logpkg.Err(err))
		}
		if s.ticks%s.dlqEvery == 0 {
			if _, err := s.broker.CleanupExpiredDLQ(ctx, q, nowMs); err != nil {
				s.broker.logger.Error("sweep: dlq cleanup failed", logpkg.Str("queue", q), logpkg.Err(err))
			}
		}
	}
}
