package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// RetryPolicy controls how failed deliveries are rescheduled.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
}

// DefaultRetryPolicy returns the stock exponential policy: 3 attempts,
// 60s initial delay doubling up to an hour, jitter on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      60 * time.Second,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}
}

// Backoff computes the delay before the given attempt (1-based). The
// exponential value is capped at MaxDelay first, then jittered by the
// supplied factor, so a jittered delay may exceed MaxDelay by up to half.
// The result is truncated to whole seconds, never below one second.
func (p RetryPolicy) Backoff(attempt int, jitterFn func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if p.JitterEnabled && jitterFn != nil {
		base *= jitterFn()
	}
	d := time.Duration(base).Truncate(time.Second)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// ScheduleRetry places a message on the queue's retry schedule with an
// explicit delay, bypassing the backoff computation. A delay of zero means
// due immediately on the next promotion pass.
func (b *Broker) ScheduleRetry(ctx context.Context, queue string, m *Message, delay time.Duration, nowMs int64) error {
	if err := validateName(queue); err != nil {
		return err
	}
	msgID, err := m.MsgID()
	if err != nil {
		return err
	}
	nowMs = b.nowOr(nowMs)
	encoded, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(msgKey(b.env, queue, msgID), encoded, nil)
	_ = batch.Set(retryKey(b.env, queue, nowMs+delay.Milliseconds(), msgID), nil, nil)
	b.touchActivity(batch, queue, nowMs)
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return fmt.Errorf("schedule retry %s: %w", queue, err)
	}
	return nil
}

// ProcessScheduledRetries promotes due retry entries back onto the pending
// list. Entries whose retry count has passed the message's own limit go to
// the DLQ instead. Returns the number of messages promoted.
func (b *Broker) ProcessScheduledRetries(ctx context.Context, queue string, nowMs int64, limit int) (int, error) {
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

	prefix := retryPrefix(b.env, queue)
	iter, err := b.db.PrefixIter(prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	promoted := 0
	for ok := iter.First(); ok && promoted < limit; ok = iter.Next() {
		dueMs, okDue := dueFromKey(iter.Key(), len(prefix))
		if !okDue || dueMs > nowMs {
			break
		}
		msgID, okID := idFromKeyTail(iter.Key())
		if !okID {
			_ = b.db.Delete(append([]byte(nil), iter.Key()...))
			continue
		}

		batch := b.db.NewBatch()
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		g := b.readGauges(queue)

		raw, errGet := b.db.Get(msgKey(b.env, queue, msgID))
		if errGet != nil {
			// Schedule entry without a body; nothing to promote.
			if err := b.db.CommitBatch(ctx, batch); err != nil {
				batch.Close()
				return promoted, err
			}
			batch.Close()
			continue
		}
		m, errDec := DecodeMessage(raw)
		switch {
		case errDec != nil:
			entry := newDLQEntry(nil, raw, "malformed_message", "", nowMs, b.dlqTTL)
			entry.ID = msgID.String()
			encoded, _ := encodeDLQEntry(entry)
			_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
			_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
			g.dlq++
			b.bumpCounter(batch, queue, opMalformed, 1)
			b.bumpCounter(batch, queue, opDeadLettered, 1)
		case m.RetryCount > m.MaxRetries:
			entry := newDLQEntry(m, nil, "max_retries_exceeded", "", nowMs, b.dlqTTL)
			encoded, _ := encodeDLQEntry(entry)
			_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
			_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
			g.dlq++
			b.bumpCounter(batch, queue, opDeadLettered, 1)
		default:
			_ = batch.Set(pendingKey(b.env, queue, msgID), nil, nil)
			g.pending++
			promoted++
		}
		b.setGauges(batch, queue, g)
		b.touchActivity(batch, queue, nowMs)
		if err := b.db.CommitBatch(ctx, batch); err != nil {
			batch.Close()
			return promoted, fmt.Errorf("promote retries %s: %w", queue, err)
		}
		batch.Close()
	}
	if promoted > 0 {
		b.logger.Debug("promoted scheduled retries",
			logpkg.Str("queue", queue), logpkg.Int("count", promoted))
	}
	return promoted, nil
}
