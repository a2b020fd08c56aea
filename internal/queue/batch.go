package queue

import (
	"context"
	"fmt"
)

// DequeueBatch claims up to max pending messages for a worker in a single
// commit. Malformed entries encountered during the scan are diverted to the
// DLQ and do not count against max. Returns an empty slice when the queue has
// nothing pending.
func (b *Broker) DequeueBatch(ctx context.Context, queue, worker string, max int, nowMs int64) ([]*Message, error) {
	if err := validateName(queue); err != nil {
		return nil, err
	}
	if err := validateName(worker); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	nowMs = b.nowOr(nowMs)

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	iter, err := b.db.PrefixIter(pendingPrefix(b.env, queue))
	if err != nil {
		return nil, fmt.Errorf("dequeue batch %s: %w", queue, err)
	}
	defer iter.Close()

	batch := b.db.NewBatch()
	defer batch.Close()
	g := b.readGauges(queue)

	var out []*Message
	malformed := 0
	for ok := iter.First(); ok && len(out) < max; ok = iter.Next() {
		msgID, ok2 := idFromKeyTail(iter.Key())
		if !ok2 {
			continue
		}
		raw, errGet := b.db.Get(msgKey(b.env, queue, msgID))
		if errGet != nil {
			_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
			if g.pending > 0 {
				g.pending--
			}
			continue
		}
		m, errDec := DecodeMessage(raw)
		if errDec != nil {
			entry := newDLQEntry(nil, raw, "malformed_message", worker, nowMs, b.dlqTTL)
			entry.ID = msgID.String()
			encoded, _ := encodeDLQEntry(entry)
			_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
			_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
			_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
			if g.pending > 0 {
				g.pending--
			}
			g.dlq++
			malformed++
			continue
		}

		deadlineMs := nowMs + int64(m.TimeoutSeconds)*1000
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		_ = batch.Set(inflightKey(b.env, queue, worker, msgID), encodeDeadline(deadlineMs), nil)
		_ = batch.Set(inflightIdxKey(b.env, queue, deadlineMs, msgID), []byte(worker), nil)
		if g.pending > 0 {
			g.pending--
		}
		g.inflight++
		out = append(out, m)
	}
	if batch.Empty() {
		return out, nil
	}
	b.setGauges(batch, queue, g)
	// bumpCounter reads committed state, so each counter gets exactly one
	// accumulated bump per batch.
	if malformed > 0 {
		b.bumpCounter(batch, queue, opMalformed, uint64(malformed))
		b.bumpCounter(batch, queue, opDeadLettered, uint64(malformed))
	}
	if len(out) > 0 {
		b.bumpCounter(batch, queue, opDequeued, uint64(len(out)))
	}
	b.touchActivity(batch, queue, nowMs)
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("dequeue batch %s: %w", queue, err)
	}
	return out, nil
}

// AcknowledgeBatch acknowledges each message and returns how many matched an
// inflight entry. Messages that already timed out are skipped, not errors.
func (b *Broker) AcknowledgeBatch(ctx context.Context, queue, worker string, msgs []*Message) int {
	acked := 0
	for _, m := range msgs {
		if b.Acknowledge(ctx, queue, worker, m) {
			acked++
		}
	}
	return acked
}
