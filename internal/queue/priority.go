package queue

import (
	"context"
	"fmt"

	"github.com/mirqtio/agentq/pkg/id"
)

// EnqueueWithPriority places a message on the queue's priority index instead
// of the FIFO pending list. Higher priority values are served first; within a
// priority level, order of arrival wins.
func (b *Broker) EnqueueWithPriority(ctx context.Context, queue string, payload map[string]interface{}, priority int, opts EnqueueOptions) (id.ID, error) {
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
		Priority:       priority,
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
	_ = batch.Set(msgKey(b.env, queue, msgID), encoded, nil)
	_ = batch.Set(priorityKey(b.env, queue, priority, msgID), nil, nil)
	b.bumpCounter(batch, queue, opEnqueued, 1)
	b.touchActivity(batch, queue, nowMs)
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return id.ID{}, fmt.Errorf("enqueue priority %s: %w", queue, err)
	}
	return msgID, nil
}

// DequeueByPriority pops up to count messages in priority order and hands
// them to the caller in one step, with no inflight tracking or
// acknowledgement. count <= 0 pops one. Returns fewer (possibly none) when
// the priority index runs out. Malformed entries are diverted to the DLQ and
// the scan continues.
func (b *Broker) DequeueByPriority(ctx context.Context, queue string, count int, nowMs int64) ([]*Message, error) {
	if err := validateName(queue); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	nowMs = b.nowOr(nowMs)

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	var out []*Message
	for len(out) < count {
		m, err := b.popHighestPriority(ctx, queue, nowMs)
		if err != nil {
			return out, err
		}
		if m == nil {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// popHighestPriority removes and returns the first index entry. Caller holds
// the queue lock.
func (b *Broker) popHighestPriority(ctx context.Context, queue string, nowMs int64) (*Message, error) {
	iter, err := b.db.PrefixIter(priorityPrefix(b.env, queue))
	if err != nil {
		return nil, fmt.Errorf("dequeue priority %s: %w", queue, err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		msgID, ok2 := idFromKeyTail(iter.Key())
		if !ok2 {
			continue
		}
		raw, errGet := b.db.Get(msgKey(b.env, queue, msgID))
		if errGet != nil {
			_ = b.db.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		m, errDec := DecodeMessage(raw)
		if errDec != nil {
			entry := newDLQEntry(nil, raw, "malformed_message", "", nowMs, b.dlqTTL)
			entry.ID = msgID.String()
			encoded, _ := encodeDLQEntry(entry)
			batch := b.db.NewBatch()
			_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
			_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
			_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
			g := b.readGauges(queue)
			g.dlq++
			b.setGauges(batch, queue, g)
			b.bumpCounter(batch, queue, opMalformed, 1)
			b.bumpCounter(batch, queue, opDeadLettered, 1)
			if errCommit := b.db.CommitBatch(ctx, batch); errCommit != nil {
				batch.Close()
				return nil, errCommit
			}
			batch.Close()
			continue
		}

		batch := b.db.NewBatch()
		defer batch.Close()
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
		b.bumpCounter(batch, queue, opDequeued, 1)
		b.touchActivity(batch, queue, nowMs)
		if err := b.db.CommitBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("dequeue priority %s: %w", queue, err)
		}
		return m, nil
	}
	return nil, nil
}

// PriorityStatsResult is the waiting-message histogram of a priority queue.
type PriorityStatsResult struct {
	Total      int         `json:"total"`
	ByPriority map[int]int `json:"by_priority"`
}

// PriorityStats counts waiting messages, in total and per priority level.
func (b *Broker) PriorityStats(ctx context.Context, queue string) (*PriorityStatsResult, error) {
	if err := validateName(queue); err != nil {
		return nil, err
	}
	prefix := priorityPrefix(b.env, queue)
	iter, err := b.db.PrefixIter(prefix)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := &PriorityStatsResult{ByPriority: make(map[int]int)}
	for ok := iter.First(); ok; ok = iter.Next() {
		out.ByPriority[priorityFromKey(iter.Key(), len(prefix))]++
		out.Total++
	}
	return out, nil
}
