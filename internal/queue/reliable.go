package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// DequeueWithBackup behaves like Dequeue but additionally writes a backup
// copy of the message body under the worker's backup list in the same commit.
// The copy survives a worker crash and is replayed by ProcessBackupQueue on
// restart. Pair with AcknowledgeWithBackup.
func (b *Broker) DequeueWithBackup(ctx context.Context, queues []string, worker string, blockMs int64, nowMs int64) (string, *Message, error) {
	if err := validateName(worker); err != nil {
		return "", nil, err
	}
	for _, q := range queues {
		if err := validateName(q); err != nil {
			return "", nil, err
		}
	}

	queue, msg, err := b.tryDequeueBackup(ctx, queues, worker, b.nowOr(nowMs))
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
		queue, msg, err = b.tryDequeueBackup(ctx, queues, worker, time.Now().UnixMilli())
		if err != nil || msg != nil {
			return queue, msg, err
		}
	}
}

func (b *Broker) tryDequeueBackup(ctx context.Context, queues []string, worker string, nowMs int64) (string, *Message, error) {
	for _, queue := range queues {
		msg, err := b.dequeueOneBackup(ctx, queue, worker, nowMs)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
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

func (b *Broker) dequeueOneBackup(ctx context.Context, queue, worker string, nowMs int64) (*Message, error) {
	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	iter, err := b.db.PrefixIter(pendingPrefix(b.env, queue))
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
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		_ = batch.Set(inflightKey(b.env, queue, worker, msgID), encodeDeadline(deadlineMs), nil)
		_ = batch.Set(inflightIdxKey(b.env, queue, deadlineMs, msgID), []byte(worker), nil)
		_ = batch.Set(backupKey(b.env, queue, worker, msgID), raw, nil)
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

// AcknowledgeWithBackup acknowledges a message obtained via DequeueWithBackup
// and removes its backup copy in the same commit.
func (b *Broker) AcknowledgeWithBackup(ctx context.Context, queue, worker string, m *Message) bool {
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
	_ = batch.Delete(backupKey(b.env, queue, worker, msgID), nil)
	_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
	g := b.readGauges(queue)
	if g.inflight > 0 {
		g.inflight--
	}
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opAcked, 1)
	b.touchActivity(batch, queue, time.Now().UnixMilli())
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		b.logger.Error("acknowledge with backup failed", logpkg.Str("queue", queue), logpkg.Err(err))
		return false
	}
	return true
}

// ProcessBackupQueue replays a worker's surviving backup copies through the
// supplied handler, oldest first. A successful handler call removes the copy
// and its inflight bookkeeping; the first handler error stops the pass with
// the remaining copies untouched. Returns the number handled successfully.
func (b *Broker) ProcessBackupQueue(ctx context.Context, queue, worker string, handler func(*Message) error, nowMs int64) (int, error) {
	if err := validateName(queue); err != nil {
		return 0, err
	}
	if err := validateName(worker); err != nil {
		return 0, err
	}
	nowMs = b.nowOr(nowMs)

	iter, err := b.db.PrefixIter(backupPrefix(b.env, queue, worker))
	if err != nil {
		return 0, err
	}

	type backupItem struct {
		key []byte
		raw []byte
	}
	var items []backupItem
	for ok := iter.First(); ok; ok = iter.Next() {
		items = append(items, backupItem{
			key: append([]byte(nil), iter.Key()...),
			raw: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	processed := 0
	for _, it := range items {
		m, errDec := DecodeMessage(it.raw)
		if errDec != nil {
			msgID, _ := idFromKeyTail(it.key)
			lock := b.queueLock(queue)
			lock.Lock()
			b.divertMalformed(ctx, queue, msgID, it.raw, worker, nowMs)
			_ = b.db.Delete(it.key)
			lock.Unlock()
			continue
		}
		if err := handler(m); err != nil {
			b.logger.Warn("backup replay handler failed, stopping",
				logpkg.Str("queue", queue),
				logpkg.Str("worker", worker),
				logpkg.Str("id", m.ID),
				logpkg.Err(err))
			return processed, nil
		}
		if !b.AcknowledgeWithBackup(ctx, queue, worker, m) {
			// No inflight entry survived, just drop the copy.
			lock := b.queueLock(queue)
			lock.Lock()
			_ = b.db.Delete(it.key)
			if msgID, errID := m.MsgID(); errID == nil {
				_ = b.db.Delete(msgKey(b.env, queue, msgID))
			}
			lock.Unlock()
		}
		processed++
	}
	return processed, nil
}

// CleanupWorkerBackups clears a worker's backup list at graceful shutdown.
// Entries still unacknowledged go back to pending in their origin queue
// without a retry charge; entries already acknowledged just lose their
// leftover copy. The whole move is one commit. Returns the number of backup
// entries removed.
func (b *Broker) CleanupWorkerBackups(ctx context.Context, queue, worker string, nowMs int64) (int, error) {
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

	iter, err := b.db.PrefixIter(backupPrefix(b.env, queue, worker))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	removed := 0
	returned := 0
	batch := b.db.NewBatch()
	defer batch.Close()
	g := b.readGauges(queue)
	for ok := iter.First(); ok; ok = iter.Next() {
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		removed++
		msgID, okID := idFromKeyTail(iter.Key())
		if !okID {
			continue
		}
		inflKey := inflightKey(b.env, queue, worker, msgID)
		val, errGet := b.db.Get(inflKey)
		if errGet != nil {
			continue
		}
		deadlineMs := decodeDeadline(val)
		_ = batch.Delete(inflKey, nil)
		_ = batch.Delete(inflightIdxKey(b.env, queue, deadlineMs, msgID), nil)
		_ = batch.Set(pendingKey(b.env, queue, msgID), nil, nil)
		if g.inflight > 0 {
			g.inflight--
		}
		g.pending++
		returned++
	}
	if removed == 0 {
		return 0, nil
	}
	if returned > 0 {
		b.setGauges(batch, queue, g)
		b.bumpCounter(batch, queue, opRecovered, uint64(returned))
		b.touchActivity(batch, queue, nowMs)
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("cleanup backups %s/%s: %w", queue, worker, err)
	}
	if returned > 0 {
		b.logger.Info("returned backup entries to pending",
			logpkg.Str("queue", queue), logpkg.Str("worker", worker), logpkg.Int("count", returned))
	}
	return removed, nil
}
