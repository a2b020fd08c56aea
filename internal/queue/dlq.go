package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mirqtio/agentq/pkg/id"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

var (
	// ErrDLQNotFound reports that no dead-letter entry has the given id.
	ErrDLQNotFound = errors.New("queue: dlq entry not found")
	// ErrNotReplayable reports a dead-letter entry whose original message
	// cannot be reconstructed, e.g. one diverted for being malformed.
	ErrNotReplayable = errors.New("queue: dlq entry not replayable")
)

// DLQEntry is a dead-lettered message plus its failure context.
type DLQEntry struct {
	ID            string   `json:"id"`
	Message       *Message `json:"message,omitempty"`
	Raw           []byte   `json:"raw,omitempty"`
	FailureReason string   `json:"failure_reason"`
	Worker        string   `json:"worker,omitempty"`
	FailedAtMs    int64    `json:"failed_at_ms"`
	ExpiresAtMs   int64    `json:"expires_at_ms"`
	CanReplay     bool     `json:"can_replay"`
}

func newDLQEntry(m *Message, raw []byte, reason, worker string, nowMs int64, ttl time.Duration) DLQEntry {
	e := DLQEntry{
		FailureReason: reason,
		Worker:        worker,
		FailedAtMs:    nowMs,
		ExpiresAtMs:   nowMs + ttl.Milliseconds(),
	}
	if m != nil {
		e.ID = m.ID
		e.Message = m
		e.CanReplay = true
	} else {
		e.Raw = raw
	}
	return e
}

func encodeDLQEntry(e DLQEntry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeDLQEntry(raw []byte) (*DLQEntry, error) {
	var e DLQEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode dlq entry: %w", err)
	}
	return &e, nil
}

// AddToDLQ dead-letters a message directly, outside the retry path.
func (b *Broker) AddToDLQ(ctx context.Context, queue string, m *Message, reason, worker string, nowMs int64) error {
	if err := validateName(queue); err != nil {
		return err
	}
	msgID, err := m.MsgID()
	if err != nil {
		return err
	}
	nowMs = b.nowOr(nowMs)
	entry := newDLQEntry(m, nil, reason, worker, nowMs, b.dlqTTL)
	encoded, err := encodeDLQEntry(entry)
	if err != nil {
		return err
	}

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
	_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
	g := b.readGauges(queue)
	if worker != "" {
		inflKey := inflightKey(b.env, queue, worker, msgID)
		if val, errGet := b.db.Get(inflKey); errGet == nil {
			_ = batch.Delete(inflKey, nil)
			_ = batch.Delete(inflightIdxKey(b.env, queue, decodeDeadline(val), msgID), nil)
			if g.inflight > 0 {
				g.inflight--
			}
		}
	}
	g.dlq++
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opDeadLettered, 1)
	b.touchActivity(batch, queue, nowMs)
	return b.db.CommitBatch(ctx, batch)
}

// divertMalformed moves an undecodable entry from pending to the DLQ. The
// entry keeps the raw bytes for inspection but can never be replayed. Called
// with the queue lock held.
func (b *Broker) divertMalformed(ctx context.Context, queue string, msgID id.ID, raw []byte, worker string, nowMs int64) {
	entry := newDLQEntry(nil, raw, "malformed_message", worker, nowMs, b.dlqTTL)
	entry.ID = msgID.String()
	encoded, err := encodeDLQEntry(entry)
	if err != nil {
		b.logger.Error("encode malformed dlq entry failed", logpkg.Err(err))
		return
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Delete(pendingKey(b.env, queue, msgID), nil)
	_ = batch.Delete(msgKey(b.env, queue, msgID), nil)
	_ = batch.Set(dlqKey(b.env, queue, msgID), encoded, nil)
	g := b.readGauges(queue)
	if g.pending > 0 {
		g.pending--
	}
	g.dlq++
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opMalformed, 1)
	b.bumpCounter(batch, queue, opDeadLettered, 1)
	b.touchActivity(batch, queue, nowMs)
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		b.logger.Error("divert malformed failed", logpkg.Str("queue", queue), logpkg.Err(err))
		return
	}
	b.logger.Warn("malformed message diverted to dlq",
		logpkg.Str("queue", queue), logpkg.Str("id", msgID.String()))
}

// ListDLQ returns dead-letter entries, oldest first, optionally narrowed by a
// CEL expression over the entry fields (reason, worker, retry_count,
// created_by, replayable, failed_at_ms). An empty filter matches everything.
func (b *Broker) ListDLQ(ctx context.Context, queue, filter string, limit int) ([]DLQEntry, error) {
	if err := validateName(queue); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var prg cel.Program
	if filter != "" {
		var err error
		prg, err = compileDLQFilter(filter)
		if err != nil {
			return nil, err
		}
	}

	iter, err := b.db.PrefixIter(dlqPrefix(b.env, queue))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DLQEntry
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		entry, errDec := decodeDLQEntry(iter.Value())
		if errDec != nil {
			b.logger.Warn("skipping undecodable dlq entry", logpkg.Str("queue", queue), logpkg.Err(errDec))
			continue
		}
		if prg != nil {
			match, errEval := evalDLQFilter(prg, entry)
			if errEval != nil {
				return nil, errEval
			}
			if !match {
				continue
			}
		}
		out = append(out, *entry)
	}
	return out, nil
}

func compileDLQFilter(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("worker", cel.StringType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("created_by", cel.StringType),
		cel.Variable("replayable", cel.BoolType),
		cel.Variable("failed_at_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid dlq filter: %w", iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, fmt.Errorf("invalid dlq filter: %w", iss2.Err())
	}
	return env.Program(checked)
}

func evalDLQFilter(prg cel.Program, e *DLQEntry) (bool, error) {
	vars := map[string]interface{}{
		"id":           e.ID,
		"reason":       e.FailureReason,
		"worker":       e.Worker,
		"retry_count":  int64(0),
		"created_by":   "",
		"replayable":   e.CanReplay,
		"failed_at_ms": e.FailedAtMs,
	}
	if e.Message != nil {
		vars["retry_count"] = int64(e.Message.RetryCount)
		vars["created_by"] = e.Message.CreatedBy
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("dlq filter eval: %w", err)
	}
	match, ok := out.Value().(bool)
	return ok && match, nil
}

// DLQStatsResult summarizes a queue's dead-letter list.
type DLQStatsResult struct {
	Total      int            `json:"total"`
	ByReason   map[string]int `json:"by_reason"`
	Replayable int            `json:"replayable"`
	OldestMs   int64          `json:"oldest_ms,omitempty"`
	NewestMs   int64          `json:"newest_ms,omitempty"`
}

// DLQStats aggregates the queue's dead-letter entries by failure reason.
func (b *Broker) DLQStats(ctx context.Context, queue string) (*DLQStatsResult, error) {
	if err := validateName(queue); err != nil {
		return nil, err
	}
	iter, err := b.db.PrefixIter(dlqPrefix(b.env, queue))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	res := &DLQStatsResult{ByReason: make(map[string]int)}
	for ok := iter.First(); ok; ok = iter.Next() {
		entry, errDec := decodeDLQEntry(iter.Value())
		if errDec != nil {
			continue
		}
		res.Total++
		res.ByReason[entry.FailureReason]++
		if entry.CanReplay {
			res.Replayable++
		}
		if res.OldestMs == 0 || entry.FailedAtMs < res.OldestMs {
			res.OldestMs = entry.FailedAtMs
		}
		if entry.FailedAtMs > res.NewestMs {
			res.NewestMs = entry.FailedAtMs
		}
	}
	return res, nil
}

// ReplayDLQ moves a dead-letter entry back onto the pending list with its
// retry count reset to zero. The original message identity is preserved.
func (b *Broker) ReplayDLQ(ctx context.Context, queue, entryID string, nowMs int64) error {
	if err := validateName(queue); err != nil {
		return err
	}
	msgID, err := id.Parse(entryID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDLQNotFound, entryID)
	}
	nowMs = b.nowOr(nowMs)

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	raw, err := b.db.Get(dlqKey(b.env, queue, msgID))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDLQNotFound, entryID)
	}
	entry, err := decodeDLQEntry(raw)
	if err != nil || !entry.CanReplay || entry.Message == nil {
		return fmt.Errorf("%w: %s", ErrNotReplayable, entryID)
	}
	m := entry.Message
	m.RetryCount = 0
	encoded, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Delete(dlqKey(b.env, queue, msgID), nil)
	_ = batch.Set(msgKey(b.env, queue, msgID), encoded, nil)
	_ = batch.Set(pendingKey(b.env, queue, msgID), nil, nil)
	g := b.readGauges(queue)
	if g.dlq > 0 {
		g.dlq--
	}
	g.pending++
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opReplayed, 1)
	b.touchActivity(batch, queue, nowMs)
	return b.db.CommitBatch(ctx, batch)
}

// CleanupExpiredDLQ removes dead-letter entries whose TTL has lapsed.
// Returns the number removed.
func (b *Broker) CleanupExpiredDLQ(ctx context.Context, queue string, nowMs int64) (int, error) {
	if err := validateName(queue); err != nil {
		return 0, err
	}
	nowMs = b.nowOr(nowMs)

	lock := b.queueLock(queue)
	lock.Lock()
	defer lock.Unlock()

	iter, err := b.db.PrefixIter(dlqPrefix(b.env, queue))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	removed := 0
	batch := b.db.NewBatch()
	defer batch.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		entry, errDec := decodeDLQEntry(iter.Value())
		if errDec != nil || entry.ExpiresAtMs > nowMs {
			continue
		}
		_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	g := b.readGauges(queue)
	if int(g.dlq) >= removed {
		g.dlq -= uint64(removed)
	} else {
		g.dlq = 0
	}
	b.setGauges(batch, queue, g)
	b.bumpCounter(batch, queue, opExpired, uint64(removed))
	b.touchActivity(batch, queue, nowMs)
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return 0, err
	}
	return removed, nil
}
