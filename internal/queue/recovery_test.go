package queue

import (
	"context"
	"testing"
	"time"
)

func TestRecoverExpiredReturnsToPending(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.TimeoutSeconds = 10
	opts.NowMs = 1000
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}

	// deadline is 11000; not yet expired at 10000
	n, err := b.RecoverExpired(ctx, "jobs", 10_000, 10)
	if err != nil || n != 0 {
		t.Fatalf("early recovery: %d %v", n, err)
	}

	n, err = b.RecoverExpired(ctx, "jobs", 12_000, 10)
	if err != nil || n != 1 {
		t.Fatalf("recovery: %d %v", n, err)
	}

	// the stale worker can no longer acknowledge
	if b.Acknowledge(ctx, "jobs", "w1", m) {
		t.Fatalf("ack after recovery succeeded")
	}

	_, got, _ := b.Dequeue(ctx, []string{"jobs"}, "w2", 0, 12_000)
	if got == nil {
		t.Fatal("recovered message not pending")
	}
	if got.ID != m.ID {
		t.Fatalf("identity changed: %s", got.ID)
	}
	if got.RetryCount != 1 {
		t.Fatalf("timeout not charged as an attempt: %d", got.RetryCount)
	}
}

func TestRecoverExpiredExhaustionDeadLetters(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.MaxRetries = 0
	opts.TimeoutSeconds = 10
	opts.NowMs = 1000
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}

	n, err := b.RecoverExpired(ctx, "jobs", 12_000, 10)
	if err != nil || n != 1 {
		t.Fatalf("recovery: %d %v", n, err)
	}

	entries, _ := b.ListDLQ(ctx, "jobs", "", 10)
	if len(entries) != 1 || entries[0].FailureReason != "processing_timeout" {
		t.Fatalf("dlq: %+v", entries)
	}
	st, _ := b.Stats(ctx, "jobs")
	if st.Pending != 0 || st.Inflight != 0 || st.DLQ != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDrainWorker(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{"n": i}, DefaultEnqueueOptions()); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000); m == nil {
			t.Fatal("no message")
		}
	}
	if _, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w2", 0, 1000); m == nil {
		t.Fatal("no message")
	}

	n, err := b.DrainWorker(ctx, "jobs", "w1", 2000)
	if err != nil || n != 2 {
		t.Fatalf("drain: %d %v", n, err)
	}

	st, _ := b.Stats(ctx, "jobs")
	if st.Pending != 2 || st.Inflight != 1 {
		t.Fatalf("stats after drain: %+v", st)
	}

	// drained messages are redeliverable without a retry charge
	_, got, _ := b.Dequeue(ctx, []string{"jobs"}, "w3", 0, 2000)
	if got == nil || got.RetryCount != 0 {
		t.Fatalf("drained redelivery: %+v", got)
	}
}

func TestExpiryNotificationsUnsupported(t *testing.T) {
	b := openTestBroker(t)
	if b.EnableExpiryNotifications() {
		t.Fatalf("expiry notifications should be unsupported")
	}
}

func TestSweeperRecoversAndPromotes(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.TimeoutSeconds = 1
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}
	if _, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 0); m == nil {
		t.Fatal("no message")
	}

	s := NewSweeper(b, 50*time.Millisecond, 10)
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := b.Stats(ctx, "jobs")
		if err != nil {
			t.Fatal(err)
		}
		if st.Pending == 1 && st.Inflight == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not recover: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	b := openTestBroker(t)
	s := NewSweeper(b, 10*time.Millisecond, 10)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
