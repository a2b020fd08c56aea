package queue

import (
	"context"
	"testing"
	"time"
)

func TestBackoffExponentialAndCapped(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      60 * time.Second,
		MaxDelay:          10 * time.Minute,
		BackoffMultiplier: 2.0,
		JitterEnabled:     false,
	}
	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		600 * time.Second, // capped
		600 * time.Second,
	}
	for i, w := range want {
		if got := p.Backoff(i+1, nil); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      60 * time.Second,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
	}
	// The jitter factor is applied after the cap, so a full-jitter delay can
	// exceed MaxDelay by up to half.
	low := p.Backoff(1, func() float64 { return 0.5 })
	high := p.Backoff(1, func() float64 { return 1.4999 })
	if low != 30*time.Second {
		t.Fatalf("low jitter = %v", low)
	}
	if high < 89*time.Second || high > 90*time.Second {
		t.Fatalf("high jitter = %v", high)
	}

	capped := p.Backoff(10, func() float64 { return 1.4999 })
	if capped > time.Hour+30*time.Minute {
		t.Fatalf("jittered cap exceeded: %v", capped)
	}
}

func TestBackoffFloorsAtOneSecond(t *testing.T) {
	p := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		JitterEnabled:     false,
	}
	if got := p.Backoff(1, nil); got != time.Second {
		t.Fatalf("floor = %v", got)
	}
}

func TestNackSchedulesRetryThenPromotes(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.NowMs = 1000
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}

	if !b.Nack(ctx, "jobs", "w1", m, "boom", 1000) {
		t.Fatalf("nack failed")
	}
	if m.RetryCount != 1 {
		t.Fatalf("retry count = %d", m.RetryCount)
	}

	// hidden until the backoff delay elapses (60s with jitter off)
	_, got, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 2000)
	if got != nil {
		t.Fatalf("retry visible before backoff")
	}
	n, err := b.ProcessScheduledRetries(ctx, "jobs", 30_000, 10)
	if err != nil || n != 0 {
		t.Fatalf("early promotion: %d %v", n, err)
	}
	n, err = b.ProcessScheduledRetries(ctx, "jobs", 62_000, 10)
	if err != nil || n != 1 {
		t.Fatalf("promotion: %d %v", n, err)
	}

	_, got, _ = b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 62_000)
	if got == nil {
		t.Fatalf("retry not delivered")
	}
	if got.ID != m.ID || got.RetryCount != 1 {
		t.Fatalf("retry identity lost: %+v", got)
	}
}

func TestNackExhaustionDeadLetters(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.MaxRetries = 1
	opts.NowMs = 1000
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}

	// first failure: one retry remains, message is rescheduled
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}
	if !b.Nack(ctx, "jobs", "w1", m, "boom", 1000) {
		t.Fatal("first nack failed")
	}
	if n, _ := b.ProcessScheduledRetries(ctx, "jobs", 120_000, 10); n != 1 {
		t.Fatalf("retry not promoted, n=%d", n)
	}

	// second failure exhausts the budget
	_, m, _ = b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 120_000)
	if m == nil {
		t.Fatal("retry not delivered")
	}
	if !b.Nack(ctx, "jobs", "w1", m, "boom", 120_000) {
		t.Fatal("second nack failed")
	}

	st, _ := b.Stats(ctx, "jobs")
	if st.DLQ != 1 || st.Pending != 0 || st.Inflight != 0 {
		t.Fatalf("stats after exhaustion: %+v", st)
	}
	entries, err := b.ListDLQ(ctx, "jobs", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d", len(entries))
	}
	if entries[0].FailureReason != "max_retries_exceeded" {
		t.Fatalf("reason = %s", entries[0].FailureReason)
	}
	if !entries[0].CanReplay {
		t.Fatalf("exhausted message should be replayable")
	}
}

func TestNackUnknownMessageReturnsFalse(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	m := &Message{ID: "00000000000000000000000000000001", QueueName: "jobs", MaxRetries: 3}
	if b.Nack(ctx, "jobs", "w1", m, "boom", 1000) {
		t.Fatalf("nack of unknown message succeeded")
	}
}

func TestScheduleRetryExplicitDelay(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.NowMs = 1000
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}
	if !b.Acknowledge(ctx, "jobs", "w1", m) {
		t.Fatal("ack failed")
	}

	if err := b.ScheduleRetry(ctx, "jobs", m, 10*time.Second, 1000); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.ProcessScheduledRetries(ctx, "jobs", 5000, 10); n != 0 {
		t.Fatalf("promoted early: %d", n)
	}
	if n, _ := b.ProcessScheduledRetries(ctx, "jobs", 11_001, 10); n != 1 {
		t.Fatalf("not promoted: %d", n)
	}
}
