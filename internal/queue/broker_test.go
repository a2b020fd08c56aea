package queue

import (
	"context"
	"sync"
	"testing"

	pebblestore "github.com/mirqtio/agentq/internal/storage/pebble"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

func openTestBroker(t *testing.T) *Broker {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "test", Options{
		Policy: RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      60e9,
			MaxDelay:          3600e9,
			BackoffMultiplier: 2.0,
			JitterEnabled:     false,
		},
		Logger: logpkg.NewNop(),
	})
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msgID, err := b.Enqueue(ctx, "jobs", map[string]interface{}{"n": i}, DefaultEnqueueOptions())
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, msgID.String())
	}

	for i := 0; i < 3; i++ {
		q, m, err := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if m == nil {
			t.Fatalf("expected message %d", i)
		}
		if q != "jobs" {
			t.Fatalf("queue = %q", q)
		}
		if m.ID != ids[i] {
			t.Fatalf("out of order: got %s want %s", m.ID, ids[i])
		}
	}

	_, m, err := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if m != nil {
		t.Fatalf("expected none, got %s", m.ID)
	}
}

func TestDequeueFirstListedQueueWins(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "low", map[string]interface{}{"k": "l"}, DefaultEnqueueOptions()); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Enqueue(ctx, "high", map[string]interface{}{"k": "h"}, DefaultEnqueueOptions()); err != nil {
		t.Fatal(err)
	}

	q, m, err := b.Dequeue(ctx, []string{"high", "low"}, "w1", 0, 1000)
	if err != nil || m == nil {
		t.Fatalf("dequeue: %v %v", m, err)
	}
	if q != "high" {
		t.Fatalf("expected high first, got %s", q)
	}
}

func TestConcurrentDequeuersNeverShare(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{"n": i}, DefaultEnqueueOptions()); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for _, worker := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			for {
				_, m, err := b.Dequeue(ctx, []string{"jobs"}, w, 0, 0)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if m == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[m.ID]; dup {
					t.Errorf("message %s claimed by %s and %s", m.ID, prev, w)
				}
				seen[m.ID] = w
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("claimed %d of %d", len(seen), n)
	}
}

func TestAcknowledgeRemovesAndIsIdempotentFalse(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, DefaultEnqueueOptions()); err != nil {
		t.Fatal(err)
	}
	_, m, err := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if err != nil || m == nil {
		t.Fatalf("dequeue: %v %v", m, err)
	}

	if !b.Acknowledge(ctx, "jobs", "w1", m) {
		t.Fatalf("first ack should succeed")
	}
	if b.Acknowledge(ctx, "jobs", "w1", m) {
		t.Fatalf("second ack should report no entry")
	}

	st, err := b.Stats(ctx, "jobs")
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 0 || st.Inflight != 0 {
		t.Fatalf("stats after ack: %+v", st)
	}
	if st.Acked != 1 {
		t.Fatalf("acked counter = %d", st.Acked)
	}
}

func TestAcknowledgeWrongWorkerFails(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, DefaultEnqueueOptions()); err != nil {
		t.Fatal(err)
	}
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}
	if b.Acknowledge(ctx, "jobs", "w2", m) {
		t.Fatalf("worker isolation broken")
	}
	if !b.Acknowledge(ctx, "jobs", "w1", m) {
		t.Fatalf("owner ack failed")
	}
}

func TestEnqueueWithDelayNotVisibleUntilPromoted(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	opts := DefaultEnqueueOptions()
	opts.DelayMs = 5000
	opts.NowMs = 1000
	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, opts); err != nil {
		t.Fatal(err)
	}

	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 2000)
	if m != nil {
		t.Fatalf("delayed message visible early")
	}

	if _, err := b.ProcessScheduledRetries(ctx, "jobs", 5000, 10); err != nil {
		t.Fatal(err)
	}
	_, m, _ = b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 5000)
	if m != nil {
		t.Fatalf("promoted before due")
	}

	if _, err := b.ProcessScheduledRetries(ctx, "jobs", 6001, 10); err != nil {
		t.Fatal(err)
	}
	_, m, _ = b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 6001)
	if m == nil {
		t.Fatalf("delayed message not delivered after due")
	}
}

func TestListQueuesAndPurge(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	for _, q := range []string{"beta", "alpha"} {
		if _, err := b.Enqueue(ctx, q, map[string]interface{}{}, DefaultEnqueueOptions()); err != nil {
			t.Fatal(err)
		}
	}
	names, err := b.ListQueues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("queues = %v", names)
	}

	if err := b.Purge(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	st, err := b.Stats(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 0 || st.Enqueued != 0 {
		t.Fatalf("purge left state: %+v", st)
	}
	_, m, _ := b.Dequeue(ctx, []string{"alpha"}, "w1", 0, 1000)
	if m != nil {
		t.Fatalf("purged queue returned a message")
	}
}

func TestValidateNames(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "a/b", nil, DefaultEnqueueOptions()); err == nil {
		t.Fatalf("queue name with slash accepted")
	}
	if _, _, err := b.Dequeue(ctx, []string{"jobs"}, "", 0, 0); err == nil {
		t.Fatalf("empty worker accepted")
	}
}

func TestEnqueueDefaults(t *testing.T) {
	b := openTestBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, "jobs", map[string]interface{}{}, DefaultEnqueueOptions()); err != nil {
		t.Fatal(err)
	}
	_, m, _ := b.Dequeue(ctx, []string{"jobs"}, "w1", 0, 1000)
	if m == nil {
		t.Fatal("no message")
	}
	if m.MaxRetries != 3 {
		t.Fatalf("max retries = %d", m.MaxRetries)
	}
	if m.TimeoutSeconds != 300 {
		t.Fatalf("timeout = %d", m.TimeoutSeconds)
	}
}
