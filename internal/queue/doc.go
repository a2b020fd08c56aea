// Package queue implements a store-backed message broker with per-worker
// inflight isolation, retry scheduling with exponential backoff, a dead
// letter queue, and the delivery patterns built on top of the broker
// primitives (reliable, batch, priority).
//
// # Keyspace
//
// All keys live under env/{environment}/q/{queue}/:
//
//	meta                               - pending | inflight | dlq gauges
//	msg/{id}                           - encoded message (JSON wire format)
//	pending/{id}                       - FIFO availability index
//	inflight/{worker}/{id}             - per-worker inflight entry (deadline)
//	inflight_idx/{deadline_ms}/{id}    - inflight deadline index (value: worker)
//	retry/{due_ms}/{id}                - time-ordered retry schedule
//	priority_idx/{^priority}/{id}      - priority pattern index
//	backup/{worker}/{id}               - reliable pattern backup list
//	dlq/{id}                           - DLQEntry JSON
//	stats/{op}                         - cumulative operation counters
//
// Message IDs are 16-byte lexicographically sortable values (millisecond
// timestamp + sequence), so byte order over the pending index is FIFO order
// and no separate sequence counter is needed. The inflight list identity is
// the composite (queue, worker) key, which makes a crashed worker's state
// discoverable from its identity alone.
//
// # Message Lifecycle
//
//  1. Enqueue: msg written, pending index entry added
//  2. Dequeue: pending entry moved to inflight/{worker} with a deadline equal
//     to the message's own timeout; the move commits in one batch so two
//     concurrent dequeuers can never receive the same message
//  3. Acknowledge: msg and inflight entry deleted (terminal)
//  4. Nack: retry scheduled with backoff, or dead-lettered once retries are
//     exhausted
//  5. Deadline expiry: the recovery sweep drains expired inflight entries
//     back through the retry path, attributing the failure to the worker
//
// Delivery is at-least-once. Duplicates can occur when a worker crashes after
// processing but before Acknowledge, or when an inflight deadline lapses while
// processing; consumers are expected to be idempotent.
package queue
