package queue

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/mirqtio/agentq/pkg/id"
)

// Key segment names under env/{environment}/q/{queue}/
const (
	segMeta     = "meta"
	segMsg      = "msg/"
	segPending  = "pending/"
	segInflight = "inflight/"
	segInflIdx  = "inflight_idx/"
	segRetry    = "retry/"
	segPriority = "priority_idx/"
	segBackup   = "backup/"
	segDLQ      = "dlq/"
	segStats    = "stats/"
)

var errBadName = errors.New("queue: name must be non-empty and must not contain '/'")

// validateName rejects names that would collide with key delimiters.
// Queue and worker identities both pass through here.
func validateName(name string) error {
	if name == "" || strings.ContainsRune(name, '/') {
		return errBadName
	}
	return nil
}

// queuePrefix returns the base prefix for a queue.
// Format: env/{environment}/q/{queue}/
func queuePrefix(env, queue string) string {
	return "env/" + env + "/q/" + queue + "/"
}

// envQueuesPrefix returns the prefix spanning all queues in an environment.
func envQueuesPrefix(env string) []byte {
	return []byte("env/" + env + "/q/")
}

// metaKey returns the gauge key for a queue.
func metaKey(env, queue string) []byte {
	return []byte(queuePrefix(env, queue) + segMeta)
}

// msgKey returns the message data key.
func msgKey(env, queue string, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segMsg
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], msgID[:])
	return key
}

// pendingKey returns the FIFO availability index key.
func pendingKey(env, queue string, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segPending
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], msgID[:])
	return key
}

// pendingPrefix returns the prefix for scanning the FIFO index.
func pendingPrefix(env, queue string) []byte {
	return []byte(queuePrefix(env, queue) + segPending)
}

// inflightKey returns the per-worker inflight entry key.
// Format: env/{E}/q/{Q}/inflight/{worker}/{id}
func inflightKey(env, queue, worker string, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segInflight + worker + "/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], msgID[:])
	return key
}

// inflightPrefix returns the prefix for one worker's inflight list.
func inflightPrefix(env, queue, worker string) []byte {
	return []byte(queuePrefix(env, queue) + segInflight + worker + "/")
}

// inflightIdxKey returns the deadline index key.
// Format: env/{E}/q/{Q}/inflight_idx/{deadline_ms}/{id}
func inflightIdxKey(env, queue string, deadlineMs int64, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segInflIdx
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(deadlineMs))
	copy(key[len(prefix)+8:], msgID[:])
	return key
}

// inflightIdxPrefix returns the prefix for deadline scanning.
func inflightIdxPrefix(env, queue string) []byte {
	return []byte(queuePrefix(env, queue) + segInflIdx)
}

// retryKey returns the retry schedule key.
// Format: env/{E}/q/{Q}/retry/{due_ms}/{id}
func retryKey(env, queue string, dueMs int64, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segRetry
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(dueMs))
	copy(key[len(prefix)+8:], msgID[:])
	return key
}

// retryPrefix returns the prefix for retry schedule scanning.
func retryPrefix(env, queue string) []byte {
	return []byte(queuePrefix(env, queue) + segRetry)
}

// priorityKey returns the priority index key. The sign bit is flipped before
// inverting so signed priorities sort descending, negatives last; the ID
// suffix gives the insertion-order tie-break.
func priorityKey(env, queue string, priority int, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segPriority
	inverted := ^(uint32(int32(priority)) ^ 1<<31)
	key := make([]byte, len(prefix)+4+16)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], inverted)
	copy(key[len(prefix)+4:], msgID[:])
	return key
}

// priorityPrefix returns the prefix for priority index scanning.
func priorityPrefix(env, queue string) []byte {
	return []byte(queuePrefix(env, queue) + segPriority)
}

// priorityFromKey recovers the original priority from an index key.
func priorityFromKey(key []byte, prefixLen int) int {
	if len(key) < prefixLen+4 {
		return 0
	}
	return int(int32(^binary.BigEndian.Uint32(key[prefixLen:prefixLen+4]) ^ 1<<31))
}

// backupKey returns the reliable-pattern backup entry key.
// Format: env/{E}/q/{Q}/backup/{worker}/{id}
func backupKey(env, queue, worker string, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segBackup + worker + "/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], msgID[:])
	return key
}

// backupPrefix returns the prefix for one worker's backup list in a queue.
func backupPrefix(env, queue, worker string) []byte {
	return []byte(queuePrefix(env, queue) + segBackup + worker + "/")
}

// dlqKey returns the dead letter entry key.
func dlqKey(env, queue string, msgID id.ID) []byte {
	prefix := queuePrefix(env, queue) + segDLQ
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], msgID[:])
	return key
}

// dlqPrefix returns the prefix for DLQ scanning.
func dlqPrefix(env, queue string) []byte {
	return []byte(queuePrefix(env, queue) + segDLQ)
}

// statsKey returns a counter key for an operation name.
func statsKey(env, queue, op string) []byte {
	return []byte(queuePrefix(env, queue) + segStats + op)
}

// idFromKeyTail extracts the trailing 16-byte message ID from an index key.
func idFromKeyTail(key []byte) (id.ID, bool) {
	if len(key) < 16 {
		return id.ID{}, false
	}
	var out id.ID
	copy(out[:], key[len(key)-16:])
	return out, true
}

// dueFromKey extracts the 8-byte timestamp segment that follows prefixLen.
func dueFromKey(key []byte, prefixLen int) (int64, bool) {
	if len(key) < prefixLen+8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8])), true
}

// keyUpperBound returns the exclusive scan end for a prefix.
func keyUpperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}
