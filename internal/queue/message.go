package queue

import (
	"encoding/json"
	"fmt"

	"github.com/mirqtio/agentq/pkg/id"
)

// Message is one unit of work. The JSON field names are the wire format;
// everything that crosses the store or a queue boundary round-trips through
// EncodeMessage/DecodeMessage.
type Message struct {
	ID             string                 `json:"id"`
	TimestampMs    int64                  `json:"timestamp"`
	QueueName      string                 `json:"queue_name"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       int                    `json:"priority"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	CreatedBy      string                 `json:"created_by"`
	Tags           []string               `json:"tags"`
}

// MsgID parses the message's 16-byte identifier.
func (m *Message) MsgID() (id.ID, error) {
	return id.Parse(m.ID)
}

// DecodeError marks a payload that failed to decode into a Message. Entries
// carrying it are diverted to the DLQ instead of blocking the queue.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode message: %s: %v", e.Reason, e.Err)
	}
	return "decode message: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeMessage serializes a message to the wire format.
func EncodeMessage(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode message: nil message")
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates a wire-format message. Any failure is a
// *DecodeError so callers can distinguish poison entries from transport
// problems.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if m.ID == "" {
		return nil, &DecodeError{Reason: "missing id"}
	}
	if _, err := id.Parse(m.ID); err != nil {
		return nil, &DecodeError{Reason: "malformed id", Err: err}
	}
	if m.QueueName == "" {
		return nil, &DecodeError{Reason: "missing queue_name"}
	}
	if m.MaxRetries < 0 {
		return nil, &DecodeError{Reason: "negative max_retries"}
	}
	return &m, nil
}
