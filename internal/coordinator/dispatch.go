package coordinator

import (
	"context"
	"errors"
	"sync"

	logpkg "github.com/mirqtio/agentq/pkg/log"
)

var errMissingTaskID = errors.New("coordinator: assignment payload missing task_id")

// Dispatcher drives the coordination queues: it dequeues, routes by message
// type, and promotes scheduled retries for the same queues each pass. If the
// dispatcher stops, retry promotion for these queues stops with it.
type Dispatcher struct {
	coord *Coordinator

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the coordinator's queues.
func NewDispatcher(c *Coordinator) *Dispatcher {
	return &Dispatcher{coord: c}
}

// Start launches the dispatch loop. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop halts the loop and waits for the inflight pass.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for ctx.Err() == nil {
		d.DispatchOnce(ctx, 0)
	}
}

// DispatchOnce runs one dispatch pass: a bounded dequeue wait across the
// coordination queues, routing of at most one message, then retry promotion
// for every coordination queue. Returns whether a message was handled.
// Exposed for deterministic tests.
func (d *Dispatcher) DispatchOnce(ctx context.Context, nowMs int64) bool {
	c := d.coord
	handled := false

	queueName, m, err := c.broker.Dequeue(ctx, c.coordQueues, "dispatcher", c.dispatchBlock.Milliseconds(), nowMs)
	if err != nil {
		c.logger.Error("dispatch dequeue failed", logpkg.Err(err))
	} else if m != nil {
		if d.route(ctx, queueName, m.Payload, nowMs) {
			c.broker.Acknowledge(ctx, queueName, "dispatcher", m)
			handled = true
		} else {
			c.broker.Nack(ctx, queueName, "dispatcher", m, "dispatch_failed", nowMs)
		}
	}

	for _, q := range c.coordQueues {
		if _, err := c.broker.ProcessScheduledRetries(ctx, q, nowMs, 100); err != nil {
			c.logger.Error("dispatch retry promotion failed",
				logpkg.Str("queue", q), logpkg.Err(err))
		}
	}
	return handled
}

// route dispatches one coordination payload. Undecodable payloads and
// unknown message types are rejected (logged and treated as handled) since
// redelivery cannot fix them; returning false requeues the message through
// the retry schedule.
func (d *Dispatcher) route(ctx context.Context, queueName string, payload map[string]interface{}, nowMs int64) bool {
	c := d.coord
	cm, err := CoordFromPayload(payload)
	if err != nil {
		c.logger.Warn("coordination message rejected",
			logpkg.Str("queue", queueName), logpkg.Err(err))
		return true
	}

	switch cm.MessageType {
	case "prp_assignment":
		tr, err := transitionFromPayload(cm.Payload)
		if err != nil {
			c.logger.Warn("assignment message rejected", logpkg.Err(err))
			return true
		}
		c.AssignTask(ctx, tr, nowMs)
		return true
	case "agent_heartbeat":
		status, _ := cm.Payload["status"].(string)
		if !c.UpdateHeartbeat(cm.AgentID, AgentStatus(status), nowMs) {
			// A stale heartbeat is worthless on redelivery; drop it.
			c.logger.Warn("heartbeat from unknown agent", logpkg.Str("agent", cm.AgentID))
		}
		return true
	case "prp_completion":
		taskID, _ := cm.Payload["task_id"].(string)
		if !c.CompleteTask(ctx, taskID, cm.AgentID, nowMs) {
			// The completion may have raced its own assignment through this
			// queue; retry until the assignment lands or retries run out.
			c.logger.Warn("completion for unowned task, requeueing",
				logpkg.Str("task", taskID), logpkg.Str("agent", cm.AgentID))
			return false
		}
		return true
	default:
		c.logger.Warn("unknown coordination message type",
			logpkg.Str("type", cm.MessageType))
		return true
	}
}

func transitionFromPayload(payload map[string]interface{}) (Transition, error) {
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		return Transition{}, errMissingTaskID
	}
	tr := Transition{TaskID: taskID}
	if s, ok := payload["from"].(string); ok {
		tr.From = TaskState(s)
	}
	if s, ok := payload["to"].(string); ok {
		tr.To = TaskState(s)
	}
	switch v := payload["priority"].(type) {
	case float64:
		tr.Priority = int(v)
	case int:
		tr.Priority = v
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		tr.Data = data
	}
	tr.Reassignment, _ = payload["reassignment"].(bool)
	return tr, nil
}
