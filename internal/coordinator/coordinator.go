package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirqtio/agentq/internal/notify"
	"github.com/mirqtio/agentq/internal/queue"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// AgentType is an agent's declared role.
type AgentType string

const (
	AgentDeveloper   AgentType = "developer"
	AgentValidator   AgentType = "validator"
	AgentIntegrator  AgentType = "integrator"
	AgentCoordinator AgentType = "coordinator"
)

// AgentStatus is an agent's availability state.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusActive  AgentStatus = "active"
	StatusOffline AgentStatus = "offline"
)

// TaskState is one step of the task workflow.
type TaskState string

const (
	TaskNew        TaskState = "new"
	TaskValidated  TaskState = "validated"
	TaskInProgress TaskState = "in_progress"
	TaskComplete   TaskState = "complete"
)

// Agent is one registered worker. The coordinator owns all mutation.
type Agent struct {
	ID              string      `json:"id"`
	Type            AgentType   `json:"type"`
	Status          AgentStatus `json:"status"`
	Capacity        float64     `json:"capacity"`
	Tasks           []string    `json:"tasks,omitempty"` // Tasks[0] is current
	LastHeartbeatMs int64       `json:"last_heartbeat_ms"`
}

// Current returns the agent's active task, empty when idle.
func (a *Agent) Current() string {
	if len(a.Tasks) == 0 {
		return ""
	}
	return a.Tasks[0]
}

// Transition is a requested task state change.
type Transition struct {
	TaskID       string                 `json:"task_id"`
	From         TaskState              `json:"from"`
	To           TaskState              `json:"to"`
	Priority     int                    `json:"priority"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Reassignment bool                   `json:"reassignment,omitempty"`
}

// roleFor maps a transition's target state to the agent role that performs
// the work.
func roleFor(tr Transition) AgentType {
	switch tr.To {
	case TaskValidated, TaskComplete:
		return AgentValidator
	case TaskInProgress:
		if isIntegration(tr.Data) {
			return AgentIntegrator
		}
		return AgentDeveloper
	default:
		return AgentDeveloper
	}
}

func isIntegration(data map[string]interface{}) bool {
	if data == nil {
		return false
	}
	if v, ok := data["integration"].(bool); ok {
		return v
	}
	if s, ok := data["work_type"].(string); ok {
		return s == "integration"
	}
	return false
}

type pendingAssignment struct {
	tr       Transition
	queuedMs int64
}

// assignment records who holds a task and the transition that placed it, so
// reassignment can replay the same work for the same role.
type assignment struct {
	agentID string
	tr      Transition
}

// Options configures a Coordinator.
type Options struct {
	// Queues the dispatch loop consumes, first listed wins.
	CoordinationQueues []string
	// HeartbeatStale partitions agents healthy/unhealthy. Default 5 minutes.
	HeartbeatStale time.Duration
	// DrainLimit caps pending assignments retried per completion. Default 10.
	DrainLimit int
	// DispatchBlock is the dequeue wait inside the dispatch loop.
	DispatchBlock time.Duration
	Hook          AssignmentHook
	Bus           notify.Bus
	Logger        logpkg.Logger
}

// Coordinator assigns workflow tasks to registered agents and drives the
// coordination queues. All registry state is in-memory and local to one
// instance; construct a fresh one per process (and per test).
type Coordinator struct {
	broker *queue.Broker
	bus    notify.Bus
	hook   AssignmentHook
	logger logpkg.Logger

	coordQueues    []string
	heartbeatStale time.Duration
	drainLimit     int
	dispatchBlock  time.Duration

	mu          sync.Mutex
	agents      map[string]*Agent
	assignments map[string]assignment // task id -> holder + placing transition
	pending     map[AgentType][]pendingAssignment
}

// New creates a Coordinator over a broker. A nil bus disables the legacy
// notification fallback; a nil hook disables post-assignment side effects.
func New(broker *queue.Broker, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	stale := opts.HeartbeatStale
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	drain := opts.DrainLimit
	if drain <= 0 {
		drain = 10
	}
	block := opts.DispatchBlock
	if block <= 0 {
		block = 5 * time.Second
	}
	queues := opts.CoordinationQueues
	if len(queues) == 0 {
		queues = []string{"coordination"}
	}
	hook := opts.Hook
	if hook == nil {
		hook = NopHook{}
	}
	return &Coordinator{
		broker:         broker,
		bus:            opts.Bus,
		hook:           hook,
		logger:         logger,
		coordQueues:    queues,
		heartbeatStale: stale,
		drainLimit:     drain,
		dispatchBlock:  block,
		agents:         make(map[string]*Agent),
		assignments:    make(map[string]assignment),
		pending:        make(map[AgentType][]pendingAssignment),
	}
}

// agentQueue is the agent's dedicated delivery queue.
func agentQueue(agentID string) string { return "agent." + agentID }

// RegisterAgent upserts an agent. Re-registering updates type and capacity
// without disturbing current assignments. A confirmation message goes out on
// the agent's dedicated queue.
func (c *Coordinator) RegisterAgent(ctx context.Context, agentID string, agentType AgentType, capacity float64, nowMs int64) error {
	if agentID == "" {
		return fmt.Errorf("coordinator: empty agent id")
	}
	if capacity < 0 || capacity > 1 {
		return fmt.Errorf("coordinator: capacity %v out of [0,1]", capacity)
	}
	nowMs = c.nowOr(nowMs)

	c.mu.Lock()
	a, ok := c.agents[agentID]
	if !ok {
		a = &Agent{ID: agentID, Status: StatusIdle}
		c.agents[agentID] = a
	}
	a.Type = agentType
	a.Capacity = capacity
	a.LastHeartbeatMs = nowMs
	c.mu.Unlock()

	c.sendCoord(ctx, agentQueue(agentID), &CoordMessage{
		AgentID:     agentID,
		AgentType:   agentType,
		MessageType: "registration_confirmation",
		Payload:     map[string]interface{}{"capacity": capacity},
	}, 0, nowMs)
	c.logger.Info("agent registered",
		logpkg.Str("agent", agentID), logpkg.Str("type", string(agentType)))
	return nil
}

// UnregisterAgent removes an agent. Its open assignments are reassigned
// first, then its dedicated-queue backlog is drained back to the generic
// workflow queues keyed by each message's declared type.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agentID string, nowMs int64) error {
	nowMs = c.nowOr(nowMs)

	c.mu.Lock()
	a, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: unknown agent %s", agentID)
	}
	open := append([]string(nil), a.Tasks...)
	// Offline before reassigning so placement never picks this agent again.
	// Reassign removes each task from the registry as it goes.
	a.Status = StatusOffline
	c.mu.Unlock()

	for _, taskID := range open {
		c.Reassign(ctx, taskID, agentID, nowMs)
	}

	moved := c.drainAgentQueue(ctx, agentID, nowMs)

	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()

	c.logger.Info("agent unregistered",
		logpkg.Str("agent", agentID),
		logpkg.Int("reassigned", len(open)),
		logpkg.Int("drained", moved))
	return nil
}

// drainAgentQueue moves a departed agent's undelivered messages back to the
// generic workflow queue matching each message's declared type.
func (c *Coordinator) drainAgentQueue(ctx context.Context, agentID string, nowMs int64) int {
	moved := 0
	drainWorker := "drain-" + agentID
	for {
		_, m, err := c.broker.Dequeue(ctx, []string{agentQueue(agentID)}, drainWorker, 0, nowMs)
		if err != nil {
			c.logger.Error("drain dequeue failed", logpkg.Str("agent", agentID), logpkg.Err(err))
			return moved
		}
		if m == nil {
			return moved
		}
		target := workflowQueueFor(m.Payload)
		if _, err := c.broker.Enqueue(ctx, target, m.Payload, queue.EnqueueOptions{
			Priority:   m.Priority,
			MaxRetries: m.MaxRetries,
			CreatedBy:  m.CreatedBy,
			Tags:       m.Tags,
			NowMs:      nowMs,
		}); err != nil {
			c.logger.Error("drain requeue failed",
				logpkg.Str("agent", agentID), logpkg.Str("target", target), logpkg.Err(err))
			c.broker.Nack(ctx, agentQueue(agentID), drainWorker, m, "drain_requeue_failed", nowMs)
			return moved
		}
		c.broker.Acknowledge(ctx, agentQueue(agentID), drainWorker, m)
		moved++
	}
}

// workflowQueueFor picks the generic queue for a drained message by its
// declared message_type.
func workflowQueueFor(payload map[string]interface{}) string {
	mt, _ := payload["message_type"].(string)
	switch {
	case strings.Contains(mt, "prp"):
		return "development"
	case strings.Contains(mt, "validation"):
		return "validation"
	case strings.Contains(mt, "integration"):
		return "integration"
	default:
		return "coordination"
	}
}

// UpdateHeartbeat refreshes an agent's liveness and optionally its status.
// Returns false for unknown agents.
func (c *Coordinator) UpdateHeartbeat(agentID string, status AgentStatus, nowMs int64) bool {
	nowMs = c.nowOr(nowMs)
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return false
	}
	a.LastHeartbeatMs = nowMs
	if status != "" {
		a.Status = status
	}
	return true
}

// CheckAgentHealth partitions agents into healthy and stale by heartbeat
// age. Staleness alone never unregisters an agent; that stays an explicit
// operator decision.
func (c *Coordinator) CheckAgentHealth(nowMs int64) (healthy, unhealthy []string) {
	nowMs = c.nowOr(nowMs)
	cutoff := nowMs - c.heartbeatStale.Milliseconds()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, a := range c.agents {
		if a.LastHeartbeatMs >= cutoff {
			healthy = append(healthy, id)
		} else {
			unhealthy = append(unhealthy, id)
		}
	}
	sort.Strings(healthy)
	sort.Strings(unhealthy)
	return healthy, unhealthy
}

// Agent returns a copy of one agent's registry entry.
func (c *Coordinator) Agent(agentID string) (Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	out := *a
	out.Tasks = append([]string(nil), a.Tasks...)
	return out, true
}

// PendingAssignments returns how many transitions wait for each role.
func (c *Coordinator) PendingAssignments() map[AgentType]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[AgentType]int)
	for role, list := range c.pending {
		if len(list) > 0 {
			out[role] = len(list)
		}
	}
	return out
}

func (c *Coordinator) nowOr(nowMs int64) int64 {
	if nowMs > 0 {
		return nowMs
	}
	return time.Now().UnixMilli()
}

// AssignTask places a transition with the best available agent of the
// required role. With no agent available the transition parks on the role's
// pending list and the empty agent id signals "no agent" to the caller;
// that is a normal outcome, not an error.
func (c *Coordinator) AssignTask(ctx context.Context, tr Transition, nowMs int64) (string, bool) {
	return c.assign(ctx, tr, "", nowMs)
}

// assign runs placement, skipping the excluded agent (the one being replaced
// during a reassignment).
func (c *Coordinator) assign(ctx context.Context, tr Transition, exclude string, nowMs int64) (string, bool) {
	nowMs = c.nowOr(nowMs)
	role := roleFor(tr)

	c.mu.Lock()
	agent := c.pickAgentLocked(role, exclude)
	if agent == nil {
		c.pushPendingLocked(role, tr, nowMs)
		c.mu.Unlock()
		c.logger.Info("no agent available, assignment parked",
			logpkg.Str("task", tr.TaskID), logpkg.Str("role", string(role)))
		return "", false
	}
	agent.Tasks = append(agent.Tasks, tr.TaskID)
	agent.Status = StatusBusy
	c.assignments[tr.TaskID] = assignment{agentID: agent.ID, tr: tr}
	agentID := agent.ID
	agentCopy := *agent
	c.mu.Unlock()

	c.deliverAssignment(ctx, agentID, tr, nowMs)
	c.hook.AfterAssign(ctx, agentCopy, tr)
	return agentID, true
}

// pickAgentLocked selects among idle/active agents of the role by capacity
// descending, then backlog ascending. Caller holds c.mu.
func (c *Coordinator) pickAgentLocked(role AgentType, exclude string) *Agent {
	var best *Agent
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := c.agents[id]
		if a.Type != role || a.ID == exclude {
			continue
		}
		if a.Status != StatusIdle && a.Status != StatusActive {
			continue
		}
		if best == nil ||
			a.Capacity > best.Capacity ||
			(a.Capacity == best.Capacity && len(a.Tasks) < len(best.Tasks)) {
			best = a
		}
	}
	return best
}

// pushPendingLocked parks a transition on the role's pending list, kept in
// priority order with arrival as the tie-break. Caller holds c.mu.
func (c *Coordinator) pushPendingLocked(role AgentType, tr Transition, nowMs int64) {
	list := c.pending[role]
	item := pendingAssignment{tr: tr, queuedMs: nowMs}
	pos := len(list)
	for i, p := range list {
		if tr.Priority > p.tr.Priority {
			pos = i
			break
		}
	}
	list = append(list, pendingAssignment{})
	copy(list[pos+1:], list[pos:])
	list[pos] = item
	c.pending[role] = list
}

// deliverAssignment sends the assignment message to the agent's dedicated
// queue; on enqueue failure, falls back to a best-effort bus ping so the
// agent can re-poll.
func (c *Coordinator) deliverAssignment(ctx context.Context, agentID string, tr Transition, nowMs int64) {
	msg := &CoordMessage{
		AgentID:          agentID,
		MessageType:      "prp_assignment",
		Priority:         tr.Priority,
		RequiresResponse: true,
		CorrelationID:    uuid.NewString(),
		Payload: map[string]interface{}{
			"task_id":      tr.TaskID,
			"from":         string(tr.From),
			"to":           string(tr.To),
			"data":         tr.Data,
			"reassignment": tr.Reassignment,
		},
	}
	if !c.sendCoord(ctx, agentQueue(agentID), msg, tr.Priority, nowMs) && c.bus != nil {
		if err := c.bus.Publish("agent."+agentID+".assign", []byte(tr.TaskID)); err != nil {
			c.logger.Warn("assignment fallback ping failed",
				logpkg.Str("agent", agentID), logpkg.Err(err))
		}
	}
}

// sendCoord enqueues a coordination message, returning delivery success.
func (c *Coordinator) sendCoord(ctx context.Context, queueName string, msg *CoordMessage, priority int, nowMs int64) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	_, err := c.broker.Enqueue(ctx, queueName, msg.ToPayload(), queue.EnqueueOptions{
		Priority:   priority,
		MaxRetries: -1,
		CreatedBy:  "coordinator",
		NowMs:      nowMs,
	})
	if err != nil {
		c.logger.Error("coordination send failed",
			logpkg.Str("queue", queueName),
			logpkg.Str("type", msg.MessageType),
			logpkg.Err(err))
		return false
	}
	return true
}

// CompleteTask acknowledges that an agent finished its task. The agent's
// next queued task becomes current, or the agent goes idle; then up to
// DrainLimit parked assignments for the role are retried.
func (c *Coordinator) CompleteTask(ctx context.Context, taskID, agentID string, nowMs int64) bool {
	nowMs = c.nowOr(nowMs)

	c.mu.Lock()
	a, ok := c.agents[agentID]
	if !ok || c.assignments[taskID].agentID != agentID {
		c.mu.Unlock()
		return false
	}
	delete(c.assignments, taskID)
	for i, id := range a.Tasks {
		if id == taskID {
			a.Tasks = append(a.Tasks[:i], a.Tasks[i+1:]...)
			break
		}
	}
	if len(a.Tasks) == 0 {
		a.Status = StatusIdle
	}
	role := a.Type
	c.mu.Unlock()

	c.drainPending(ctx, role, nowMs)
	return true
}

// drainPending retries up to DrainLimit parked assignments for a role.
// Still-unplaceable transitions go back at their original priority.
func (c *Coordinator) drainPending(ctx context.Context, role AgentType, nowMs int64) {
	for i := 0; i < c.drainLimit; i++ {
		c.mu.Lock()
		list := c.pending[role]
		if len(list) == 0 {
			c.mu.Unlock()
			return
		}
		item := list[0]
		c.pending[role] = list[1:]
		c.mu.Unlock()

		if _, ok := c.AssignTask(ctx, item.tr, nowMs); !ok {
			// AssignTask re-parked it; no agent freed up, stop trying.
			return
		}
	}
}

// Reassign pulls a task back from a failed agent and replays its recorded
// transition at elevated priority, skipping the failed agent during
// placement so the work stays with the same role. Tasks with no recorded
// assignment fall back to an in-progress transition.
func (c *Coordinator) Reassign(ctx context.Context, taskID, failedAgent string, nowMs int64) (string, bool) {
	nowMs = c.nowOr(nowMs)

	tr := Transition{
		TaskID: taskID,
		From:   TaskInProgress,
		To:     TaskInProgress,
	}

	c.mu.Lock()
	if st, ok := c.assignments[taskID]; ok && st.agentID == failedAgent {
		tr = st.tr
		delete(c.assignments, taskID)
		if a, okA := c.agents[failedAgent]; okA {
			for i, id := range a.Tasks {
				if id == taskID {
					a.Tasks = append(a.Tasks[:i], a.Tasks[i+1:]...)
					break
				}
			}
			if len(a.Tasks) == 0 && a.Status == StatusBusy {
				a.Status = StatusIdle
			}
		}
	}
	c.mu.Unlock()

	tr.Priority = reassignPriority
	tr.Reassignment = true
	c.logger.Warn("reassigning task",
		logpkg.Str("task", taskID), logpkg.Str("failed_agent", failedAgent))
	return c.assign(ctx, tr, failedAgent, nowMs)
}

// reassignPriority outranks normal transitions so orphaned work jumps the
// pending list.
const reassignPriority = 100
