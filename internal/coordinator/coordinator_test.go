package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirqtio/agentq/internal/notify"
	"github.com/mirqtio/agentq/internal/queue"
	pebblestore "github.com/mirqtio/agentq/internal/storage/pebble"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

func openTestCoordinator(t *testing.T, opts Options) (*Coordinator, *queue.Broker) {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	broker := queue.New(db, "test", queue.Options{Logger: logpkg.NewNop()})
	if opts.DispatchBlock == 0 {
		opts.DispatchBlock = 10 * time.Millisecond
	}
	return New(broker, opts), broker
}

func TestRegisterAgentUpsertAndConfirmation(t *testing.T) {
	c, broker := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 0.5, 1000))
	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 0.9, 2000))

	a, ok := c.Agent("dev-1")
	require.True(t, ok)
	assert.Equal(t, 0.9, a.Capacity)
	assert.Equal(t, StatusIdle, a.Status)
	assert.Equal(t, int64(2000), a.LastHeartbeatMs)

	// both registrations confirmed on the dedicated queue
	for i := 0; i < 2; i++ {
		_, m, err := broker.Dequeue(ctx, []string{"agent.dev-1"}, "t", 0, 3000)
		require.NoError(t, err)
		require.NotNil(t, m, "confirmation %d", i)
		cm, err := CoordFromPayload(m.Payload)
		require.NoError(t, err)
		assert.Equal(t, "registration_confirmation", cm.MessageType)
		assert.Equal(t, "dev-1", cm.AgentID)
		assert.NotEmpty(t, cm.CorrelationID)
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	assert.Error(t, c.RegisterAgent(ctx, "", AgentDeveloper, 0.5, 1000))
	assert.Error(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.5, 1000))
}

func TestAssignPicksHighestCapacity(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "slow", AgentDeveloper, 0.3, 1000))
	require.NoError(t, c.RegisterAgent(ctx, "fast", AgentDeveloper, 0.9, 1000))

	agentID, ok := c.AssignTask(ctx, Transition{TaskID: "T1", From: TaskNew, To: TaskInProgress}, 1000)
	require.True(t, ok)
	assert.Equal(t, "fast", agentID)
}

func TestAssignCompleteLifecycle(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))

	agentID, ok := c.AssignTask(ctx, Transition{TaskID: "T1", From: TaskNew, To: TaskInProgress}, 1000)
	require.True(t, ok)
	require.Equal(t, "dev-1", agentID)

	a, _ := c.Agent("dev-1")
	assert.Equal(t, StatusBusy, a.Status)
	assert.Equal(t, "T1", a.Current())

	require.True(t, c.CompleteTask(ctx, "T1", "dev-1", 2000))
	a, _ = c.Agent("dev-1")
	assert.Equal(t, StatusIdle, a.Status)
	assert.Empty(t, a.Current())
}

func TestCompleteUnownedTaskFails(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))
	assert.False(t, c.CompleteTask(ctx, "T1", "dev-1", 1000))
}

func TestRoleRouting(t *testing.T) {
	cases := []struct {
		tr   Transition
		want AgentType
	}{
		{Transition{To: TaskValidated}, AgentValidator},
		{Transition{To: TaskComplete}, AgentValidator},
		{Transition{To: TaskInProgress}, AgentDeveloper},
		{Transition{To: TaskInProgress, Data: map[string]interface{}{"integration": true}}, AgentIntegrator},
		{Transition{To: TaskInProgress, Data: map[string]interface{}{"work_type": "integration"}}, AgentIntegrator},
		{Transition{To: TaskNew}, AgentDeveloper},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, roleFor(tc.tr), "to=%s data=%v", tc.tr.To, tc.tr.Data)
	}
}

func TestNoAgentParksAssignment(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	agentID, ok := c.AssignTask(ctx, Transition{TaskID: "T1", To: TaskInProgress}, 1000)
	assert.False(t, ok)
	assert.Empty(t, agentID)
	assert.Equal(t, 1, c.PendingAssignments()[AgentDeveloper])
}

func TestCompletionDrainsPending(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))
	_, ok := c.AssignTask(ctx, Transition{TaskID: "T1", To: TaskInProgress}, 1000)
	require.True(t, ok)

	// parked while the only developer is busy; highest priority first
	c.AssignTask(ctx, Transition{TaskID: "T2", To: TaskInProgress, Priority: 1}, 1100)
	c.AssignTask(ctx, Transition{TaskID: "T3", To: TaskInProgress, Priority: 9}, 1200)
	require.Equal(t, 2, c.PendingAssignments()[AgentDeveloper])

	require.True(t, c.CompleteTask(ctx, "T1", "dev-1", 2000))

	// highest priority placed first; the agent is busy again so the drain
	// re-parks the rest
	a, _ := c.Agent("dev-1")
	assert.Equal(t, StatusBusy, a.Status)
	assert.Equal(t, "T3", a.Current())
	assert.Equal(t, 1, c.PendingAssignments()[AgentDeveloper])
}

func TestUnregisterReassignsAndDrains(t *testing.T) {
	c, broker := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))
	require.NoError(t, c.RegisterAgent(ctx, "dev-2", AgentDeveloper, 0.8, 1000))

	_, ok := c.AssignTask(ctx, Transition{TaskID: "T1", To: TaskInProgress}, 1000)
	require.True(t, ok)

	// park an undelivered validation message on dev-1's dedicated queue
	_, err := broker.Enqueue(ctx, "agent.dev-1", map[string]interface{}{
		"message_type": "validation_request",
		"task_id":      "V9",
	}, queue.DefaultEnqueueOptions())
	require.NoError(t, err)

	require.NoError(t, c.UnregisterAgent(ctx, "dev-1", 2000))

	_, registered := c.Agent("dev-1")
	assert.False(t, registered)

	// the open task moved to the surviving developer
	a, _ := c.Agent("dev-2")
	assert.Contains(t, a.Tasks, "T1")

	// the undelivered message landed on the validation workflow queue
	_, m, err := broker.Dequeue(ctx, []string{"validation"}, "t", 0, 3000)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "validation_request", m.Payload["message_type"])
}

func TestWorkflowQueueRouting(t *testing.T) {
	cases := map[string]string{
		"prp_assignment":      "development",
		"validation_request":  "validation",
		"integration_request": "integration",
		"something_else":      "coordination",
	}
	for mt, want := range cases {
		got := workflowQueueFor(map[string]interface{}{"message_type": mt})
		assert.Equal(t, want, got, mt)
	}
}

func TestHeartbeatHealthPartition(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "fresh", AgentDeveloper, 1.0, 1000))
	require.NoError(t, c.RegisterAgent(ctx, "stale", AgentDeveloper, 1.0, 1000))

	now := int64(1000 + 6*60*1000)
	require.True(t, c.UpdateHeartbeat("fresh", "", now))
	assert.False(t, c.UpdateHeartbeat("ghost", "", now))

	healthy, unhealthy := c.CheckAgentHealth(now)
	assert.Equal(t, []string{"fresh"}, healthy)
	assert.Equal(t, []string{"stale"}, unhealthy)

	// staleness does not unregister
	_, still := c.Agent("stale")
	assert.True(t, still)
}

func TestHeartbeatStatusUpdate(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))
	require.True(t, c.UpdateHeartbeat("dev-1", StatusActive, 2000))
	a, _ := c.Agent("dev-1")
	assert.Equal(t, StatusActive, a.Status)
}

func TestQuestionsHookFiresOnAssign(t *testing.T) {
	bus := notify.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	sub, err := bus.Subscribe("questions.developer")
	require.NoError(t, err)

	c, _ := openTestCoordinator(t, Options{
		Bus:  bus,
		Hook: QuestionsHook{Bus: bus, Logger: logpkg.NewNop()},
	})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))
	_, ok := c.AssignTask(ctx, Transition{TaskID: "T1", To: TaskInProgress}, 1000)
	require.True(t, ok)

	select {
	case ev := <-sub.Events():
		assert.Contains(t, string(ev.Data), "T1")
		assert.Contains(t, string(ev.Data), "enumerate_open_questions")
	case <-time.After(time.Second):
		t.Fatal("questions prompt not published")
	}
}

func TestReassignKeepsRole(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.RegisterAgent(ctx, "val-1", AgentValidator, 0.9, 1000))
	require.NoError(t, c.RegisterAgent(ctx, "val-2", AgentValidator, 0.5, 1000))
	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 1000))

	agentID, ok := c.AssignTask(ctx, Transition{TaskID: "T1", From: TaskNew, To: TaskValidated}, 1000)
	require.True(t, ok)
	require.Equal(t, "val-1", agentID)

	// validator work stays with a validator, and not the one it came from
	moved, ok := c.Reassign(ctx, "T1", "val-1", 2000)
	require.True(t, ok)
	assert.Equal(t, "val-2", moved)

	d, _ := c.Agent("dev-1")
	assert.Empty(t, d.Tasks)
	v1, _ := c.Agent("val-1")
	assert.Empty(t, v1.Tasks)
	assert.Equal(t, StatusIdle, v1.Status)
}

func TestReassignElevatesPriority(t *testing.T) {
	c, _ := openTestCoordinator(t, Options{})
	ctx := context.Background()

	// no agents: reassignment parks at elevated priority ahead of earlier work
	c.AssignTask(ctx, Transition{TaskID: "T1", To: TaskInProgress, Priority: 5}, 1000)
	c.Reassign(ctx, "T2", "gone", 1100)

	require.NoError(t, c.RegisterAgent(ctx, "dev-1", AgentDeveloper, 1.0, 2000))
	// a completion-style drain isn't available; assign directly to trigger it
	c.drainPending(ctx, AgentDeveloper, 2000)

	a, _ := c.Agent("dev-1")
	require.NotEmpty(t, a.Tasks)
	assert.Equal(t, "T2", a.Current())
}
