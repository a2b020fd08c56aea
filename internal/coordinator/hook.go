package coordinator

import (
	"context"
	"encoding/json"

	"github.com/mirqtio/agentq/internal/notify"
	logpkg "github.com/mirqtio/agentq/pkg/log"
)

// AssignmentHook runs after a transition is placed with an agent. Hooks are
// best-effort: failures are the hook's problem, never the assignment's.
type AssignmentHook interface {
	AfterAssign(ctx context.Context, agent Agent, tr Transition)
}

// NopHook does nothing.
type NopHook struct{}

func (NopHook) AfterAssign(context.Context, Agent, Transition) {}

// QuestionsHook publishes a clarifying-questions prompt for the assigned
// role, nudging the agent to enumerate open questions before starting work.
type QuestionsHook struct {
	Bus    notify.Bus
	Logger logpkg.Logger
}

func (h QuestionsHook) AfterAssign(ctx context.Context, agent Agent, tr Transition) {
	if h.Bus == nil {
		return
	}
	prompt, err := json.Marshal(map[string]interface{}{
		"task_id":  tr.TaskID,
		"agent_id": agent.ID,
		"role":     string(agent.Type),
		"request":  "enumerate_open_questions",
	})
	if err != nil {
		return
	}
	if err := h.Bus.Publish("questions."+string(agent.Type), prompt); err != nil && h.Logger != nil {
		h.Logger.Warn("questions prompt failed",
			logpkg.Str("task", tr.TaskID), logpkg.Err(err))
	}
}
