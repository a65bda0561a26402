package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskCancelled, TaskFailed, TaskErrored}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %s", s)
	}
	live := []TaskStatus{TaskPending, TaskAssigned, TaskInProgress}
	for _, s := range live {
		assert.False(t, s.Terminal(), "status %s", s)
	}
}

func TestTerminalTaskEvent(t *testing.T) {
	terminal := []EventType{EventTaskCompleted, EventTaskCancelled, EventTaskFailed, EventTaskError}
	for _, e := range terminal {
		assert.True(t, TerminalTaskEvent(e), "event %s", e)
	}
	for _, e := range []EventType{EventTaskCreated, EventTaskAssigned, EventTaskStarted, EventToolCall} {
		assert.False(t, TerminalTaskEvent(e), "event %s", e)
	}
}

func TestValidPriority(t *testing.T) {
	assert.True(t, ValidPriority(PriorityLow))
	assert.True(t, ValidPriority(PriorityCritical))
	assert.False(t, ValidPriority(""))
	assert.False(t, ValidPriority("urgent"))
}

func TestTaskAssignedTo(t *testing.T) {
	task := &Task{AssignedAgentIDs: []string{"agent-1", "agent-2"}}
	assert.True(t, task.AssignedTo("agent-2"))
	assert.False(t, task.AssignedTo("agent-3"))
	assert.False(t, (&Task{}).AssignedTo("agent-1"))
}

func TestCurrentStepHolder(t *testing.T) {
	task := &Task{
		Coordination:     Sequential,
		AssignedAgentIDs: []string{"agent-1", "agent-2"},
	}
	assert.Equal(t, "agent-1", task.CurrentStepHolder())

	task.StepIndex = 1
	assert.Equal(t, "agent-2", task.CurrentStepHolder())

	// A pointer past the list means every step finished.
	task.StepIndex = 2
	assert.Equal(t, "", task.CurrentStepHolder())

	task.StepIndex = -1
	assert.Equal(t, "", task.CurrentStepHolder())
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:               "task-1",
		AssignedAgentIDs: []string{"agent-1", "agent-2"},
		Result:           &TaskResult{Success: true, Summary: "done"},
	}
	cp := orig.Clone()

	cp.AssignedAgentIDs[0] = "mutated"
	cp.Result.Summary = "mutated"

	assert.Equal(t, "agent-1", orig.AssignedAgentIDs[0])
	assert.Equal(t, "done", orig.Result.Summary)
}

func TestTaskCloneNilResult(t *testing.T) {
	cp := (&Task{ID: "task-1"}).Clone()
	assert.Nil(t, cp.Result)
	assert.Nil(t, (&Task{}).MarshalResult())
}

func TestChannelHasMember(t *testing.T) {
	channel := &Channel{Members: []string{"agent-1"}}
	assert.True(t, channel.HasMember("agent-1"))
	assert.False(t, channel.HasMember("agent-2"))
	assert.False(t, (&Channel{}).HasMember("agent-1"))
}

func TestAgentToolExempt(t *testing.T) {
	agent := &Agent{CircuitBreakerExemptTools: []string{"check_task_status"}}
	assert.True(t, agent.ToolExempt("check_task_status"))
	assert.False(t, agent.ToolExempt("web_search"))
	assert.False(t, (&Agent{}).ToolExempt("check_task_status"))
}

func TestEventDataRoundTrip(t *testing.T) {
	payload := TaskEventPayload{
		TaskID: "task-1",
		Status: TaskCompleted,
		Result: &TaskResult{Success: true, Summary: "shipped"},
	}
	data := EncodeEventData(payload)
	require.NotNil(t, data)

	var got TaskEventPayload
	require.NoError(t, DecodeEventData(data, &got))
	assert.Equal(t, payload.TaskID, got.TaskID)
	assert.Equal(t, payload.Status, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "shipped", got.Result.Summary)

	assert.Nil(t, EncodeEventData(nil))
}
