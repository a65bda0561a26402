package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskFailed     TaskStatus = "failed"
	TaskErrored    TaskStatus = "errored"
)

// Terminal reports whether the status is terminal. Terminal states never
// transition back to non-terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskFailed, TaskErrored:
		return true
	}
	return false
}

// AssignmentScope selects how many agents a task targets.
type AssignmentScope string

const (
	ScopeSingle   AssignmentScope = "single"
	ScopeMultiple AssignmentScope = "multiple"
)

// AssignmentStrategy selects how assignees are chosen.
type AssignmentStrategy string

const (
	StrategyManual AssignmentStrategy = "manual"
	StrategyAuto   AssignmentStrategy = "auto"
)

// CoordinationMode governs how multi-assignee tasks complete.
type CoordinationMode string

const (
	// Collaborative tasks complete when the designated completion agent
	// finishes, or when every assignee has finished if none is set.
	Collaborative CoordinationMode = "collaborative"

	// Competitive tasks complete when any assignee finishes first.
	Competitive CoordinationMode = "competitive"

	// Sequential tasks advance a step pointer through the assignee list;
	// the task completes when the last step holder finishes.
	Sequential CoordinationMode = "sequential"
)

// TaskPriority orders tasks for dispatch.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// ValidPriority reports whether p is one of the allowed priorities.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TaskResult is the terminal payload recorded when a task finishes.
type TaskResult struct {
	Summary string `json:"summary,omitempty"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Task is a unit of work dispatched to one or more agents in a channel.
type Task struct {
	ID          string `json:"id"`
	ChannelID   string `json:"channel_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Scope    AssignmentScope    `json:"assignment_scope"`
	Strategy AssignmentStrategy `json:"assignment_strategy"`

	// AssignedAgentIDs is non-empty when Strategy is manual.
	AssignedAgentIDs []string `json:"assigned_agent_ids"`

	// LeadAgentID optionally names the coordinating assignee.
	LeadAgentID string `json:"lead_agent_id,omitempty"`

	// CompletionAgentID optionally names the assignee that decides the
	// task is done. When unset, per-coordination-mode rules apply.
	CompletionAgentID string `json:"completion_agent_id,omitempty"`

	Coordination CoordinationMode `json:"coordination_mode"`
	Priority     TaskPriority     `json:"priority"`

	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`

	// StepIndex is the sequential-mode step pointer into
	// AssignedAgentIDs.
	StepIndex int `json:"step_index,omitempty"`

	Result *TaskResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssignedTo reports whether agentID is one of the task's assignees.
func (t *Task) AssignedTo(agentID string) bool {
	for _, id := range t.AssignedAgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// CurrentStepHolder returns the sequential-mode step holder, or "" when
// the step pointer has run past the assignee list.
func (t *Task) CurrentStepHolder() string {
	if t.StepIndex < 0 || t.StepIndex >= len(t.AssignedAgentIDs) {
		return ""
	}
	return t.AssignedAgentIDs[t.StepIndex]
}

// Clone returns a deep copy safe to hand to readers outside the hub's
// writer discipline.
func (t *Task) Clone() *Task {
	cp := *t
	cp.AssignedAgentIDs = append([]string(nil), t.AssignedAgentIDs...)
	if t.Result != nil {
		res := *t.Result
		cp.Result = &res
	}
	return &cp
}

// MarshalResult encodes the terminal result for event payloads.
func (t *Task) MarshalResult() json.RawMessage {
	if t.Result == nil {
		return nil
	}
	data, err := json.Marshal(t.Result)
	if err != nil {
		return nil
	}
	return data
}
