package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mxf/pkg/models"
)

// ErrInvalidTask categorizes task-spec validation failures.
var ErrInvalidTask = errors.New("hub: invalid task spec")

// TaskSpec is the external task-creation request.
type TaskSpec struct {
	ChannelID   string `json:"channel_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Scope    models.AssignmentScope    `json:"assignment_scope,omitempty"`
	Strategy models.AssignmentStrategy `json:"assignment_strategy,omitempty"`

	AssignedAgentIDs  []string `json:"assigned_agent_ids,omitempty"`
	LeadAgentID       string   `json:"lead_agent_id,omitempty"`
	CompletionAgentID string   `json:"completion_agent_id,omitempty"`

	Coordination models.CoordinationMode `json:"coordination_mode,omitempty"`
	Priority     models.TaskPriority     `json:"priority,omitempty"`
}

// CreateTask validates the spec, persists the task, and dispatches
// assignments. The task passes through pending before assigned;
// TASK_CREATED is emitted on the channel, then TASK_ASSIGNED to each
// dispatched assignee. Sequential tasks dispatch only the current step
// holder; the next holder is dispatched when the step advances.
func (h *Hub) CreateTask(ctx context.Context, spec TaskSpec) (*models.Task, error) {
	task, err := h.buildTask(spec)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskPending
	if err := h.records.PutTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	task.Status = models.TaskAssigned
	task.UpdatedAt = time.Now()
	if err := h.records.PutTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	h.mu.Lock()
	h.tasks[task.ID] = &taskState{
		task:          task,
		completions:   make(map[string]*models.TaskResult),
		sessionsEnded: make(map[string]bool),
	}
	h.mu.Unlock()

	h.bus.EmitChannelEvent(task.ChannelID, &models.Event{
		Type:      models.EventTaskCreated,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Data: models.EncodeEventData(models.TaskEventPayload{
			TaskID: task.ID,
			Status: models.TaskAssigned,
		}),
	})

	for _, agentID := range h.dispatchTargets(task) {
		h.emitAssigned(task, agentID)
	}

	h.logger.Info("task created",
		"task_id", task.ID,
		"channel_id", task.ChannelID,
		"assignees", task.AssignedAgentIDs,
		"coordination", task.Coordination)
	return task.Clone(), nil
}

func (h *Hub) buildTask(spec TaskSpec) (*models.Task, error) {
	h.mu.RLock()
	channel, ok := h.channels[spec.ChannelID]
	var online []string
	for id := range h.online[spec.ChannelID] {
		online = append(online, id)
	}
	h.mu.RUnlock()
	if !ok {
		return nil, ErrChannelNotFound
	}
	if spec.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}

	scope := spec.Scope
	if scope == "" {
		scope = models.ScopeSingle
	}
	strategy := spec.Strategy
	if strategy == "" {
		strategy = models.StrategyManual
	}
	coordination := spec.Coordination
	if coordination == "" {
		coordination = models.Collaborative
	}
	priority := spec.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !models.ValidPriority(priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, priority)
	}

	assignees := append([]string(nil), spec.AssignedAgentIDs...)
	switch strategy {
	case models.StrategyManual:
		if len(assignees) == 0 {
			return nil, fmt.Errorf("%w: manual strategy requires assignees", ErrInvalidTask)
		}
	case models.StrategyAuto:
		assignees = h.autoAssign(channel, online, scope)
		if len(assignees) == 0 {
			return nil, fmt.Errorf("%w: no agents available for auto assignment", ErrInvalidTask)
		}
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidTask, strategy)
	}

	if scope == models.ScopeSingle && len(assignees) != 1 {
		return nil, fmt.Errorf("%w: single scope requires exactly one assignee, got %d", ErrInvalidTask, len(assignees))
	}
	for _, id := range assignees {
		if !channel.HasMember(id) {
			return nil, fmt.Errorf("%w: assignee %s is not a channel member", ErrInvalidTask, id)
		}
	}
	if spec.CompletionAgentID != "" && !contains(assignees, spec.CompletionAgentID) {
		return nil, fmt.Errorf("%w: completion agent %s is not an assignee", ErrInvalidTask, spec.CompletionAgentID)
	}

	now := time.Now()
	return &models.Task{
		ID:                uuid.NewString(),
		ChannelID:         spec.ChannelID,
		Title:             spec.Title,
		Description:       spec.Description,
		Scope:             scope,
		Strategy:          strategy,
		AssignedAgentIDs:  assignees,
		LeadAgentID:       spec.LeadAgentID,
		CompletionAgentID: spec.CompletionAgentID,
		Coordination:      coordination,
		Priority:          priority,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// autoAssign picks assignees: every member for multiple scope, the
// first online member (or first member when none is online) for single.
func (h *Hub) autoAssign(channel *models.Channel, online []string, scope models.AssignmentScope) []string {
	if scope == models.ScopeMultiple {
		return append([]string(nil), channel.Members...)
	}
	for _, id := range channel.Members {
		if contains(online, id) {
			return []string{id}
		}
	}
	if len(channel.Members) > 0 {
		return []string{channel.Members[0]}
	}
	return nil
}

// dispatchTargets returns the assignees that receive TASK_ASSIGNED now.
func (h *Hub) dispatchTargets(task *models.Task) []string {
	if task.Coordination == models.Sequential {
		if holder := task.CurrentStepHolder(); holder != "" {
			return []string{holder}
		}
		return nil
	}
	return task.AssignedAgentIDs
}

func (h *Hub) emitAssigned(task *models.Task, agentID string) {
	h.bus.EmitAgentEvent(agentID, &models.Event{
		Type:      models.EventTaskAssigned,
		AgentID:   agentID,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Data: models.EncodeEventData(models.TaskEventPayload{
			TaskID: task.ID,
			Status: models.TaskAssigned,
		}),
	})
}

// Task returns a copy of a live or persisted task.
func (h *Hub) Task(ctx context.Context, taskID string) (*models.Task, error) {
	h.mu.RLock()
	if state, ok := h.tasks[taskID]; ok {
		task := state.task.Clone()
		h.mu.RUnlock()
		return task, nil
	}
	h.mu.RUnlock()
	task, err := h.records.GetTask(ctx, taskID)
	if err != nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// LiveTasks returns the IDs of non-terminal tasks in a channel.
func (h *Hub) LiveTasks(channelID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for id, state := range h.tasks {
		if state.task.ChannelID == channelID && !state.task.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// StartTask transitions a task to in_progress when an executor begins a
// session for it. Idempotent across assignees.
func (h *Hub) StartTask(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	h.mu.Lock()
	state, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if state.task.Status.Terminal() {
		h.mu.Unlock()
		return nil, ErrTaskTerminal
	}
	changed := state.task.Status != models.TaskInProgress
	state.task.Status = models.TaskInProgress
	state.task.UpdatedAt = time.Now()
	task := state.task.Clone()
	h.mu.Unlock()

	if changed {
		if err := h.records.PutTask(ctx, task); err != nil {
			h.logger.Error("failed to persist task start", "task_id", taskID, "error", err)
		}
		h.bus.EmitChannelEvent(task.ChannelID, &models.Event{
			Type:      models.EventTaskStarted,
			AgentID:   agentID,
			ChannelID: task.ChannelID,
			TaskID:    taskID,
			Data: models.EncodeEventData(models.TaskEventPayload{
				TaskID: taskID,
				Status: models.TaskInProgress,
			}),
		})
	}
	return task, nil
}

// RecordCompletion records one assignee's task_complete and applies the
// coordination mode:
//
//   - competitive: the first completion finishes the task; later calls
//     are no-ops.
//   - collaborative: the designated completion agent finishes it; with
//     none designated, the task finishes when every assignee completed.
//   - sequential: the current step holder's completion advances the
//     step pointer and dispatches the next holder; the last step
//     finishes the task.
func (h *Hub) RecordCompletion(ctx context.Context, taskID, agentID, summary string, success bool) error {
	h.mu.Lock()
	state, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		// Competitive stragglers land here after the winner finished the
		// task; their call is a no-op.
		if persisted, err := h.records.GetTask(ctx, taskID); err == nil && persisted.Status.Terminal() {
			return nil
		}
		return ErrTaskNotFound
	}
	task := state.task
	if task.Status.Terminal() {
		h.mu.Unlock()
		return nil
	}
	if !task.AssignedTo(agentID) {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s is not assigned to task %s", ErrNotMember, agentID, taskID)
	}

	result := &models.TaskResult{Summary: summary, Success: success}
	state.completions[agentID] = result

	var done bool
	var nextHolder string
	switch task.Coordination {
	case models.Competitive:
		done = true
	case models.Sequential:
		if task.CurrentStepHolder() == agentID {
			task.StepIndex++
			if holder := task.CurrentStepHolder(); holder != "" {
				nextHolder = holder
			} else {
				done = true
			}
		}
	default: // collaborative
		if task.CompletionAgentID != "" {
			done = agentID == task.CompletionAgentID
		} else {
			done = len(state.completions) == len(task.AssignedAgentIDs)
		}
	}

	var snapshot *models.Task
	if done {
		task.Status = models.TaskCompleted
		task.Progress = 100
		task.Result = result
	}
	task.UpdatedAt = time.Now()
	snapshot = task.Clone()
	h.mu.Unlock()

	if err := h.records.PutTask(ctx, snapshot); err != nil {
		h.logger.Error("failed to persist task completion", "task_id", taskID, "error", err)
	}

	if nextHolder != "" {
		h.emitAssigned(snapshot, nextHolder)
	}
	if done {
		h.finish(snapshot, models.EventTaskCompleted, "")
	}
	return nil
}

// RecordSessionEnd notes that an assignee's session ended without
// completing the task. When every assignee's session has ended and the
// task is still live, the task fails: agents gave up or broke before
// anyone called task_complete.
func (h *Hub) RecordSessionEnd(ctx context.Context, taskID, agentID, reason string) {
	h.mu.Lock()
	state, ok := h.tasks[taskID]
	if !ok || state.task.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	state.sessionsEnded[agentID] = true

	allEnded := true
	for _, id := range state.task.AssignedAgentIDs {
		if !state.sessionsEnded[id] && state.completions[id] == nil {
			allEnded = false
			break
		}
	}
	var snapshot *models.Task
	if allEnded {
		state.task.Status = models.TaskFailed
		state.task.Result = &models.TaskResult{Success: false, Reason: reason}
		state.task.UpdatedAt = time.Now()
		snapshot = state.task.Clone()
	}
	h.mu.Unlock()

	if snapshot != nil {
		if err := h.records.PutTask(ctx, snapshot); err != nil {
			h.logger.Error("failed to persist task failure", "task_id", taskID, "error", err)
		}
		h.finish(snapshot, models.EventTaskFailed, reason)
	}
}

// CancelTask terminally cancels a task, aborting every assignee's
// in-flight session and broadcasting TASK_CANCELLED on the channel.
func (h *Hub) CancelTask(ctx context.Context, taskID, reason string) error {
	h.mu.Lock()
	state, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		if persisted, err := h.records.GetTask(ctx, taskID); err == nil && persisted.Status.Terminal() {
			return ErrTaskTerminal
		}
		return ErrTaskNotFound
	}
	if state.task.Status.Terminal() {
		h.mu.Unlock()
		return ErrTaskTerminal
	}
	state.task.Status = models.TaskCancelled
	state.task.Result = &models.TaskResult{Success: false, Reason: reason}
	state.task.UpdatedAt = time.Now()
	snapshot := state.task.Clone()
	var cancels []Canceller
	for _, id := range snapshot.AssignedAgentIDs {
		if c, ok := h.cancellers[id]; ok {
			cancels = append(cancels, c)
		}
	}
	h.mu.Unlock()

	if err := h.records.PutTask(ctx, snapshot); err != nil {
		h.logger.Error("failed to persist task cancellation", "task_id", taskID, "error", err)
	}
	for _, cancel := range cancels {
		cancel(taskID, reason)
	}
	h.finish(snapshot, models.EventTaskCancelled, reason)
	return nil
}

// finish broadcasts the channel-level terminal event and drops the live
// task state.
func (h *Hub) finish(task *models.Task, event models.EventType, reason string) {
	h.bus.EmitChannelEvent(task.ChannelID, &models.Event{
		Type:      event,
		ChannelID: task.ChannelID,
		TaskID:    task.ID,
		Data: models.EncodeEventData(models.TaskEventPayload{
			TaskID: task.ID,
			Status: task.Status,
			Reason: reason,
			Result: task.Result,
		}),
	})

	h.mu.Lock()
	delete(h.tasks, task.ID)
	h.mu.Unlock()

	h.logger.Info("task finished",
		"task_id", task.ID,
		"status", task.Status,
		"reason", reason)
}

func contains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}
