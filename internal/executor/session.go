package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/mxf/internal/llm"
	"github.com/haasonsaas/mxf/internal/prompt"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/pkg/models"
)

// outcome is the terminal state of one session.
type outcome int

const (
	// outcomeDone: the model replied with text only and never called
	// task_complete.
	outcomeDone outcome = iota
	outcomeCompleted
	outcomeCancelled
	outcomeExhausted
	outcomeBroken
	outcomeError

	// outcomeDispatched is the non-terminal dispatch result: results go
	// back to the model and the loop continues.
	outcomeDispatched
)

// parallelDispatchLimit bounds concurrent safe-parallel tool calls.
const parallelDispatchLimit = 4

// session is one attempt at advancing a task by one agent, bounded by
// maxIterations.
type session struct {
	e       *Executor
	task    *models.Task
	channel *models.Channel

	// breaker counts (tool, argsFingerprint) occurrences across the
	// session.
	breaker    map[string]int
	brokenCall string

	iterations int
	failure    error
}

func newSession(e *Executor, task *models.Task) *session {
	return &session{
		e:       e,
		task:    task,
		breaker: make(map[string]int),
	}
}

// run drives the iteration loop to a terminal state and emits exactly
// one terminal task event.
func (s *session) run(ctx context.Context) {
	e := s.e
	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
		defer e.metrics.ActiveSessions.Dec()
	}

	start := time.Now()
	result := s.iterate(ctx)
	s.finish(ctx, result)

	if e.metrics != nil {
		e.metrics.SessionIterations.Observe(float64(s.iterations))
		e.metrics.SessionCounter.WithLabelValues(s.outcomeLabel(result)).Inc()
	}
	e.logger.Info("session finished",
		"task_id", s.task.ID,
		"outcome", s.outcomeLabel(result),
		"iterations", s.iterations,
		"duration", time.Since(start))
}

func (s *session) iterate(ctx context.Context) outcome {
	e := s.e

	channel, ok := e.hub.Channel(s.task.ChannelID)
	if !ok {
		s.failure = fmt.Errorf("channel %s not found", s.task.ChannelID)
		return outcomeError
	}
	s.channel = channel

	maxIterations := e.maxIterations()
	for s.iterations = 1; s.iterations <= maxIterations; s.iterations++ {
		if ctx.Err() != nil {
			return outcomeCancelled
		}

		parsed, err := s.callLLM(ctx)
		if err != nil {
			var lerr *llm.Error
			if errors.As(err, &lerr) && lerr.Kind == models.KindCancelled {
				return outcomeCancelled
			}
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			s.failure = err
			return outcomeError
		}

		e.memory.Append(models.ConversationTurn{
			Role:      models.RoleAssistant,
			Content:   parsed.Text,
			ToolCalls: parsed.ToolCalls,
		})

		if !parsed.HasToolCalls() {
			// Replying: text only, no completion.
			return outcomeDone
		}

		results, out := s.dispatch(ctx, parsed.ToolCalls)
		switch out {
		case outcomeCompleted, outcomeBroken, outcomeCancelled:
			return out
		}

		// Feeding: results go back to the model as one tool_result
		// turn.
		e.memory.Append(models.ConversationTurn{
			Role:        models.RoleToolResult,
			ToolResults: results,
		})
	}
	s.iterations = maxIterations
	return outcomeExhausted
}

// callLLM assembles the prompt and runs one gateway completion,
// emitting LLM_REASONING and LLM_RESPONSE events.
func (s *session) callLLM(ctx context.Context) (*llm.ParsedResponse, error) {
	e := s.e

	catalog := e.registry.ListFor(s.channel, e.agent)
	p := e.asm.Assemble(prompt.Inputs{
		AgentID:         e.agent.ID,
		AgentName:       e.agent.Name,
		SystemPrompt:    e.agent.SystemPrompt,
		Task:            s.task,
		Turns:           e.memory.Turns(),
		Actions:         e.memory.RecentActions(0),
		ChannelActivity: e.recentActivity(),
		Tools:           catalog,
	})

	parsed, err := e.gateway.Complete(ctx, e.agent.LLM.Provider, &llm.Request{
		AgentID:     e.agent.ID,
		Model:       e.agent.LLM.Model,
		System:      p.System,
		Messages:    p.Messages,
		Tools:       p.Tools,
		Temperature: e.agent.LLM.Temperature,
		MaxTokens:   e.agent.LLM.MaxTokens,
		Reasoning:   e.agent.LLM.ReasoningEnabled,
	})
	if err != nil {
		return nil, err
	}

	if parsed.Reasoning != "" {
		e.memory.RecordReasoning(models.ReasoningEntry{Content: parsed.Reasoning})
		s.emit(models.EventLLMReasoning, models.LLMEventPayload{
			Content:   parsed.Reasoning,
			Iteration: s.iterations,
		})
	}
	s.emit(models.EventLLMResponse, models.LLMEventPayload{
		Content:   parsed.Text,
		Iteration: s.iterations,
	})
	return parsed, nil
}

// dispatch executes one turn's tool calls. Calls run sequentially in
// declared order unless every call in the batch is safe-parallel.
// Terminal tools short-circuit the batch; the circuit breaker is
// checked on every dispatch attempt.
func (s *session) dispatch(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, outcome) {
	for _, call := range calls {
		if s.tripped(call) {
			s.brokenCall = call.Name
			return nil, outcomeBroken
		}
	}

	if s.allSafeParallel(calls) {
		return s.dispatchParallel(ctx, calls)
	}

	var results []models.ToolResult
	for _, call := range calls {
		if ctx.Err() != nil {
			return results, outcomeCancelled
		}
		result := s.invoke(ctx, call)
		results = append(results, result.ToToolResult(call.ID))

		if s.isTerminal(call.Name) && result.OK() {
			// Remaining calls in the batch are discarded.
			return results, outcomeCompleted
		}
	}
	return results, outcomeDispatched
}

// dispatchParallel runs a batch of safe-parallel calls concurrently and
// collects results in declared order.
func (s *session) dispatchParallel(ctx context.Context, calls []models.ToolCall) ([]models.ToolResult, outcome) {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, parallelDispatchLimit)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = s.invoke(ctx, call).ToToolResult(call.ID)
		}(i, call)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return results, outcomeCancelled
	}
	return results, outcomeDispatched
}

// invoke runs one tool call end to end: TOOL_CALL event, registry
// invocation under the per-tool timeout, TOOL_RESULT event, action log
// entry.
func (s *session) invoke(ctx context.Context, call models.ToolCall) tools.Result {
	e := s.e

	s.emit(models.EventToolCall, models.ToolEventPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Args:       call.Args,
	})

	var result tools.Result
	desc, known := e.registry.Get(s.channel.ID, call.Name)
	switch {
	case known && desc.Orchestration && !s.channel.SystemLLMEnabled:
		result = tools.Fail(models.KindNotPermitted,
			"channel has system LLM operations disabled")
	default:
		callCtx := ctx
		cancel := func() {}
		if d := e.toolTimeout(call.Name, known && desc.Blocking); d > 0 {
			callCtx, cancel = context.WithTimeout(ctx, d)
		}
		start := time.Now()
		result = e.registry.Invoke(callCtx, &tools.Invocation{
			Agent:   e.agent,
			Channel: s.channel,
			Task:    s.task,
			CallID:  call.ID,
			Args:    call.Args,
		}, call.Name)
		cancel()

		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !result.OK() {
			result = tools.Fail(models.KindTimeout, `{"timed_out":true}`)
		}
		if e.metrics != nil {
			status := "success"
			if !result.OK() {
				status = "error"
			}
			e.metrics.ToolInvocationCounter.WithLabelValues(call.Name, string(desc.Origin), status).Inc()
			e.metrics.ToolInvocationDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
		}
	}

	wire := result.ToToolResult(call.ID)
	s.emit(models.EventToolResult, models.ToolEventPayload{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    wire.Content,
		IsError:    wire.IsError,
	})

	e.memory.RecordAction(models.ActionEntry{
		Tool:        call.Name,
		Description: describeCall(call),
		Input:       string(call.Args),
		Result:      wire.Content,
	})
	return result
}

// tripped counts this dispatch attempt and reports whether it is the
// trip-count-th identical invocation of a non-exempt tool.
func (s *session) tripped(call models.ToolCall) bool {
	if s.e.agent.ToolExempt(call.Name) {
		return false
	}
	key := call.Name + ":" + fingerprint(call.Args)
	s.breaker[key]++
	return s.breaker[key] >= s.e.tripCount()
}

func (s *session) allSafeParallel(calls []models.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, call := range calls {
		desc, ok := s.e.registry.Get(s.channel.ID, call.Name)
		if !ok || !desc.SafeParallel {
			return false
		}
	}
	return true
}

func (s *session) isTerminal(name string) bool {
	desc, ok := s.e.registry.Get(s.channel.ID, name)
	return ok && desc.Terminal
}

// finish emits the session's single terminal event and reports the
// session end to the hub.
func (s *session) finish(ctx context.Context, result outcome) {
	e := s.e
	// Terminal reporting runs even when the session context was
	// cancelled.
	reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch result {
	case outcomeCompleted:
		s.emitTerminal(models.EventTaskCompleted, "", s.completionResult(ctx))

	case outcomeCancelled:
		reason := e.cancelReason()
		e.memory.Append(models.ConversationTurn{
			Role:    models.RoleSystem,
			Content: "[task cancelled: " + reason + "]",
		})
		s.emitTerminal(models.EventTaskCancelled, reason, nil)
		e.hub.RecordSessionEnd(reportCtx, s.task.ID, e.agent.ID, reason)

	case outcomeExhausted:
		reason := string(models.KindMaxIterationsExceeded)
		s.emitTerminal(models.EventTaskFailed, reason, nil)
		e.hub.RecordSessionEnd(reportCtx, s.task.ID, e.agent.ID, reason)

	case outcomeBroken:
		reason := string(models.KindCircuitBreakerTripped)
		if s.brokenCall != "" {
			reason = fmt.Sprintf("%s: %s", reason, s.brokenCall)
		}
		s.emitTerminal(models.EventTaskFailed, reason, nil)
		e.hub.RecordSessionEnd(reportCtx, s.task.ID, e.agent.ID, reason)

	case outcomeError:
		reason := "internal error"
		if s.failure != nil {
			reason = s.failure.Error()
		}
		s.emitTerminal(models.EventTaskError, reason, nil)
		e.hub.RecordSessionEnd(reportCtx, s.task.ID, e.agent.ID, reason)

	default: // outcomeDone
		reason := "session ended without completion"
		s.emitTerminal(models.EventTaskFailed, reason, nil)
		e.hub.RecordSessionEnd(reportCtx, s.task.ID, e.agent.ID, reason)
	}
}

// completionResult fetches the recorded result from the hub's task
// view; the tool handler stored it via RecordCompletion.
func (s *session) completionResult(ctx context.Context) *models.TaskResult {
	task, err := s.e.hub.Task(ctx, s.task.ID)
	if err != nil {
		return nil
	}
	return task.Result
}

func (s *session) emit(t models.EventType, payload any) {
	s.e.hub.EmitAgentEvent(s.e.agent.ID, &models.Event{
		Type:      t,
		AgentID:   s.e.agent.ID,
		ChannelID: s.task.ChannelID,
		TaskID:    s.task.ID,
		Data:      models.EncodeEventData(payload),
	})
}

func (s *session) emitTerminal(t models.EventType, reason string, result *models.TaskResult) {
	s.emit(t, models.TaskEventPayload{
		TaskID: s.task.ID,
		Reason: reason,
		Result: result,
	})
}

func (s *session) outcomeLabel(o outcome) string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeCancelled:
		return "cancelled"
	case outcomeExhausted:
		return "exhausted"
	case outcomeBroken:
		return "broken"
	case outcomeError:
		return "error"
	default:
		return "done"
	}
}

// fingerprint hashes the canonical JSON encoding of the arguments so
// key order does not defeat the repeat-call detector.
func fingerprint(args json.RawMessage) string {
	var value any
	if len(args) > 0 && json.Unmarshal(args, &value) == nil {
		if canonical, err := json.Marshal(value); err == nil {
			args = canonical
		}
	}
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:])
}

func describeCall(call models.ToolCall) string {
	if len(call.Args) == 0 || string(call.Args) == "{}" {
		return call.Name + "()"
	}
	args := string(call.Args)
	if len(args) > 120 {
		args = args[:117] + "..."
	}
	return call.Name + "(" + args + ")"
}
