package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/llm"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/internal/userinput"
	"github.com/haasonsaas/mxf/pkg/models"
)

// scriptedProvider returns canned responses keyed by call number.
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	next  func(ctx context.Context, call int) (*llm.Response, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.next(ctx, call)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// respondWith scripts a fixed response sequence; calls past the end get
// a text-only reply.
func respondWith(responses ...*llm.Response) *scriptedProvider {
	return &scriptedProvider{next: func(ctx context.Context, call int) (*llm.Response, error) {
		if call <= len(responses) {
			return responses[call-1], nil
		}
		return &llm.Response{Text: "nothing more to do"}, nil
	}}
}

func toolCallResponse(callID, name, args string) *llm.Response {
	return &llm.Response{ToolCalls: []models.ToolCall{{
		ID:   callID,
		Name: name,
		Args: json.RawMessage(args),
	}}}
}

func completeResponse(callID, summary string) *llm.Response {
	return toolCallResponse(callID, tools.NameTaskComplete,
		fmt.Sprintf(`{"summary":%q}`, summary))
}

type harness struct {
	t        *testing.T
	hub      *hub.Hub
	records  *store.Records
	registry *tools.Registry
	bridge   *userinput.Bridge
	provider *scriptedProvider
	exec     *Executor
	agent    *models.Agent
	channel  *models.Channel
	agentSub *hub.Subscription
	chanSub  *hub.Subscription
}

func newHarness(t *testing.T, cfg Config, provider *scriptedProvider, extra ...tools.Tool) *harness {
	t.Helper()
	records := store.NewRecords(store.NewMemoryKV())
	h := hub.New(nil, nil, records, nil)
	registry := tools.NewRegistry(nil)
	bridge := userinput.New(nil, nil, h)
	require.NoError(t, tools.RegisterBuiltins(registry, h, h, bridge))

	allowedNames := []string{
		tools.NameTaskComplete,
		tools.NameMessagingSend,
		tools.NameUserInput,
		tools.NameRequestUserInput,
		tools.NameGetUserInput,
		tools.NameToolsRecommend,
	}
	for _, tool := range extra {
		require.NoError(t, registry.Register(tool))
		allowedNames = append(allowedNames, tool.Descriptor().Name)
	}

	gw := llm.NewGateway(llm.Config{Concurrency: 1, RetryBackoff: time.Millisecond}, nil, nil)
	gw.RegisterProvider(provider)
	t.Cleanup(gw.Close)

	channel := &models.Channel{
		ID:           "chan-1",
		Name:         "test",
		Members:      []string{"agent-1"},
		AllowedTools: allowedNames,
	}
	h.RegisterChannel(channel)

	agent := &models.Agent{
		ID:           "agent-1",
		Name:         "Tester",
		ChannelID:    "chan-1",
		LLM:          models.LLMConfig{Provider: "scripted", Model: "test-model"},
		AllowedTools: allowedNames,
	}

	agentSub := h.Bus().SubscribeAgent("agent-1")
	chanSub := h.Bus().SubscribeChannel("chan-1")
	t.Cleanup(agentSub.Close)
	t.Cleanup(chanSub.Close)

	e := New(agent, cfg, h, registry, gw, nil, nil, bridge, nil, nil)
	e.Start()
	t.Cleanup(e.Stop)

	return &harness{
		t:        t,
		hub:      h,
		records:  records,
		registry: registry,
		bridge:   bridge,
		provider: provider,
		exec:     e,
		agent:    agent,
		channel:  channel,
		agentSub: agentSub,
		chanSub:  chanSub,
	}
}

func (h *harness) createTask(title string) *models.Task {
	h.t.Helper()
	task, err := h.hub.CreateTask(context.Background(), hub.TaskSpec{
		ChannelID:        "chan-1",
		Title:            title,
		AssignedAgentIDs: []string{"agent-1"},
	})
	require.NoError(h.t, err)
	return task
}

// agentEventsUntilTerminal collects agent-scoped events up to and
// including the session's terminal task event.
func (h *harness) agentEventsUntilTerminal() []*models.Event {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	var events []*models.Event
	for {
		select {
		case e, ok := <-h.agentSub.Events():
			if !ok {
				h.t.Fatal("agent subscription closed")
			}
			if e.Type == models.EventTaskAssigned {
				continue
			}
			events = append(events, e)
			if models.TerminalTaskEvent(e.Type) {
				return events
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for terminal event")
		}
	}
}

func (h *harness) assertNoMoreTerminal() {
	h.t.Helper()
	timeout := time.After(50 * time.Millisecond)
	for {
		select {
		case e, ok := <-h.agentSub.Events():
			if !ok {
				return
			}
			if models.TerminalTaskEvent(e.Type) {
				h.t.Fatalf("second terminal event %s", e.Type)
			}
		case <-timeout:
			return
		}
	}
}

func (h *harness) waitChannelEvent(want models.EventType) *models.Event {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-h.chanSub.Events():
			if !ok {
				h.t.Fatal("channel subscription closed")
			}
			if e.Type == want {
				return e
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for channel event %s", want)
		}
	}
}

func taskPayload(t *testing.T, e *models.Event) models.TaskEventPayload {
	t.Helper()
	var payload models.TaskEventPayload
	require.NoError(t, models.DecodeEventData(e.Data, &payload))
	return payload
}

func toolResults(events []*models.Event) []models.ToolEventPayload {
	var out []models.ToolEventPayload
	for _, e := range events {
		if e.Type != models.EventToolResult {
			continue
		}
		var payload models.ToolEventPayload
		if json.Unmarshal(e.Data, &payload) == nil {
			out = append(out, payload)
		}
	}
	return out
}

func echoTestTool(name string) tools.Tool {
	return tools.NewFuncTool(models.ToolDescriptor{
		Name:        name,
		Description: "echoes its arguments",
		Origin:      models.OriginInternal,
	}, func(ctx context.Context, inv *tools.Invocation) tools.Result {
		return tools.Result{Content: string(inv.Args)}
	})
}

func TestSessionCompletesTask(t *testing.T) {
	h := newHarness(t, Config{},
		respondWith(
			toolCallResponse("c1", "echo", `{"text":"step one"}`),
			completeResponse("c2", "all done"),
		),
		echoTestTool("echo"),
	)
	task := h.createTask("finish me")

	events := h.agentEventsUntilTerminal()
	terminal := events[len(events)-1]
	assert.Equal(t, models.EventTaskCompleted, terminal.Type)
	assert.Equal(t, "all done", taskPayload(t, terminal).Result.Summary)
	h.assertNoMoreTerminal()

	h.waitChannelEvent(models.EventTaskCompleted)
	got, err := h.records.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	// Two tool rounds: the echo and the completion.
	results := toolResults(events)
	require.Len(t, results, 2)
	assert.Equal(t, "echo", results[0].Name)
	assert.False(t, results[0].IsError)
	assert.Equal(t, tools.NameTaskComplete, results[1].Name)
}

func TestSessionTextOnlyEndsWithoutCompletion(t *testing.T) {
	h := newHarness(t, Config{},
		respondWith(&llm.Response{Text: "I believe everything is in order."}))
	task := h.createTask("never completed")

	events := h.agentEventsUntilTerminal()
	terminal := events[len(events)-1]
	assert.Equal(t, models.EventTaskFailed, terminal.Type)
	assert.Equal(t, "session ended without completion", taskPayload(t, terminal).Reason)
	h.assertNoMoreTerminal()

	h.waitChannelEvent(models.EventTaskFailed)
	got, err := h.records.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
}

func TestSessionIterationCap(t *testing.T) {
	provider := &scriptedProvider{next: func(ctx context.Context, call int) (*llm.Response, error) {
		// Varying args keep the circuit breaker out of the picture.
		return toolCallResponse(fmt.Sprintf("c%d", call), "echo",
			fmt.Sprintf(`{"text":"attempt %d"}`, call)), nil
	}}
	h := newHarness(t, Config{MaxIterations: 3}, provider, echoTestTool("echo"))
	h.createTask("spins forever")

	events := h.agentEventsUntilTerminal()
	terminal := events[len(events)-1]
	assert.Equal(t, models.EventTaskFailed, terminal.Type)
	assert.Equal(t, string(models.KindMaxIterationsExceeded), taskPayload(t, terminal).Reason)
	assert.Equal(t, 3, h.provider.callCount())
	h.assertNoMoreTerminal()
}

func TestCircuitBreakerTripsOnRepeatedCall(t *testing.T) {
	var executions int
	var mu sync.Mutex
	stuck := tools.NewFuncTool(models.ToolDescriptor{
		Name:   "lookup",
		Origin: models.OriginInternal,
	}, func(ctx context.Context, inv *tools.Invocation) tools.Result {
		mu.Lock()
		executions++
		mu.Unlock()
		return tools.Result{Content: "nothing found"}
	})

	provider := &scriptedProvider{next: func(ctx context.Context, call int) (*llm.Response, error) {
		// Same tool, same args, every iteration. Key order differs to
		// exercise canonicalization.
		args := `{"a":1,"b":2}`
		if call%2 == 0 {
			args = `{"b":2,"a":1}`
		}
		return toolCallResponse(fmt.Sprintf("c%d", call), "lookup", args), nil
	}}
	h := newHarness(t, Config{BreakerTripCount: 3, MaxIterations: 10}, provider, stuck)
	h.createTask("stuck in a loop")

	events := h.agentEventsUntilTerminal()
	terminal := events[len(events)-1]
	assert.Equal(t, models.EventTaskFailed, terminal.Type)
	payload := taskPayload(t, terminal)
	assert.Contains(t, payload.Reason, string(models.KindCircuitBreakerTripped))
	assert.Contains(t, payload.Reason, "lookup")

	// The third identical dispatch trips before invoking.
	assert.Equal(t, 3, h.provider.callCount())
	mu.Lock()
	assert.Equal(t, 2, executions)
	mu.Unlock()
	h.assertNoMoreTerminal()
}

func TestExemptToolBypassesBreaker(t *testing.T) {
	provider := &scriptedProvider{next: func(ctx context.Context, call int) (*llm.Response, error) {
		return toolCallResponse(fmt.Sprintf("c%d", call), "poll", `{}`), nil
	}}
	h := newHarness(t, Config{BreakerTripCount: 2, MaxIterations: 4}, provider, echoTestTool("poll"))
	h.agent.CircuitBreakerExemptTools = []string{"poll"}
	h.createTask("polls forever")

	events := h.agentEventsUntilTerminal()
	terminal := events[len(events)-1]
	assert.Equal(t, models.EventTaskFailed, terminal.Type)
	// Identical polling never breaks the session; the iteration cap ends
	// it instead.
	assert.Equal(t, string(models.KindMaxIterationsExceeded), taskPayload(t, terminal).Reason)
	assert.Equal(t, 4, h.provider.callCount())
}

func TestCancelAbortsInFlightLLMCall(t *testing.T) {
	provider := &scriptedProvider{next: func(ctx context.Context, call int) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, Config{}, provider)
	task := h.createTask("doomed")

	h.waitChannelEvent(models.EventTaskStarted)
	require.NoError(t, h.hub.CancelTask(context.Background(), task.ID, "operator request"))

	events := h.agentEventsUntilTerminal()
	terminal := events[len(events)-1]
	assert.Equal(t, models.EventTaskCancelled, terminal.Type)
	assert.Equal(t, "operator request", taskPayload(t, terminal).Reason)
	h.assertNoMoreTerminal()

	// The cancellation marker lands in conversation memory.
	turns := h.exec.Memory().Turns()
	require.NotEmpty(t, turns)
	last := turns[len(turns)-1]
	assert.Equal(t, models.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "operator request")

	got, err := h.records.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)
}

func TestOrchestrationToolRefusedWhenSystemLLMDisabled(t *testing.T) {
	orchestrate := tools.NewFuncTool(models.ToolDescriptor{
		Name:          "channel_coordinate",
		Origin:        models.OriginInternal,
		Orchestration: true,
	}, func(ctx context.Context, inv *tools.Invocation) tools.Result {
		return tools.Result{Content: "coordinated"}
	})
	h := newHarness(t, Config{},
		respondWith(
			toolCallResponse("c1", "channel_coordinate", `{}`),
			completeResponse("c2", "wrapped up"),
		),
		orchestrate,
	)
	h.createTask("wants to orchestrate")

	events := h.agentEventsUntilTerminal()
	assert.Equal(t, models.EventTaskCompleted, events[len(events)-1].Type)

	results := toolResults(events)
	require.NotEmpty(t, results)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "system LLM operations disabled")
}

func TestOrchestrationToolAllowedWhenEnabled(t *testing.T) {
	orchestrate := tools.NewFuncTool(models.ToolDescriptor{
		Name:          "channel_coordinate",
		Origin:        models.OriginInternal,
		Orchestration: true,
	}, func(ctx context.Context, inv *tools.Invocation) tools.Result {
		return tools.Result{Content: "coordinated"}
	})
	h := newHarness(t, Config{},
		respondWith(
			toolCallResponse("c1", "channel_coordinate", `{}`),
			completeResponse("c2", "wrapped up"),
		),
		orchestrate,
	)
	h.channel.SystemLLMEnabled = true
	h.createTask("orchestration on")

	events := h.agentEventsUntilTerminal()
	results := toolResults(events)
	require.NotEmpty(t, results)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "coordinated", results[0].Content)
}

func TestToolTimeoutFeedsTimedOutResult(t *testing.T) {
	slow := tools.NewFuncTool(models.ToolDescriptor{
		Name:   "slow",
		Origin: models.OriginInternal,
	}, func(ctx context.Context, inv *tools.Invocation) tools.Result {
		<-ctx.Done()
		return tools.Fail(models.KindCancelled, "interrupted")
	})
	h := newHarness(t, Config{
		ToolTimeouts: map[string]time.Duration{"slow": 20 * time.Millisecond},
	},
		respondWith(
			toolCallResponse("c1", "slow", `{}`),
			completeResponse("c2", "moved on"),
		),
		slow,
	)
	h.createTask("tolerates slowness")

	events := h.agentEventsUntilTerminal()
	assert.Equal(t, models.EventTaskCompleted, events[len(events)-1].Type)

	results := toolResults(events)
	require.NotEmpty(t, results)
	assert.True(t, results[0].IsError)
	assert.JSONEq(t, `{"timed_out":true}`, results[0].Content)
}

func TestBlockingUserInputOutlivesDefaultToolTimeout(t *testing.T) {
	h := newHarness(t, Config{ToolTimeout: 30 * time.Millisecond},
		respondWith(
			toolCallResponse("c1", tools.NameUserInput,
				`{"type":"text","prompt":"which color?"}`),
			completeResponse("c2", "answered"),
		))
	h.createTask("asks the operator")

	// Answer only after the default per-call timeout has long passed.
	// The wait must survive it: the request carries no timeout of its
	// own.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if open := h.bridge.Open(); len(open) == 1 {
				time.Sleep(100 * time.Millisecond)
				_ = h.bridge.Respond(open[0].ID, json.RawMessage(`"blue"`))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	events := h.agentEventsUntilTerminal()
	assert.Equal(t, models.EventTaskCompleted, events[len(events)-1].Type)

	results := toolResults(events)
	require.NotEmpty(t, results)
	assert.Equal(t, tools.NameUserInput, results[0].Name)
	assert.False(t, results[0].IsError)
	assert.Contains(t, results[0].Content, `"responded"`)
	assert.Contains(t, results[0].Content, "blue")
}

func TestParallelBatchKeepsDeclaredOrder(t *testing.T) {
	makeParallel := func(name string, delay time.Duration) tools.Tool {
		return tools.NewFuncTool(models.ToolDescriptor{
			Name:         name,
			Origin:       models.OriginInternal,
			SafeParallel: true,
			Idempotent:   true,
		}, func(ctx context.Context, inv *tools.Invocation) tools.Result {
			time.Sleep(delay)
			return tools.Result{Content: name + " done"}
		})
	}
	h := newHarness(t, Config{},
		respondWith(
			&llm.Response{ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "read_a", Args: json.RawMessage(`{}`)},
				{ID: "c2", Name: "read_b", Args: json.RawMessage(`{}`)},
			}},
			completeResponse("c3", "both read"),
		),
		makeParallel("read_a", 30*time.Millisecond),
		makeParallel("read_b", 0),
	)
	h.createTask("reads two things")

	events := h.agentEventsUntilTerminal()
	assert.Equal(t, models.EventTaskCompleted, events[len(events)-1].Type)

	// Results come back to the model in declared order even though the
	// slower call was declared first.
	var resultTurn *models.ConversationTurn
	for _, turn := range h.exec.Memory().Turns() {
		if turn.Role == models.RoleToolResult {
			turn := turn
			resultTurn = &turn
			break
		}
	}
	require.NotNil(t, resultTurn)
	require.Len(t, resultTurn.ToolResults, 2)
	assert.Equal(t, "c1", resultTurn.ToolResults[0].ToolCallID)
	assert.Equal(t, "c2", resultTurn.ToolResults[1].ToolCallID)
}
