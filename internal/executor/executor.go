// Package executor runs the per-agent task execution loop: one
// iteration-bounded session per assignment, tool dispatch with a
// repeat-call circuit breaker, and cancellation that aborts in-flight
// LLM calls. Each agent has exactly one Executor.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/llm"
	"github.com/haasonsaas/mxf/internal/memory"
	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/internal/prompt"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/internal/userinput"
	"github.com/haasonsaas/mxf/pkg/models"
)

// Defaults for the iteration loop and the stuck detector.
const (
	DefaultMaxIterations    = 10
	DefaultBreakerTripCount = 3
	DefaultToolTimeout      = 30 * time.Second

	// mailboxDepth bounds queued assignments per agent.
	mailboxDepth = 32

	// activityDigestSize bounds the recent-channel-activity ring fed to
	// the prompt assembler.
	activityDigestSize = 20
)

// Config tunes one executor.
type Config struct {
	// MaxIterations bounds each session. Zero means the agent's
	// configured value, falling back to DefaultMaxIterations.
	MaxIterations int

	// BreakerTripCount is how many identical (tool, args) invocations
	// trip the circuit breaker. Zero means DefaultBreakerTripCount.
	BreakerTripCount int

	// ToolTimeout bounds one tool invocation. Zero means
	// DefaultToolTimeout.
	ToolTimeout time.Duration

	// ToolTimeouts overrides ToolTimeout per tool name.
	ToolTimeouts map[string]time.Duration
}

type assignment struct {
	taskID string
}

// Executor drives one agent. Assignments arrive on the agent's event
// bus and queue behind the running session; at most one session is
// active at a time.
type Executor struct {
	agent    *models.Agent
	cfg      Config
	hub      *hub.Hub
	registry *tools.Registry
	gateway  *llm.Gateway
	memory   *memory.ConversationMemory
	asm      *prompt.Assembler
	bridge   *userinput.Bridge
	logger   *slog.Logger
	metrics  *observability.Metrics

	mailbox chan assignment

	mu       sync.Mutex
	cancelFn context.CancelFunc
	taskID   string // task of the active session, "" when idle
	reason   string // cancellation reason, set before cancelFn fires
	activity []string
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an executor for one agent. The bridge and metrics may be
// nil.
func New(agent *models.Agent, cfg Config, h *hub.Hub, registry *tools.Registry, gateway *llm.Gateway, mem *memory.ConversationMemory, asm *prompt.Assembler, bridge *userinput.Bridge, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if mem == nil {
		mem = memory.New(memory.Config{})
	}
	if asm == nil {
		asm = prompt.NewAssembler()
	}
	return &Executor{
		agent:    agent,
		cfg:      cfg,
		hub:      h,
		registry: registry,
		gateway:  gateway,
		memory:   mem,
		asm:      asm,
		bridge:   bridge,
		logger:   logger.With("component", "executor", "agent_id", agent.ID),
		metrics:  metrics,
		mailbox:  make(chan assignment, mailboxDepth),
		stopCh:   make(chan struct{}),
	}
}

// Memory exposes the agent's conversation memory.
func (e *Executor) Memory() *memory.ConversationMemory { return e.memory }

// Start subscribes to the agent's events and begins serving
// assignments.
func (e *Executor) Start() {
	sub := e.hub.Bus().SubscribeAgent(e.agent.ID)
	e.hub.RegisterCanceller(e.agent.ID, e.CancelCurrentTask)

	e.wg.Add(2)
	go e.watch(sub)
	go e.serve()
}

// Stop cancels the active session and stops serving. Queued
// assignments are dropped.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()

	e.hub.UnregisterCanceller(e.agent.ID)
	e.CancelCurrentTask("", "agent shutting down")
	if e.bridge != nil {
		e.bridge.CancelForAgent(e.agent.ID)
	}
	e.wg.Wait()
}

// watch translates bus events into mailbox entries and activity digest
// lines.
func (e *Executor) watch(sub *hub.Subscription) {
	defer e.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-e.stopCh:
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			e.handleEvent(event)
		}
	}
}

func (e *Executor) handleEvent(event *models.Event) {
	switch event.Type {
	case models.EventTaskAssigned:
		select {
		case e.mailbox <- assignment{taskID: event.TaskID}:
		default:
			e.logger.Warn("assignment mailbox full, dropping task",
				"task_id", event.TaskID)
		}

	case models.EventAgentMessage, models.EventChannelMessage:
		var payload models.MessageEventPayload
		if err := decodeEvent(event, &payload); err != nil {
			return
		}
		e.noteActivity(fmt.Sprintf("%s: %s", payload.Sender, payload.Content))

	case models.EventToolListUpdated:
		// Tool listings are re-read from the registry each iteration;
		// nothing to invalidate here.
	}
}

func (e *Executor) noteActivity(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activity = append(e.activity, line)
	if len(e.activity) > activityDigestSize {
		e.activity = e.activity[len(e.activity)-activityDigestSize:]
	}
}

func (e *Executor) recentActivity() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Newest first for the prompt block.
	out := make([]string, len(e.activity))
	for i, line := range e.activity {
		out[len(e.activity)-1-i] = line
	}
	return out
}

// serve runs queued assignments one at a time.
func (e *Executor) serve() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case a := <-e.mailbox:
			e.runAssignment(a.taskID)
		}
	}
}

func (e *Executor) runAssignment(taskID string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancelFn = cancel
	e.taskID = taskID
	e.reason = ""
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.cancelFn = nil
		e.taskID = ""
		e.mu.Unlock()
	}()

	task, err := e.hub.StartTask(ctx, taskID, e.agent.ID)
	if err != nil {
		// Assignment arrived for a task that was cancelled or finished
		// while queued.
		e.logger.Info("skipping stale assignment", "task_id", taskID, "error", err)
		return
	}

	s := newSession(e, task)
	s.run(ctx)
}

// CancelCurrentTask aborts the in-flight session: the LLM call is
// cancelled, unresolved tool dispatches are dropped, and the session
// ends as Cancelled with a single TASK_CANCELLED event. When taskID is
// non-empty it must match the active session's task.
func (e *Executor) CancelCurrentTask(taskID, reason string) {
	e.mu.Lock()
	if e.cancelFn == nil || (taskID != "" && taskID != e.taskID) {
		e.mu.Unlock()
		return
	}
	e.reason = reason
	cancel := e.cancelFn
	e.mu.Unlock()

	e.logger.Info("cancelling current task", "task_id", taskID, "reason", reason)
	cancel()
	if e.bridge != nil {
		e.bridge.CancelForAgent(e.agent.ID)
	}
}

func (e *Executor) cancelReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reason == "" {
		return "cancelled"
	}
	return e.reason
}

// ClearConversationHistory empties the agent's turn window. Idempotent,
// safe mid-session; the in-flight prompt is unaffected. Action and
// reasoning logs persist.
func (e *Executor) ClearConversationHistory() {
	e.memory.Clear()
}

func (e *Executor) maxIterations() int {
	if e.cfg.MaxIterations > 0 {
		return e.cfg.MaxIterations
	}
	if e.agent.LLM.MaxIterations > 0 {
		return e.agent.LLM.MaxIterations
	}
	return DefaultMaxIterations
}

func (e *Executor) tripCount() int {
	if e.cfg.BreakerTripCount > 0 {
		return e.cfg.BreakerTripCount
	}
	return DefaultBreakerTripCount
}

// toolTimeout bounds one invocation. Blocking tools run without a
// default deadline so a human answer can take as long as it takes;
// only an explicit per-tool override bounds them. Zero means no
// deadline.
func (e *Executor) toolTimeout(name string, blocking bool) time.Duration {
	if d, ok := e.cfg.ToolTimeouts[name]; ok && d > 0 {
		return d
	}
	if blocking {
		return 0
	}
	if e.cfg.ToolTimeout > 0 {
		return e.cfg.ToolTimeout
	}
	return DefaultToolTimeout
}

func decodeEvent(event *models.Event, v any) error {
	if len(event.Data) == 0 {
		return fmt.Errorf("empty event payload")
	}
	return json.Unmarshal(event.Data, v)
}
