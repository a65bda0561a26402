package executor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/llm"
	"github.com/haasonsaas/mxf/internal/memory"
	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/internal/prompt"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/internal/userinput"
	"github.com/haasonsaas/mxf/pkg/models"
)

// persistedActions bounds the action-log excerpt written to the store on
// disconnect.
const persistedActions = 50

// Deps bundles the collaborators shared by every executor.
type Deps struct {
	Hub      *hub.Hub
	Registry *tools.Registry
	Gateway  *llm.Gateway
	Bridge   *userinput.Bridge
	Records  *store.Records
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	// Config is the shared executor tuning; agents may override
	// MaxIterations via their LLM config.
	Config Config

	// MemoryConfig bounds each agent's conversation memory.
	MemoryConfig memory.Config
}

// Manager owns one executor per connected agent. Connect and Disconnect
// follow the agent's stream lifecycle.
type Manager struct {
	deps   Deps
	logger *slog.Logger
	asm    *prompt.Assembler

	mu      sync.Mutex
	running map[string]*Executor
}

// NewManager creates a manager.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:    deps,
		logger:  logger.With("component", "executor_manager"),
		asm:     prompt.NewAssembler(),
		running: make(map[string]*Executor),
	}
}

// Connect starts an executor for the agent, restoring its persisted
// action log. Idempotent; reconnecting an already-running agent returns
// the live executor.
func (m *Manager) Connect(ctx context.Context, agent *models.Agent) *Executor {
	m.mu.Lock()
	if e, ok := m.running[agent.ID]; ok {
		m.mu.Unlock()
		return e
	}
	m.mu.Unlock()

	mem := memory.New(m.deps.MemoryConfig)
	if m.deps.Records != nil {
		if entries, err := m.deps.Records.GetActionLog(ctx, agent.ID); err == nil {
			// Entries are stored newest-first; replay oldest-first so the
			// log keeps its order.
			for i := len(entries) - 1; i >= 0; i-- {
				mem.RecordAction(entries[i])
			}
		}
	}

	e := New(agent, m.deps.Config, m.deps.Hub, m.deps.Registry, m.deps.Gateway,
		mem, m.asm, m.deps.Bridge, m.deps.Logger, m.deps.Metrics)

	m.mu.Lock()
	if live, ok := m.running[agent.ID]; ok {
		m.mu.Unlock()
		return live
	}
	m.running[agent.ID] = e
	m.mu.Unlock()

	e.Start()
	m.logger.Info("executor started", "agent_id", agent.ID)
	return e
}

// Disconnect stops the agent's executor and persists a truncated
// action-log excerpt.
func (m *Manager) Disconnect(ctx context.Context, agentID string) {
	m.mu.Lock()
	e, ok := m.running[agentID]
	delete(m.running, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}

	e.Stop()
	if m.deps.Records != nil {
		entries := e.Memory().RecentActions(persistedActions)
		if err := m.deps.Records.PutActionLog(ctx, agentID, entries); err != nil {
			m.logger.Warn("failed to persist action log",
				"agent_id", agentID, "error", err)
		}
	}
	m.logger.Info("executor stopped", "agent_id", agentID)
}

// Get returns the live executor for an agent.
func (m *Manager) Get(agentID string) (*Executor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.running[agentID]
	return e, ok
}

// StopAll stops every running executor. Used at shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(ctx, id)
	}
}
