package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/mxf/pkg/models"
)

// MaxToolNameLength bounds tool names to prevent abuse via generated
// calls.
const MaxToolNameLength = 256

// MaxToolArgsSize bounds the argument payload (1MB).
const MaxToolArgsSize = 1 << 20

// Invocation carries everything a handler needs about the calling agent
// and the current call.
type Invocation struct {
	Agent   *models.Agent
	Channel *models.Channel
	Task    *models.Task
	CallID  string
	Args    json.RawMessage
}

// Result is the sum-type outcome of a tool invocation. Kind is empty on
// success; on failure it categorizes the error and Detail explains it.
type Result struct {
	Content string
	Kind    models.ErrorKind
	Detail  string
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Kind == "" }

// Fail builds a failure result.
func Fail(kind models.ErrorKind, detail string) Result {
	return Result{Kind: kind, Detail: detail}
}

// ToToolResult converts the invocation outcome into the wire form fed
// back to the LLM.
func (r Result) ToToolResult(callID string) models.ToolResult {
	if r.OK() {
		return models.ToolResult{ToolCallID: callID, Content: r.Content}
	}
	content := r.Detail
	if content == "" {
		content = string(r.Kind)
	}
	return models.ToolResult{
		ToolCallID: callID,
		Content:    content,
		IsError:    true,
		Kind:       r.Kind,
	}
}

// Tool is a named, schema-validated callable an agent may invoke.
type Tool interface {
	// Descriptor describes the tool to agents and LLM providers.
	Descriptor() models.ToolDescriptor

	// Execute runs the handler. Failures are returned as Result kinds,
	// never panics or control-flow errors.
	Execute(ctx context.Context, inv *Invocation) Result
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds every internal tool plus the channel-scoped MCP tools,
// and enforces per-agent and per-channel access control.
type Registry struct {
	mu       sync.RWMutex
	internal map[string]*registered
	channel  map[string]map[string]*registered // channelID -> name -> tool
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		internal: make(map[string]*registered),
		channel:  make(map[string]map[string]*registered),
		logger:   logger.With("component", "tools"),
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "mxf://tools/" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Register adds an internal tool, replacing any existing tool of the
// same name. Schemas are compiled once at registration.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor()
	schema, err := compileSchema(desc.Name, desc.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", desc.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.internal[desc.Name] = &registered{tool: tool, schema: schema}
	return nil
}

// RegisterChannelTool adds a tool scoped to one channel (MCP-announced
// tools). Replacement is keyed by (channelID, name).
func (r *Registry) RegisterChannelTool(channelID string, tool Tool) error {
	desc := tool.Descriptor()
	schema, err := compileSchema(desc.Name, desc.InputSchema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", desc.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.channel[channelID]
	if m == nil {
		m = make(map[string]*registered)
		r.channel[channelID] = m
	}
	m[desc.Name] = &registered{tool: tool, schema: schema}
	return nil
}

// UnregisterChannelTools drops every channel-scoped tool announced by
// the given provider. Passing an empty providerID drops all tools of
// the channel.
func (r *Registry) UnregisterChannelTools(channelID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.channel[channelID]
	for name, reg := range m {
		if providerID == "" || reg.tool.Descriptor().ProviderID == providerID {
			delete(m, name)
		}
	}
	if len(m) == 0 {
		delete(r.channel, channelID)
	}
}

func (r *Registry) lookup(channelID, name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.channel[channelID]; ok {
		if reg, ok := m[name]; ok {
			return reg, true
		}
	}
	reg, ok := r.internal[name]
	return reg, ok
}

// Get returns the descriptor of a registered tool visible to a channel.
func (r *Registry) Get(channelID, name string) (models.ToolDescriptor, bool) {
	reg, ok := r.lookup(channelID, name)
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return reg.tool.Descriptor(), true
}

func allowed(set []string, name string) bool {
	for _, n := range set {
		if n == name {
			return true
		}
	}
	return false
}

// Permitted reports whether the agent may invoke name: the name must be
// in the intersection of the channel whitelist and the agent whitelist.
func Permitted(channel *models.Channel, agent *models.Agent, name string) bool {
	return allowed(channel.AllowedTools, name) && allowed(agent.AllowedTools, name)
}

// ListFor returns the descriptors of every tool the agent may invoke.
// The listing is stable across calls and has no side effects.
func (r *Registry) ListFor(channel *models.Channel, agent *models.Agent) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ToolDescriptor
	appendPermitted := func(m map[string]*registered) {
		for name, reg := range m {
			if Permitted(channel, agent, name) {
				out = append(out, reg.tool.Descriptor())
			}
		}
	}
	appendPermitted(r.internal)
	if m, ok := r.channel[channel.ID]; ok {
		appendPermitted(m)
	}
	sortDescriptors(out)
	return out
}

// Invoke validates, access-checks, and executes one tool call. All
// failure modes come back as Result kinds; the caller feeds them to the
// LLM as tool results and the session continues.
func (r *Registry) Invoke(ctx context.Context, inv *Invocation, name string) (result Result) {
	if len(name) > MaxToolNameLength {
		return Fail(models.KindInvalidArgs, "tool name too long")
	}
	if len(inv.Args) > MaxToolArgsSize {
		return Fail(models.KindInvalidArgs, fmt.Sprintf("arguments exceed %d bytes", MaxToolArgsSize))
	}

	reg, ok := r.lookup(inv.Channel.ID, name)
	if !ok {
		return Fail(models.KindUnknownTool, "unknown tool: "+name)
	}
	if !Permitted(inv.Channel, inv.Agent, name) {
		return Fail(models.KindNotPermitted, "tool not permitted: "+name)
	}

	if reg.schema != nil {
		var value any
		args := inv.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(args, &value); err != nil {
			return Fail(models.KindInvalidArgs, "arguments are not valid JSON: "+err.Error())
		}
		if err := reg.schema.Validate(value); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				"tool", name,
				"panic", rec,
				"stack", string(debug.Stack()))
			result = Fail(models.KindHandlerFailed, fmt.Sprintf("handler panic: %v", rec))
		}
	}()

	return reg.tool.Execute(ctx, inv)
}

func sortDescriptors(ds []models.ToolDescriptor) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j].Name < ds[j-1].Name; j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
}
