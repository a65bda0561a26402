package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/mxf/pkg/models"
)

// Canonical names of the universally present internal tools.
const (
	NameTaskComplete     = "task_complete"
	NameMessagingSend    = "messaging_send"
	NameUserInput        = "user_input"
	NameRequestUserInput = "request_user_input"
	NameGetUserInput     = "get_user_input_response"
	NameToolsRecommend   = "tools_recommend"
)

// Messenger delivers agent-to-agent messages. The channel hub implements
// this.
type Messenger interface {
	SendAgentMessage(ctx context.Context, channelID, sender, recipient, content string) error
}

// Completer records per-assignee task completion. The channel hub
// implements this; the coordination mode decides when the task itself
// transitions.
type Completer interface {
	RecordCompletion(ctx context.Context, taskID, agentID, summary string, success bool) error
}

// InputBridge suspends tool calls on human answers. The user-input
// bridge implements this.
type InputBridge interface {
	// AskBlocking opens a request and blocks until it reaches a
	// terminal state.
	AskBlocking(ctx context.Context, req *models.UserInputRequest) (*models.UserInputRequest, error)

	// AskAsync opens a request and returns immediately.
	AskAsync(req *models.UserInputRequest) (string, error)

	// Lookup returns the current state of a request.
	Lookup(requestID string) (*models.UserInputRequest, bool)
}

// funcTool adapts a descriptor and a handler func into a Tool.
type funcTool struct {
	desc models.ToolDescriptor
	fn   func(ctx context.Context, inv *Invocation) Result
}

func (t *funcTool) Descriptor() models.ToolDescriptor { return t.desc }
func (t *funcTool) Execute(ctx context.Context, inv *Invocation) Result {
	return t.fn(ctx, inv)
}

// NewFuncTool builds a Tool from a descriptor and handler.
func NewFuncTool(desc models.ToolDescriptor, fn func(ctx context.Context, inv *Invocation) Result) Tool {
	return &funcTool{desc: desc, fn: fn}
}

// RegisterBuiltins registers the universally present internal tools.
func RegisterBuiltins(r *Registry, messenger Messenger, completer Completer, bridge InputBridge) error {
	builtins := []Tool{
		newTaskCompleteTool(completer),
		newMessagingSendTool(messenger),
		newUserInputTool(bridge),
		newRequestUserInputTool(bridge),
		newGetUserInputTool(bridge),
		newRecommendTool(r),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

type taskCompleteArgs struct {
	Summary string `json:"summary"`
	Success *bool  `json:"success,omitempty"`
}

func newTaskCompleteTool(completer Completer) Tool {
	return NewFuncTool(models.ToolDescriptor{
		Name:        NameTaskComplete,
		Description: "Mark the current task finished. Call this exactly once when your work on the task is done.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"summary": {"type": "string", "description": "What was accomplished"},
				"success": {"type": "boolean", "description": "Whether the task succeeded (default true)"}
			},
			"required": ["summary"]
		}`),
		Origin:   models.OriginInternal,
		Terminal: true,
	}, func(ctx context.Context, inv *Invocation) Result {
		var args taskCompleteArgs
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
		if inv.Task == nil {
			return Fail(models.KindHandlerFailed, "no task in progress")
		}
		success := true
		if args.Success != nil {
			success = *args.Success
		}
		if err := completer.RecordCompletion(ctx, inv.Task.ID, inv.Agent.ID, args.Summary, success); err != nil {
			return Fail(models.KindHandlerFailed, err.Error())
		}
		return Result{Content: "task completion recorded"}
	})
}

type messagingSendArgs struct {
	TargetAgentID string `json:"targetAgentId"`
	Content       string `json:"content"`
}

func newMessagingSendTool(messenger Messenger) Tool {
	return NewFuncTool(models.ToolDescriptor{
		Name:        NameMessagingSend,
		Description: "Send a direct message to another agent in your channel.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"targetAgentId": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["targetAgentId", "content"]
		}`),
		Origin: models.OriginInternal,
	}, func(ctx context.Context, inv *Invocation) Result {
		var args messagingSendArgs
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
		err := messenger.SendAgentMessage(ctx, inv.Channel.ID, inv.Agent.ID, args.TargetAgentID, args.Content)
		if err != nil {
			return Fail(models.KindHandlerFailed, err.Error())
		}
		return Result{Content: "message delivered to " + args.TargetAgentID}
	})
}

type userInputArgs struct {
	Type        models.InputType    `json:"type"`
	Prompt      string              `json:"prompt"`
	Options     []string            `json:"options,omitempty"`
	Placeholder string              `json:"placeholder,omitempty"`
	Urgency     models.InputUrgency `json:"urgency,omitempty"`
	Theme       string              `json:"theme,omitempty"`
	TimeoutMs   int                 `json:"timeoutMs,omitempty"`
}

var userInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"type": {"type": "string", "enum": ["text", "select", "multi_select", "confirm"]},
		"prompt": {"type": "string"},
		"options": {"type": "array", "items": {"type": "string"}},
		"placeholder": {"type": "string"},
		"urgency": {"type": "string", "enum": ["low", "normal", "high", "critical"]},
		"theme": {"type": "string"},
		"timeoutMs": {"type": "integer", "minimum": 0}
	},
	"required": ["type", "prompt"]
}`)

func buildInputRequest(inv *Invocation, args userInputArgs, mode models.InputMode) *models.UserInputRequest {
	urgency := args.Urgency
	if urgency == "" {
		urgency = models.UrgencyNormal
	}
	return &models.UserInputRequest{
		AgentID: inv.Agent.ID,
		Type:    args.Type,
		Prompt:  args.Prompt,
		Config: models.InputConfig{
			Options:     args.Options,
			Placeholder: args.Placeholder,
		},
		Urgency:   urgency,
		Theme:     args.Theme,
		Mode:      mode,
		TimeoutMs: args.TimeoutMs,
	}
}

func inputOutcome(req *models.UserInputRequest) Result {
	payload := map[string]any{"status": string(req.State)}
	switch req.State {
	case models.RequestResponded:
		payload["value"] = req.Value
	case models.RequestTimedOut:
		payload["timed_out"] = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Fail(models.KindHandlerFailed, err.Error())
	}
	return Result{Content: string(data)}
}

func newUserInputTool(bridge InputBridge) Tool {
	return NewFuncTool(models.ToolDescriptor{
		Name:        NameUserInput,
		Description: "Ask the human operator a question and wait for the answer. Blocks the current iteration until the answer, timeout, or cancellation.",
		InputSchema: userInputSchema,
		Origin:      models.OriginInternal,
		Blocking:    true,
	}, func(ctx context.Context, inv *Invocation) Result {
		var args userInputArgs
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
		req, err := bridge.AskBlocking(ctx, buildInputRequest(inv, args, models.ModeBlocking))
		if err != nil {
			return Fail(models.KindHandlerFailed, err.Error())
		}
		return inputOutcome(req)
	})
}

func newRequestUserInputTool(bridge InputBridge) Tool {
	return NewFuncTool(models.ToolDescriptor{
		Name:        NameRequestUserInput,
		Description: "Ask the human operator a question without blocking. Returns a request id; poll it with get_user_input_response.",
		InputSchema: userInputSchema,
		Origin:      models.OriginInternal,
	}, func(ctx context.Context, inv *Invocation) Result {
		var args userInputArgs
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
		id, err := bridge.AskAsync(buildInputRequest(inv, args, models.ModeAsync))
		if err != nil {
			return Fail(models.KindHandlerFailed, err.Error())
		}
		data, _ := json.Marshal(map[string]string{"requestId": id, "status": "pending"})
		return Result{Content: string(data)}
	})
}

type getUserInputArgs struct {
	RequestID string `json:"requestId"`
}

func newGetUserInputTool(bridge InputBridge) Tool {
	return NewFuncTool(models.ToolDescriptor{
		Name:        NameGetUserInput,
		Description: "Poll a pending user-input request created by request_user_input.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"requestId": {"type": "string"}},
			"required": ["requestId"]
		}`),
		Origin:       models.OriginInternal,
		SafeParallel: true,
		Idempotent:   true,
	}, func(ctx context.Context, inv *Invocation) Result {
		var args getUserInputArgs
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
		req, ok := bridge.Lookup(args.RequestID)
		if !ok {
			return Fail(models.KindHandlerFailed, "unknown request id: "+args.RequestID)
		}
		if req.AgentID != inv.Agent.ID {
			return Fail(models.KindNotPermitted, "request belongs to another agent")
		}
		if req.State == models.RequestOpen {
			return Result{Content: `{"status":"pending"}`}
		}
		return inputOutcome(req)
	})
}

type recommendArgs struct {
	Intent string `json:"intent"`
	Limit  int    `json:"limit,omitempty"`
}

func newRecommendTool(r *Registry) Tool {
	return NewFuncTool(models.ToolDescriptor{
		Name:        NameToolsRecommend,
		Description: "Rank the tools available to you by relevance to a stated intent.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"intent": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1}
			},
			"required": ["intent"]
		}`),
		Origin:       models.OriginInternal,
		SafeParallel: true,
		Idempotent:   true,
	}, func(ctx context.Context, inv *Invocation) Result {
		var args recommendArgs
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			return Fail(models.KindInvalidArgs, err.Error())
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		recs := Recommend(r.ListFor(inv.Channel, inv.Agent), args.Intent, limit)
		data, err := json.Marshal(recs)
		if err != nil {
			return Fail(models.KindHandlerFailed, err.Error())
		}
		return Result{Content: string(data)}
	})
}

// Describe renders one action-log line for a tool call, matching the
// formats the prompt assembler expects.
func Describe(toolName string, entry models.ActionEntry) string {
	switch toolName {
	case NameMessagingSend:
		return fmt.Sprintf("%s → %s", NameMessagingSend, entry.TargetAgentID)
	case NameTaskComplete:
		return fmt.Sprintf("%s: %s", NameTaskComplete, entry.Description)
	case NameToolsRecommend:
		return fmt.Sprintf("%s: %s", NameToolsRecommend, entry.Result)
	default:
		return fmt.Sprintf("%s: %s", toolName, entry.Description)
	}
}
