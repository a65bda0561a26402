package llm

import (
	"context"

	"github.com/haasonsaas/mxf/pkg/models"
)

// Request is one provider-agnostic chat-completion call.
type Request struct {
	// AgentID identifies the requesting agent for logging and metrics.
	AgentID string

	// Model is the provider model identifier. Empty means the
	// provider's default.
	Model string

	// System is the assembled system block.
	System string

	// Messages is the conversation in order: user, assistant, and
	// tool_result turns.
	Messages []models.ConversationTurn

	// Tools declares the filtered tool catalog.
	Tools []models.ToolDescriptor

	Temperature float64
	MaxTokens   int

	// Reasoning requests extended reasoning from providers that
	// support it.
	Reasoning bool
}

// Response is the raw provider outcome before embedded tool-call
// extraction.
type Response struct {
	Text      string
	Reasoning string

	// ToolCalls holds the provider's native tool-call representation.
	ToolCalls []models.ToolCall

	InputTokens  int
	OutputTokens int
}

// ParsedResponse normalizes both native tool calls and embedded-JSON
// tool calls found in assistant text.
type ParsedResponse struct {
	Reasoning string            `json:"reasoning,omitempty"`
	Text      string            `json:"text,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the response requests any tool execution.
func (p *ParsedResponse) HasToolCalls() bool { return len(p.ToolCalls) > 0 }

// Provider is a single LLM backend. Implementations must be safe for
// concurrent use; the gateway runs a worker pool over each provider.
type Provider interface {
	// Name returns the provider name ("anthropic", "openai", ...).
	Name() string

	// Complete performs one chat completion. Transient failures should
	// be wrapped with MarkTransient so the gateway retries them.
	Complete(ctx context.Context, req *Request) (*Response, error)
}
