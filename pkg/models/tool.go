package models

import "encoding/json"

// ToolOrigin distinguishes internal tools from channel-scoped MCP tools.
type ToolOrigin string

const (
	OriginInternal   ToolOrigin = "internal"
	OriginChannelMCP ToolOrigin = "channel_mcp"
)

// ToolDescriptor describes one callable tool as advertised to agents and
// LLM providers.
type ToolDescriptor struct {
	// Name is the canonical tool name.
	Name string `json:"name"`

	// Description explains the tool to the model.
	Description string `json:"description"`

	// InputSchema is the JSON-schema-shaped argument contract.
	InputSchema json.RawMessage `json:"input_schema"`

	// Origin records where calls are routed.
	Origin ToolOrigin `json:"origin"`

	// ProviderID names the MCP server for channel_mcp tools.
	ProviderID string `json:"provider_id,omitempty"`

	// Terminal tools end the session when they succeed (task_complete).
	Terminal bool `json:"terminal,omitempty"`

	// SafeParallel marks read-only tools that may run concurrently with
	// the rest of their batch.
	SafeParallel bool `json:"safe_parallel,omitempty"`

	// Idempotent marks calls that are safe to retry.
	Idempotent bool `json:"idempotent,omitempty"`

	// Orchestration marks channel-level LLM orchestration helpers,
	// refused when the channel disables system LLM operations.
	Orchestration bool `json:"orchestration,omitempty"`

	// Blocking marks tools that wait on a human answer. The executor's
	// default per-call timeout does not apply to them; only an explicit
	// per-tool override or the request's own timeout ends the wait.
	Blocking bool `json:"blocking,omitempty"`
}

// ErrorKind categorizes tool and gateway failures. Kinds are surface
// values carried on results, not Go error types.
type ErrorKind string

const (
	KindInvalidArgs           ErrorKind = "InvalidArgs"
	KindUnknownTool           ErrorKind = "UnknownTool"
	KindNotPermitted          ErrorKind = "NotPermitted"
	KindHandlerFailed         ErrorKind = "HandlerFailed"
	KindProviderUnavailable   ErrorKind = "ProviderUnavailable"
	KindCancelled             ErrorKind = "Cancelled"
	KindTimeout               ErrorKind = "Timeout"
	KindCircuitBreakerTripped ErrorKind = "CircuitBreakerTripped"
	KindMaxIterationsExceeded ErrorKind = "MaxIterationsExceeded"
	KindInternal              ErrorKind = "Internal"
)
