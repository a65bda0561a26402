package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is either a directed agent-to-agent message (Recipient set) or
// a channel broadcast (Recipient empty). Ordering is per-channel
// monotonic by timestamp with per-sender FIFO.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcast reports whether the message fans out to the whole channel.
func (m *Message) Broadcast() bool { return m.Recipient == "" }

// ToolCall is one tool invocation requested by an assistant turn.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string `json:"id"`

	// Name is the canonical tool name.
	Name string `json:"name"`

	// Args is the raw JSON argument object.
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of one tool call, fed back to the LLM as a
// tool_result turn.
type ToolResult struct {
	// ToolCallID links the result to its originating call.
	ToolCallID string `json:"tool_call_id"`

	// Content is the result payload handed back to the model.
	Content string `json:"content"`

	// IsError marks a failed invocation. The session continues; the
	// model sees the failure and may try an alternative.
	IsError bool `json:"is_error,omitempty"`

	// Kind categorizes failures (see ErrorKind). Empty on success.
	Kind ErrorKind `json:"kind,omitempty"`
}

// ConversationTurn is one entry in an agent's conversation memory.
type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant turns that invoke tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults is set on tool_result turns.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ActionEntry is one record in an agent's bounded action log. The log is
// injected into subsequent prompts to combat context loss after memory
// clears.
type ActionEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Tool        string    `json:"tool"`
	Description string    `json:"description,omitempty"`
	Input       string    `json:"input,omitempty"`
	Result      string    `json:"result,omitempty"`

	// TargetAgentID and MessageContent are set for messaging actions.
	TargetAgentID  string `json:"target_agent_id,omitempty"`
	MessageContent string `json:"message_content,omitempty"`
}

// ReasoningEntry is one record in an agent's time-windowed reasoning log.
type ReasoningEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}
