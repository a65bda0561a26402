package models

import (
	"encoding/json"
	"time"
)

// EventType tags every event crossing the channel fabric. The tags are
// stable and implementation-independent.
type EventType string

const (
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskAssigned      EventType = "TASK_ASSIGNED"
	EventTaskStarted       EventType = "TASK_STARTED"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskCancelled     EventType = "TASK_CANCELLED"
	EventTaskFailed        EventType = "TASK_FAILED"
	EventTaskError         EventType = "TASK_ERROR"
	EventAgentMessage      EventType = "AGENT_MESSAGE"
	EventChannelMessage    EventType = "CHANNEL_MESSAGE"
	EventToolCall          EventType = "TOOL_CALL"
	EventToolResult        EventType = "TOOL_RESULT"
	EventLLMReasoning      EventType = "LLM_REASONING"
	EventLLMResponse       EventType = "LLM_RESPONSE"
	EventUserInputRequest  EventType = "USER_INPUT_REQUEST"
	EventUserInputResponse EventType = "USER_INPUT_RESPONSE"
	EventToolListUpdated   EventType = "TOOL_LIST_UPDATED"
)

// TerminalTaskEvent reports whether t is one of the four terminal task
// events. Every session emits exactly one of these.
func TerminalTaskEvent(t EventType) bool {
	switch t {
	case EventTaskCompleted, EventTaskCancelled, EventTaskFailed, EventTaskError:
		return true
	}
	return false
}

// Event is the single envelope carried on agent and channel buses.
// Payloads are validated on ingress; consumers never reach into untyped
// maps.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Seq is a per-hub monotonic sequence number. Per-agent and
	// per-channel observation order follows Seq.
	Seq uint64 `json:"seq"`

	// Data is the typed payload, encoded per event type.
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeEventData marshals a typed payload for the Data field.
func EncodeEventData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// DecodeEventData unmarshals the Data field into a typed payload.
func DecodeEventData(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

// TaskEventPayload is the Data schema for task lifecycle events.
type TaskEventPayload struct {
	TaskID string      `json:"task_id"`
	Status TaskStatus  `json:"status,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Result *TaskResult `json:"result,omitempty"`
}

// MessageEventPayload is the Data schema for AGENT_MESSAGE and
// CHANNEL_MESSAGE events.
type MessageEventPayload struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
}

// ToolEventPayload is the Data schema for TOOL_CALL and TOOL_RESULT
// events.
type ToolEventPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Content    string          `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// LLMEventPayload is the Data schema for LLM_REASONING and
// LLM_RESPONSE events.
type LLMEventPayload struct {
	Content   string `json:"content"`
	Iteration int    `json:"iteration,omitempty"`
}

// InputEventPayload is the Data schema for USER_INPUT_REQUEST and
// USER_INPUT_RESPONSE events.
type InputEventPayload struct {
	RequestID string          `json:"request_id"`
	Type      InputType       `json:"input_type,omitempty"`
	Prompt    string          `json:"prompt,omitempty"`
	Config    *InputConfig    `json:"config,omitempty"`
	Urgency   InputUrgency    `json:"urgency,omitempty"`
	Mode      InputMode       `json:"mode,omitempty"`
	State     RequestState    `json:"state,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// ToolListPayload is the Data schema for TOOL_LIST_UPDATED events.
type ToolListPayload struct {
	ServerID string   `json:"server_id"`
	Tools    []string `json:"tools"`
}
