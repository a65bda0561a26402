package models

import (
	"encoding/json"
	"time"
)

// InputType selects the kind of human input requested.
type InputType string

const (
	InputText        InputType = "text"
	InputSelect      InputType = "select"
	InputMultiSelect InputType = "multi_select"
	InputConfirm     InputType = "confirm"
)

// InputUrgency hints at how prominently a responder surface should show
// the request.
type InputUrgency string

const (
	UrgencyLow      InputUrgency = "low"
	UrgencyNormal   InputUrgency = "normal"
	UrgencyHigh     InputUrgency = "high"
	UrgencyCritical InputUrgency = "critical"
)

// InputMode distinguishes blocking requests, which suspend the agent's
// iteration, from async requests polled via a separate tool.
type InputMode string

const (
	ModeBlocking InputMode = "blocking"
	ModeAsync    InputMode = "async"
)

// RequestState is the lifecycle state of a user-input request.
type RequestState string

const (
	RequestOpen      RequestState = "open"
	RequestResponded RequestState = "responded"
	RequestTimedOut  RequestState = "timed_out"
	RequestCancelled RequestState = "cancelled"
)

// Terminal reports whether the state ends the request.
func (s RequestState) Terminal() bool { return s != RequestOpen }

// InputConfig carries type-specific presentation options.
type InputConfig struct {
	Options     []string `json:"options,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Min         int      `json:"min,omitempty"`
	Max         int      `json:"max,omitempty"`
}

// UserInputRequest is one pending question from an agent to a human
// responder.
type UserInputRequest struct {
	ID      string       `json:"id"`
	AgentID string       `json:"agent_id"`
	Type    InputType    `json:"type"`
	Prompt  string       `json:"prompt"`
	Config  InputConfig  `json:"config,omitempty"`
	Urgency InputUrgency `json:"urgency,omitempty"`
	Theme   string       `json:"theme,omitempty"`
	Mode    InputMode    `json:"mode"`

	// TimeoutMs bounds how long the request stays open. Zero means
	// unbounded.
	TimeoutMs int `json:"timeout_ms,omitempty"`

	State RequestState `json:"state"`

	// Value is the responder's answer, set when State is responded.
	Value json.RawMessage `json:"value,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}
