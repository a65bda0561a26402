package models

import "time"

// AgentStatus is the connection state of an agent.
type AgentStatus string

const (
	AgentOffline       AgentStatus = "offline"
	AgentConnecting    AgentStatus = "connecting"
	AgentOnline        AgentStatus = "online"
	AgentDisconnecting AgentStatus = "disconnecting"
)

// LLMConfig holds the sampling and provider configuration for one agent.
type LLMConfig struct {
	// Provider names the LLM backend ("anthropic", "openai", ...).
	Provider string `json:"provider"`

	// Model is the provider model identifier.
	Model string `json:"model"`

	// Temperature is the sampling temperature.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ReasoningEnabled requests extended reasoning from providers that
	// support it.
	ReasoningEnabled bool `json:"reasoning_enabled,omitempty"`

	// MaxIterations bounds the iteration loop of a task session.
	// Zero means the configured default (10).
	MaxIterations int `json:"max_iterations,omitempty"`
}

// Agent is an LLM-backed participant bound to one channel.
type Agent struct {
	// ID uniquely identifies the agent.
	ID string `json:"id"`

	// Name is the display name.
	Name string `json:"name"`

	// ChannelID is the owning channel.
	ChannelID string `json:"channel_id"`

	// KeyID references the channel key the agent authenticates with.
	KeyID string `json:"key_id,omitempty"`

	// SystemPrompt is the agent's behavior prompt.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// LLM is the provider configuration.
	LLM LLMConfig `json:"llm"`

	// AllowedTools is the agent's own tool whitelist; the effective set
	// is the intersection with the channel whitelist.
	AllowedTools []string `json:"allowed_tools"`

	// CircuitBreakerExemptTools lists tools that may be invoked with
	// identical arguments repeatedly without tripping the stuck
	// detector (legitimate polling tools).
	CircuitBreakerExemptTools []string `json:"circuit_breaker_exempt_tools,omitempty"`

	// Status is the connection state.
	Status AgentStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolExempt reports whether name is exempt from the circuit breaker.
func (a *Agent) ToolExempt(name string) bool {
	for _, t := range a.CircuitBreakerExemptTools {
		if t == name {
			return true
		}
	}
	return false
}
