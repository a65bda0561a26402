package models

import "time"

// Channel is a named collaboration scope. It owns its member agents, the
// tool whitelist applied to every member, and the descriptors of the
// external MCP tool servers scoped to it.
type Channel struct {
	// ID uniquely identifies the channel.
	ID string `json:"id"`

	// Name is the human-readable channel name.
	Name string `json:"name"`

	// Members lists member agent IDs in join order.
	Members []string `json:"members"`

	// SystemLLMEnabled controls whether channel-level LLM orchestration
	// operations may be dispatched for agents in this channel.
	SystemLLMEnabled bool `json:"system_llm_enabled"`

	// AllowedTools is the whitelist applied to every member. An empty
	// set means no tools are permitted.
	AllowedTools []string `json:"allowed_tools"`

	// MCPServers holds the external tool-server descriptors registered
	// for this channel.
	MCPServers []MCPServerSpec `json:"mcp_servers,omitempty"`

	// OperationOverrides carries per-operation orchestration toggles
	// (taskAssignment, reasoning, interpretation, reflection,
	// coordination). Only SystemLLMEnabled is enforced by the executor.
	OperationOverrides map[string]bool `json:"operation_overrides,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the channel. The hub mutates channels
// copy-on-write, so snapshots it hands out never change underneath
// their readers.
func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	cp.AllowedTools = append([]string(nil), c.AllowedTools...)
	cp.MCPServers = append([]MCPServerSpec(nil), c.MCPServers...)
	if c.OperationOverrides != nil {
		cp.OperationOverrides = make(map[string]bool, len(c.OperationOverrides))
		for k, v := range c.OperationOverrides {
			cp.OperationOverrides[k] = v
		}
	}
	return &cp
}

// HasMember reports whether agentID is a member of the channel.
func (c *Channel) HasMember(agentID string) bool {
	for _, id := range c.Members {
		if id == agentID {
			return true
		}
	}
	return false
}

// MCPServerSpec describes an external tool server launched as a child
// process and scoped to one channel.
type MCPServerSpec struct {
	// ID identifies the server within its channel. The adapter keys
	// processes by (channel ID, server ID).
	ID string `json:"id"`

	// Command is the executable to spawn.
	Command string `json:"command"`

	// Args are passed to the command.
	Args []string `json:"args,omitempty"`

	// Env holds additional environment variables (KEY=VALUE merged over
	// the parent environment).
	Env map[string]string `json:"env,omitempty"`

	// WorkDir is the subprocess working directory.
	WorkDir string `json:"work_dir,omitempty"`

	// AutoStart starts the server when the channel is created or the
	// descriptor is registered.
	AutoStart bool `json:"auto_start"`

	// RestartOnCrash restarts the subprocess with exponential backoff
	// if it exits unexpectedly.
	RestartOnCrash bool `json:"restart_on_crash"`

	// KeepAliveMinutes keeps the server running after the last agent in
	// the channel goes offline. Zero means the default (10 minutes).
	KeepAliveMinutes int `json:"keep_alive_minutes,omitempty"`

	// TimeoutSeconds overrides the per-request timeout for tool calls.
	// Zero means the default (30 seconds).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ChannelKey is a credential issued for establishing an agent connection
// to a channel. The secret is returned once at issuance; only its hash is
// stored.
type ChannelKey struct {
	KeyID      string    `json:"key_id"`
	ChannelID  string    `json:"channel_id"`
	SecretHash string    `json:"secret_hash"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
}
