// Package config loads the runtime configuration from YAML or JSON5
// files with $include composition and environment-variable expansion,
// then applies environment overrides and defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file and environment leave fields unset.
const (
	DefaultListenAddr       = ":8420"
	DefaultMaxIterations    = 10
	DefaultBreakerTripCount = 3
	DefaultToolTimeoutMs    = 30000
	DefaultStoreDriver      = "memory"
)

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	// ListenAddr is the bind address for the API and agent stream.
	ListenAddr string `yaml:"listen_addr"`

	// ReadTimeoutSec and WriteTimeoutSec bound HTTP request handling.
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
}

// ProviderConfig holds one LLM backend's credentials.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// AdminConfig holds the control-surface authentication material.
type AdminConfig struct {
	// Token authenticates admin API calls.
	Token string `yaml:"token"`

	// SessionSecret signs agent session tokens. Generated at startup
	// when empty.
	SessionSecret string `yaml:"session_secret"`

	// SessionTTLMinutes bounds session token validity. Zero means 60.
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// MCPConfig holds subprocess defaults.
type MCPConfig struct {
	// WorkDir is the default working directory for tool-server
	// subprocesses.
	WorkDir string `yaml:"work_dir"`
}

// LoggingConfig mirrors observability.LogConfig in file form.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig mirrors observability.TraceConfig in file form.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// GatewayConfig tunes the LLM gateway worker pools.
type GatewayConfig struct {
	Concurrency       int     `yaml:"concurrency"`
	QueueDepth        int     `yaml:"queue_depth"`
	MaxRetries        int     `yaml:"max_retries"`
	CallTimeoutSec    int     `yaml:"call_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ToolTimeouts holds the per-invocation tool timeout policy in
// milliseconds.
type ToolTimeouts struct {
	DefaultMs int            `yaml:"default_ms"`
	ByToolMs  map[string]int `yaml:"by_tool_ms"`
}

// RuntimeConfig holds the executor and channel toggles.
type RuntimeConfig struct {
	// MaxIterationsDefault bounds task sessions when the agent does not
	// override it.
	MaxIterationsDefault int `yaml:"max_iterations_default"`

	// CircuitBreakerTripCount is how many identical tool calls trip the
	// stuck detector.
	CircuitBreakerTripCount int `yaml:"circuit_breaker_trip_count"`

	// ToolTimeouts is the per-tool timeout policy.
	ToolTimeouts ToolTimeouts `yaml:"tool_timeouts"`

	// ChannelSystemLLM is the default for new channels' system-LLM
	// toggle.
	ChannelSystemLLM bool `yaml:"channel_system_llm"`

	// PerChannelOverrides overrides ChannelSystemLLM per channel ID.
	PerChannelOverrides map[string]bool `yaml:"per_channel_overrides"`
}

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Admin     AdminConfig               `yaml:"admin"`
	Store     StoreConfig               `yaml:"store"`
	MCP       MCPConfig                 `yaml:"mcp"`
	Logging   LoggingConfig             `yaml:"logging"`
	Tracing   TracingConfig             `yaml:"tracing"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Runtime   RuntimeConfig             `yaml:"runtime"`
}

// Load reads, merges, and validates the configuration at path. An empty
// path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := loadTree(path)
		if err != nil {
			return nil, err
		}
		cfg, err = strictDecode(raw)
		if err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// strictDecode re-marshals the merged tree through YAML with unknown
// fields rejected, catching typos anywhere in the include chain.
func strictDecode(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: serialize merged tree: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// applyEnv maps well-known environment variables over the file values.
// Environment wins.
func (c *Config) applyEnv() {
	if v := os.Getenv("MXF_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MXF_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("MXF_SESSION_SECRET"); v != "" {
		c.Admin.SessionSecret = v
	}
	if v := os.Getenv("MXF_SQLITE_PATH"); v != "" {
		c.Store.Driver = "sqlite"
		c.Store.Path = v
	}
	if v := os.Getenv("MXF_MCP_WORK_DIR"); v != "" {
		c.MCP.WorkDir = v
	}
	if v := os.Getenv("MXF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MXF_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Runtime.MaxIterationsDefault = n
		}
	}
	c.applyProviderEnv("anthropic", "ANTHROPIC_API_KEY")
	c.applyProviderEnv("openai", "OPENAI_API_KEY")
}

func (c *Config) applyProviderEnv(name, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	p := c.Providers[name]
	if p.APIKey == "" {
		p.APIKey = v
		c.Providers[name] = p
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Runtime.MaxIterationsDefault <= 0 {
		c.Runtime.MaxIterationsDefault = DefaultMaxIterations
	}
	if c.Runtime.CircuitBreakerTripCount <= 0 {
		c.Runtime.CircuitBreakerTripCount = DefaultBreakerTripCount
	}
	if c.Runtime.ToolTimeouts.DefaultMs <= 0 {
		c.Runtime.ToolTimeouts.DefaultMs = DefaultToolTimeoutMs
	}
	if c.Admin.SessionTTLMinutes <= 0 {
		c.Admin.SessionTTLMinutes = 60
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "mxf"
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			return fmt.Errorf("config: provider %s has no api_key", name)
		}
	}
	return nil
}

// ToolTimeout returns the effective timeout for one tool.
func (c *Config) ToolTimeout(name string) time.Duration {
	if ms, ok := c.Runtime.ToolTimeouts.ByToolMs[name]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.Runtime.ToolTimeouts.DefaultMs) * time.Millisecond
}

// ToolTimeoutMap converts the by-tool overrides to durations.
func (c *Config) ToolTimeoutMap() map[string]time.Duration {
	if len(c.Runtime.ToolTimeouts.ByToolMs) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Runtime.ToolTimeouts.ByToolMs))
	for name, ms := range c.Runtime.ToolTimeouts.ByToolMs {
		out[name] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// SystemLLMEnabled resolves the channel-level system LLM toggle for one
// channel, honoring per-channel overrides.
func (c *Config) SystemLLMEnabled(channelID string) bool {
	if v, ok := c.Runtime.PerChannelOverrides[channelID]; ok {
		return v
	}
	return c.Runtime.ChannelSystemLLM
}
