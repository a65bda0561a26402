// Package admin is the control surface: channel lifecycle, key
// issuance, agent registration, and MCP server registration. Every
// operation requires the admin token; key authentication mints the
// short-lived session tokens the gateway accepts.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/mcp"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/pkg/models"
)

var (
	// ErrUnauthorized is returned when the presented admin token does
	// not match.
	ErrUnauthorized = errors.New("admin: unauthorized")

	// ErrChannelExists is returned when creating a channel whose ID is
	// already taken.
	ErrChannelExists = errors.New("admin: channel already exists")

	// ErrChannelNotFound is returned for operations on unknown channels.
	ErrChannelNotFound = errors.New("admin: channel not found")

	// ErrInvalidCredentials is returned when key authentication fails.
	// Revoked keys, wrong secrets, and unknown key IDs are deliberately
	// indistinguishable.
	ErrInvalidCredentials = errors.New("admin: invalid credentials")
)

// Config holds the admin service's authentication material.
type Config struct {
	// AdminToken authenticates admin operations.
	AdminToken string

	// SessionSecret signs agent session tokens.
	SessionSecret []byte

	// SessionTTL bounds session token validity. Zero means 1 hour.
	SessionTTL time.Duration
}

// Service implements the admin surface over the persistence layer, the
// hub, and the MCP adapter.
type Service struct {
	logger  *slog.Logger
	cfg     Config
	records *store.Records
	hub     *hub.Hub
	adapter *mcp.Adapter
}

// New creates the admin service. The adapter may be nil in tests.
func New(logger *slog.Logger, cfg Config, records *store.Records, h *hub.Hub, adapter *mcp.Adapter) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	return &Service{
		logger:  logger.With("component", "admin"),
		cfg:     cfg,
		records: records,
		hub:     h,
		adapter: adapter,
	}
}

// Authorize checks the admin token in constant time.
func (s *Service) Authorize(token string) error {
	if s.cfg.AdminToken == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// ChannelSpec is the admin-facing channel creation request.
type ChannelSpec struct {
	ID               string                 `json:"id,omitempty"`
	Name             string                 `json:"name"`
	SystemLLMEnabled bool                   `json:"system_llm_enabled"`
	AllowedTools     []string               `json:"allowed_tools"`
	MCPServers       []models.MCPServerSpec `json:"mcp_servers,omitempty"`
	Overrides        map[string]bool        `json:"operation_overrides,omitempty"`
}

// CreateChannel persists a channel, registers it with the hub, and
// starts its auto-start MCP servers.
func (s *Service) CreateChannel(ctx context.Context, spec ChannelSpec) (*models.Channel, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("admin: channel name is required")
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.hub.Channel(id); ok {
		return nil, ErrChannelExists
	}
	if _, err := s.records.GetChannel(ctx, id); err == nil {
		return nil, ErrChannelExists
	}

	now := time.Now()
	channel := &models.Channel{
		ID:                 id,
		Name:               spec.Name,
		SystemLLMEnabled:   spec.SystemLLMEnabled,
		AllowedTools:       spec.AllowedTools,
		MCPServers:         spec.MCPServers,
		OperationOverrides: spec.Overrides,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.records.PutChannel(ctx, channel); err != nil {
		return nil, err
	}
	s.hub.RegisterChannel(channel)
	if s.adapter != nil {
		if err := s.adapter.StartChannel(ctx, channel); err != nil {
			s.logger.Warn("failed to start channel MCP servers",
				"channel_id", id, "error", err)
		}
	}
	s.logger.Info("channel created", "channel_id", id, "name", spec.Name)
	return channel, nil
}

// DeleteChannel cancels the channel's live tasks, forces its members
// offline, stops its MCP servers, and removes the channel and its agent
// records. Keys issued for the channel are revoked.
func (s *Service) DeleteChannel(ctx context.Context, channelID string) error {
	channel, ok := s.hub.Channel(channelID)
	if !ok {
		var err error
		channel, err = s.records.GetChannel(ctx, channelID)
		if err != nil {
			return ErrChannelNotFound
		}
	}

	for _, taskID := range s.hub.LiveTasks(channelID) {
		if err := s.hub.CancelTask(ctx, taskID, "channel deleted"); err != nil {
			s.logger.Warn("failed to cancel task on channel delete",
				"channel_id", channelID, "task_id", taskID, "error", err)
		}
	}
	for _, agentID := range channel.Members {
		s.hub.Leave(channelID, agentID)
	}
	if s.adapter != nil {
		s.adapter.StopChannel(channelID)
	}
	s.hub.DropChannel(channelID)

	for _, agentID := range channel.Members {
		if err := s.records.DeleteAgent(ctx, agentID); err != nil {
			s.logger.Warn("failed to delete agent record",
				"agent_id", agentID, "error", err)
		}
	}
	keys, err := s.records.ListKeys(ctx, channelID)
	if err == nil {
		for _, key := range keys {
			key.Revoked = true
			if err := s.records.PutKey(ctx, key); err != nil {
				s.logger.Warn("failed to revoke key on channel delete",
					"key_id", key.KeyID, "error", err)
			}
		}
	}
	if err := s.records.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	s.logger.Info("channel deleted", "channel_id", channelID)
	return nil
}

// IssuedKey carries the one-time secret back to the caller. Only the
// hash is stored.
type IssuedKey struct {
	KeyID     string `json:"key_id"`
	ChannelID string `json:"channel_id"`
	SecretKey string `json:"secret_key"`
}

// IssueKey mints a connection credential for a channel.
func (s *Service) IssueKey(ctx context.Context, channelID string) (*IssuedKey, error) {
	if _, ok := s.hub.Channel(channelID); !ok {
		if _, err := s.records.GetChannel(ctx, channelID); err != nil {
			return nil, ErrChannelNotFound
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("admin: generate secret: %w", err)
	}
	secretKey := hex.EncodeToString(secret)

	key := &models.ChannelKey{
		KeyID:      uuid.NewString(),
		ChannelID:  channelID,
		SecretHash: hashSecret(secretKey),
		CreatedAt:  time.Now(),
	}
	if err := s.records.PutKey(ctx, key); err != nil {
		return nil, err
	}
	s.logger.Info("key issued", "channel_id", channelID, "key_id", key.KeyID)
	return &IssuedKey{KeyID: key.KeyID, ChannelID: channelID, SecretKey: secretKey}, nil
}

// ListKeys returns the keys issued for a channel. Secrets are never
// recoverable.
func (s *Service) ListKeys(ctx context.Context, channelID string) ([]*models.ChannelKey, error) {
	return s.records.ListKeys(ctx, channelID)
}

// RevokeKey marks a key revoked. Idempotent; existing agent sessions
// are unaffected, only new connections are refused.
func (s *Service) RevokeKey(ctx context.Context, keyID string) error {
	key, err := s.records.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if key.Revoked {
		return nil
	}
	key.Revoked = true
	if err := s.records.PutKey(ctx, key); err != nil {
		return err
	}
	s.logger.Info("key revoked", "key_id", keyID)
	return nil
}

// AgentSpec is the admin-facing agent registration request.
type AgentSpec struct {
	ID                        string           `json:"id,omitempty"`
	Name                      string           `json:"name"`
	ChannelID                 string           `json:"channel_id"`
	KeyID                     string           `json:"key_id,omitempty"`
	SystemPrompt              string           `json:"system_prompt,omitempty"`
	LLM                       models.LLMConfig `json:"llm"`
	AllowedTools              []string         `json:"allowed_tools"`
	CircuitBreakerExemptTools []string         `json:"circuit_breaker_exempt_tools,omitempty"`
}

// RegisterAgent creates an agent record and adds it to its channel's
// member set. The agent's tool whitelist is clipped to the channel's.
func (s *Service) RegisterAgent(ctx context.Context, spec AgentSpec) (*models.Agent, error) {
	if spec.Name == "" || spec.ChannelID == "" {
		return nil, fmt.Errorf("admin: agent name and channel_id are required")
	}
	channel, ok := s.hub.Channel(spec.ChannelID)
	if !ok {
		return nil, ErrChannelNotFound
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	agent := &models.Agent{
		ID:                        id,
		Name:                      spec.Name,
		ChannelID:                 spec.ChannelID,
		KeyID:                     spec.KeyID,
		SystemPrompt:              spec.SystemPrompt,
		LLM:                       spec.LLM,
		AllowedTools:              intersect(spec.AllowedTools, channel.AllowedTools),
		CircuitBreakerExemptTools: spec.CircuitBreakerExemptTools,
		Status:                    models.AgentOffline,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if err := s.records.PutAgent(ctx, agent); err != nil {
		return nil, err
	}

	updated, err := s.hub.AddMember(spec.ChannelID, id)
	if err != nil {
		return nil, ErrChannelNotFound
	}
	if err := s.records.PutChannel(ctx, updated); err != nil {
		return nil, err
	}
	s.logger.Info("agent registered",
		"agent_id", id, "channel_id", spec.ChannelID, "name", spec.Name)
	return agent, nil
}

// RegisterMCPServer adds or replaces a channel-scoped MCP server
// descriptor. Idempotent on (channelID, spec.ID): re-registering an
// identical spec does not spawn a second process.
func (s *Service) RegisterMCPServer(ctx context.Context, channelID string, spec models.MCPServerSpec) error {
	if _, ok := s.hub.Channel(channelID); !ok {
		return ErrChannelNotFound
	}
	if spec.ID == "" || spec.Command == "" {
		return fmt.Errorf("admin: server id and command are required")
	}

	updated, err := s.hub.UpsertMCPServer(channelID, spec)
	if err != nil {
		return ErrChannelNotFound
	}
	if err := s.records.PutChannel(ctx, updated); err != nil {
		return err
	}

	if s.adapter != nil && spec.AutoStart {
		if err := s.adapter.Register(ctx, channelID, spec); err != nil {
			return err
		}
	}
	s.logger.Info("mcp server registered",
		"channel_id", channelID, "server_id", spec.ID)
	return nil
}

// UnregisterMCPServer removes a server descriptor and stops its
// process.
func (s *Service) UnregisterMCPServer(ctx context.Context, channelID, serverID string) error {
	if _, ok := s.hub.Channel(channelID); !ok {
		return ErrChannelNotFound
	}
	updated, err := s.hub.RemoveMCPServer(channelID, serverID)
	if err != nil {
		return ErrChannelNotFound
	}
	if err := s.records.PutChannel(ctx, updated); err != nil {
		return err
	}

	if s.adapter != nil {
		s.adapter.Unregister(channelID, serverID)
	}
	s.logger.Info("mcp server unregistered",
		"channel_id", channelID, "server_id", serverID)
	return nil
}

// Recover loads persisted channels into the hub and starts their
// auto-start MCP servers. Called once at startup.
func (s *Service) Recover(ctx context.Context) error {
	channels, err := s.records.ListChannels(ctx)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		s.hub.RegisterChannel(channel)
		if s.adapter != nil {
			if err := s.adapter.StartChannel(ctx, channel); err != nil {
				s.logger.Warn("failed to start channel MCP servers",
					"channel_id", channel.ID, "error", err)
			}
		}
	}
	s.logger.Info("recovered channels", "count", len(channels))
	return nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func intersect(agentTools, channelTools []string) []string {
	allowed := make(map[string]bool, len(channelTools))
	for _, name := range channelTools {
		allowed[name] = true
	}
	var out []string
	for _, name := range agentTools {
		if allowed[name] {
			out = append(out, name)
		}
	}
	return out
}
