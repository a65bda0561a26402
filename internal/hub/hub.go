// Package hub is the channel event fabric and task dispatcher. It owns
// channel membership, routes agent and channel messages with per-sender
// FIFO ordering, runs the task lifecycle, and coordinates completion
// across assignees per the task's coordination mode.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/pkg/models"
)

var (
	// ErrChannelNotFound is returned for operations on unknown channels.
	ErrChannelNotFound = errors.New("hub: channel not found")

	// ErrNotMember is returned when an agent is not a member of the
	// channel it operates in.
	ErrNotMember = errors.New("hub: agent is not a channel member")

	// ErrTaskNotFound is returned for operations on unknown tasks.
	ErrTaskNotFound = errors.New("hub: task not found")

	// ErrTaskTerminal is returned when mutating a task that already
	// reached a terminal state.
	ErrTaskTerminal = errors.New("hub: task is terminal")
)

// PresenceListener observes channel occupancy transitions. The MCP
// adapter implements this to drive server keep-alive.
type PresenceListener interface {
	ChannelActive(channelID string)
	ChannelIdle(channelID string)
}

// Canceller aborts an agent's in-flight session for a task. Executors
// register one per agent.
type Canceller func(taskID, reason string)

// taskState is the hub-private view of one live task.
type taskState struct {
	task *models.Task

	// completions holds per-assignee task_complete results.
	completions map[string]*models.TaskResult

	// sessionsEnded marks assignees whose session reached a terminal
	// state without completing the task.
	sessionsEnded map[string]bool
}

// Hub is the channel fabric. All task and membership mutation happens
// under the hub's writer lock; suspension points (persistence, event
// fan-out) run outside it.
type Hub struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	records *store.Records
	bus     *Bus

	mu         sync.RWMutex
	channels   map[string]*models.Channel
	online     map[string]map[string]bool // channelID -> online agent set
	tasks      map[string]*taskState
	cancellers map[string]Canceller

	presence PresenceListener
}

// New creates a hub over the given persistence layer. Metrics may be
// nil.
func New(logger *slog.Logger, metrics *observability.Metrics, records *store.Records, bus *Bus) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewBus(logger, metrics)
	}
	return &Hub{
		logger:     logger.With("component", "hub"),
		metrics:    metrics,
		records:    records,
		bus:        bus,
		channels:   make(map[string]*models.Channel),
		online:     make(map[string]map[string]bool),
		tasks:      make(map[string]*taskState),
		cancellers: make(map[string]Canceller),
	}
}

// Bus returns the hub's event bus.
func (h *Hub) Bus() *Bus { return h.bus }

// SetPresenceListener wires the keep-alive observer. Call before agents
// connect.
func (h *Hub) SetPresenceListener(p PresenceListener) { h.presence = p }

// EmitAgentEvent publishes an event on an agent's bus.
func (h *Hub) EmitAgentEvent(agentID string, event *models.Event) {
	h.bus.EmitAgentEvent(agentID, event)
}

// EmitChannelEvent publishes an event on a channel's bus.
func (h *Hub) EmitChannelEvent(channelID string, event *models.Event) {
	h.bus.EmitChannelEvent(channelID, event)
}

// RegisterChannel makes a channel live on the hub. Admin calls this on
// creation and at startup recovery.
func (h *Hub) RegisterChannel(channel *models.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[channel.ID] = channel
}

// DropChannel removes a channel from the hub. Live tasks of the channel
// are left to their executors; admin cancels them before dropping.
func (h *Hub) DropChannel(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, channelID)
	delete(h.online, channelID)
}

// Channel returns the current channel record. The returned value is a
// snapshot: mutators replace the stored record with an updated clone,
// so callers may read it without holding any lock but must not write
// through it.
func (h *Hub) Channel(channelID string) (*models.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[channelID]
	return c, ok
}

// AddMember appends an agent to the channel's member set and returns
// the updated record. Adding an existing member is a no-op.
func (h *Hub) AddMember(channelID, agentID string) (*models.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if channel.HasMember(agentID) {
		return channel, nil
	}
	next := channel.Clone()
	next.Members = append(next.Members, agentID)
	next.UpdatedAt = time.Now()
	h.channels[channelID] = next
	return next, nil
}

// UpsertMCPServer adds or replaces a server descriptor keyed by its ID
// and returns the updated record.
func (h *Hub) UpsertMCPServer(channelID string, spec models.MCPServerSpec) (*models.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	next := channel.Clone()
	replaced := false
	for i, existing := range next.MCPServers {
		if existing.ID == spec.ID {
			next.MCPServers[i] = spec
			replaced = true
			break
		}
	}
	if !replaced {
		next.MCPServers = append(next.MCPServers, spec)
	}
	next.UpdatedAt = time.Now()
	h.channels[channelID] = next
	return next, nil
}

// RemoveMCPServer drops a server descriptor and returns the updated
// record. Removing an unknown server is a no-op.
func (h *Hub) RemoveMCPServer(channelID, serverID string) (*models.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	next := channel.Clone()
	kept := next.MCPServers[:0]
	for _, spec := range next.MCPServers {
		if spec.ID != serverID {
			kept = append(kept, spec)
		}
	}
	next.MCPServers = kept
	next.UpdatedAt = time.Now()
	h.channels[channelID] = next
	return next, nil
}

// RegisterCanceller wires an executor's cancellation entry point for one
// agent.
func (h *Hub) RegisterCanceller(agentID string, cancel Canceller) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancellers[agentID] = cancel
}

// UnregisterCanceller removes the cancellation entry point.
func (h *Hub) UnregisterCanceller(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cancellers, agentID)
}

// Join marks an agent online in its channel. The first online agent
// makes the channel active for keep-alive purposes.
func (h *Hub) Join(channelID, agentID string) error {
	h.mu.Lock()
	channel, ok := h.channels[channelID]
	if !ok {
		h.mu.Unlock()
		return ErrChannelNotFound
	}
	if !channel.HasMember(agentID) {
		h.mu.Unlock()
		return ErrNotMember
	}
	set := h.online[channelID]
	if set == nil {
		set = make(map[string]bool)
		h.online[channelID] = set
	}
	first := len(set) == 0
	set[agentID] = true
	h.mu.Unlock()

	if first && h.presence != nil {
		h.presence.ChannelActive(channelID)
	}
	h.logger.Info("agent joined channel", "channel_id", channelID, "agent_id", agentID)
	return nil
}

// Leave marks an agent offline. When the last agent leaves, the channel
// goes idle and MCP keep-alive timers arm.
func (h *Hub) Leave(channelID, agentID string) {
	h.mu.Lock()
	set := h.online[channelID]
	delete(set, agentID)
	last := len(set) == 0
	h.mu.Unlock()

	if last && h.presence != nil {
		h.presence.ChannelIdle(channelID)
	}
	h.logger.Info("agent left channel", "channel_id", channelID, "agent_id", agentID)
}

// IsMember reports whether the agent is a configured member of the
// channel.
func (h *Hub) IsMember(channelID, agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	channel, ok := h.channels[channelID]
	return ok && channel.HasMember(agentID)
}

// Online reports whether the agent is currently connected.
func (h *Hub) Online(channelID, agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[channelID][agentID]
}

// SendAgentMessage delivers a direct message to the target agent. The
// sender and recipient must both be channel members.
func (h *Hub) SendAgentMessage(ctx context.Context, channelID, sender, recipient, content string) error {
	h.mu.RLock()
	channel, ok := h.channels[channelID]
	h.mu.RUnlock()
	if !ok {
		return ErrChannelNotFound
	}
	if !channel.HasMember(sender) {
		return fmt.Errorf("%w: sender %s", ErrNotMember, sender)
	}
	if !channel.HasMember(recipient) {
		return fmt.Errorf("%w: recipient %s", ErrNotMember, recipient)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now(),
	}
	h.bus.EmitAgentEvent(recipient, &models.Event{
		Type:      models.EventAgentMessage,
		AgentID:   recipient,
		ChannelID: channelID,
		Timestamp: msg.Timestamp,
		Data: models.EncodeEventData(models.MessageEventPayload{
			MessageID: msg.ID,
			Sender:    sender,
			Recipient: recipient,
			Content:   content,
		}),
	})
	return nil
}

// BroadcastMessage fans a channel message out to every online member
// except the sender.
func (h *Hub) BroadcastMessage(ctx context.Context, channelID, sender, content string) error {
	h.mu.RLock()
	channel, ok := h.channels[channelID]
	var members []string
	if ok {
		for id := range h.online[channelID] {
			if id != sender {
				members = append(members, id)
			}
		}
	}
	h.mu.RUnlock()
	if !ok {
		return ErrChannelNotFound
	}
	if sender != "" && !channel.HasMember(sender) {
		return fmt.Errorf("%w: sender %s", ErrNotMember, sender)
	}

	now := time.Now()
	payload := models.EncodeEventData(models.MessageEventPayload{
		MessageID: uuid.NewString(),
		Sender:    sender,
		Content:   content,
	})
	for _, member := range members {
		h.bus.EmitAgentEvent(member, &models.Event{
			Type:      models.EventChannelMessage,
			AgentID:   member,
			ChannelID: channelID,
			Timestamp: now,
			Data:      payload,
		})
	}
	h.bus.EmitChannelEvent(channelID, &models.Event{
		Type:      models.EventChannelMessage,
		ChannelID: channelID,
		Timestamp: now,
		Data:      payload,
	})
	return nil
}
