package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/pkg/models"
)

// subscriptionBuffer bounds each subscriber's queue. A slow subscriber
// loses newest events rather than stalling emitters.
const subscriptionBuffer = 256

// Subscription is one consumer's ordered view of a bus scope.
type Subscription struct {
	ch     chan *models.Event
	cancel func()
	once   sync.Once
}

// Events returns the ordered event stream.
func (s *Subscription) Events() <-chan *models.Event { return s.ch }

// Close detaches the subscription. The channel is closed; pending
// events may still be drained.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	ch     chan *models.Event
	closed bool
}

// Bus is the typed event fabric. Emission assigns a bus-wide monotonic
// sequence number; per-agent and per-channel subscribers observe their
// scope's events in emission order.
type Bus struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	seq      uint64
	agents   map[string]map[*subscriber]struct{}
	channels map[string]map[*subscriber]struct{}
}

// NewBus creates an empty bus. Metrics may be nil.
func NewBus(logger *slog.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With("component", "bus"),
		metrics:  metrics,
		agents:   make(map[string]map[*subscriber]struct{}),
		channels: make(map[string]map[*subscriber]struct{}),
	}
}

// SubscribeAgent subscribes to events addressed to one agent.
func (b *Bus) SubscribeAgent(agentID string) *Subscription {
	return b.subscribe(b.agents, agentID)
}

// SubscribeChannel subscribes to events addressed to one channel.
func (b *Bus) SubscribeChannel(channelID string) *Subscription {
	return b.subscribe(b.channels, channelID)
}

func (b *Bus) subscribe(scope map[string]map[*subscriber]struct{}, key string) *Subscription {
	sub := &subscriber{ch: make(chan *models.Event, subscriptionBuffer)}
	b.mu.Lock()
	set := scope[key]
	if set == nil {
		set = make(map[*subscriber]struct{})
		scope[key] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			b.mu.Lock()
			if !sub.closed {
				sub.closed = true
				delete(scope[key], sub)
				if len(scope[key]) == 0 {
					delete(scope, key)
				}
				close(sub.ch)
			}
			b.mu.Unlock()
		},
	}
}

// EmitAgentEvent delivers an event to the agent's subscribers.
func (b *Bus) EmitAgentEvent(agentID string, event *models.Event) {
	b.emit(b.agents, agentID, event)
}

// EmitChannelEvent delivers an event to the channel's subscribers.
func (b *Bus) EmitChannelEvent(channelID string, event *models.Event) {
	b.emit(b.channels, channelID, event)
}

func (b *Bus) emit(scope map[string]map[*subscriber]struct{}, key string, event *models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.seq++
	event.Seq = b.seq
	for sub := range scope[key] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				"scope_key", key,
				"event_type", event.Type,
				"seq", event.Seq)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventCounter.WithLabelValues(string(event.Type)).Inc()
	}
}
