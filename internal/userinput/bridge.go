// Package userinput bridges agent tool calls to human responders. An
// agent opens a request through a tool call; an external surface (the
// HTTP API, a websocket client) answers it. Blocking requests suspend
// the calling tool until the request reaches a terminal state; async
// requests return immediately and are polled.
package userinput

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/pkg/models"
)

var (
	// ErrUnknownRequest is returned when a request id is not in the
	// table.
	ErrUnknownRequest = errors.New("userinput: unknown request")

	// ErrAlreadyResolved is returned when responding to a request that
	// already reached a terminal state.
	ErrAlreadyResolved = errors.New("userinput: request already resolved")

	// ErrClosed is returned when the bridge has been shut down.
	ErrClosed = errors.New("userinput: bridge closed")
)

// DefaultRetention is how long a resolved async request stays pollable
// before it is dropped from the table.
const DefaultRetention = 5 * time.Minute

// Emitter publishes events on behalf of the bridge. The channel hub
// implements this.
type Emitter interface {
	EmitAgentEvent(agentID string, event *models.Event)
}

// pending tracks one open request plus its wakeup machinery.
type pending struct {
	req   *models.UserInputRequest
	done  chan struct{}
	timer *time.Timer
}

// Bridge is the user-input request/response table. All transitions are
// single-fire: whichever of response, timeout, or cancellation arrives
// first wins, and the others become no-ops.
type Bridge struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	emitter Emitter

	// retention is the poll window for resolved async requests. Blocking
	// requests are dropped as soon as their waiter returns.
	retention time.Duration

	mu       sync.Mutex
	requests map[string]*pending
	closed   bool
}

// New creates a bridge. The emitter and metrics may be nil.
func New(logger *slog.Logger, metrics *observability.Metrics, emitter Emitter) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:    logger.With("component", "userinput"),
		metrics:   metrics,
		emitter:   emitter,
		retention: DefaultRetention,
		requests:  make(map[string]*pending),
	}
}

// AskBlocking opens a request and blocks until it reaches a terminal
// state. Context cancellation resolves the request as cancelled and
// returns it; the tool result carries the cancelled status rather than
// an error so the session can observe it.
func (b *Bridge) AskBlocking(ctx context.Context, req *models.UserInputRequest) (*models.UserInputRequest, error) {
	req.Mode = models.ModeBlocking
	p, err := b.open(req)
	if err != nil {
		return nil, err
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		b.resolve(req.ID, models.RequestCancelled, nil)
	}
	<-p.done

	resolved := b.snapshot(req.ID)
	b.evict(req.ID)
	return resolved, nil
}

// AskAsync opens a request and returns its id immediately.
func (b *Bridge) AskAsync(req *models.UserInputRequest) (string, error) {
	req.Mode = models.ModeAsync
	p, err := b.open(req)
	if err != nil {
		return "", err
	}
	return p.req.ID, nil
}

// Lookup returns a copy of the request's current state.
func (b *Bridge) Lookup(requestID string) (*models.UserInputRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.requests[requestID]
	if !ok {
		return nil, false
	}
	cp := *p.req
	return &cp, true
}

// Respond delivers a human answer. The first terminal transition wins;
// answering a timed-out or cancelled request fails with
// ErrAlreadyResolved.
func (b *Bridge) Respond(requestID string, value json.RawMessage) error {
	return b.resolve(requestID, models.RequestResponded, value)
}

// Cancel resolves a single open request as cancelled.
func (b *Bridge) Cancel(requestID string) error {
	return b.resolve(requestID, models.RequestCancelled, nil)
}

// CancelForAgent cancels every open request belonging to the agent.
// Used when an agent disconnects or its task is cancelled.
func (b *Bridge) CancelForAgent(agentID string) {
	for _, id := range b.openIDs(agentID) {
		_ = b.resolve(id, models.RequestCancelled, nil)
	}
}

// DrainAll cancels every open request. Called on shutdown.
func (b *Bridge) DrainAll() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	for _, id := range b.openIDs("") {
		_ = b.resolve(id, models.RequestCancelled, nil)
	}
}

// Open returns copies of all open requests, oldest first, for responder
// surfaces to render.
func (b *Bridge) Open() []*models.UserInputRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.UserInputRequest
	for _, p := range b.requests {
		if p.req.State == models.RequestOpen {
			cp := *p.req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Bridge) open(req *models.UserInputRequest) (*pending, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.State = models.RequestOpen
	req.CreatedAt = time.Now()

	p := &pending{req: req, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.requests[req.ID] = p
	if req.TimeoutMs > 0 {
		id := req.ID
		p.timer = time.AfterFunc(time.Duration(req.TimeoutMs)*time.Millisecond, func() {
			_ = b.resolve(id, models.RequestTimedOut, nil)
		})
	}
	b.mu.Unlock()

	b.emit(models.EventUserInputRequest, req)
	b.logger.Info("user input requested",
		"request_id", req.ID,
		"agent_id", req.AgentID,
		"mode", req.Mode,
		"input_type", req.Type)
	return p, nil
}

func (b *Bridge) resolve(requestID string, state models.RequestState, value json.RawMessage) error {
	b.mu.Lock()
	p, ok := b.requests[requestID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownRequest
	}
	if p.req.State.Terminal() {
		b.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.req.State = state
	p.req.Value = value
	p.req.ResolvedAt = time.Now()
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
	req := *p.req
	if req.Mode == models.ModeAsync {
		// Keep the answer pollable for a grace period, then drop it so
		// the table does not grow without bound.
		time.AfterFunc(b.retention, func() { b.evict(requestID) })
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.UserInputWait.
			WithLabelValues(string(req.Mode), string(state)).
			Observe(req.ResolvedAt.Sub(req.CreatedAt).Seconds())
	}
	b.emit(models.EventUserInputResponse, &req)
	b.logger.Info("user input resolved",
		"request_id", req.ID,
		"agent_id", req.AgentID,
		"state", state)
	return nil
}

// evict drops a request from the table. Open requests are never
// evicted; the first terminal transition always lands first.
func (b *Bridge) evict(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.requests[requestID]; ok && p.req.State.Terminal() {
		delete(b.requests, requestID)
	}
}

func (b *Bridge) snapshot(requestID string) *models.UserInputRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.requests[requestID]; ok {
		cp := *p.req
		return &cp
	}
	return nil
}

func (b *Bridge) openIDs(agentID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, p := range b.requests {
		if p.req.State != models.RequestOpen {
			continue
		}
		if agentID != "" && p.req.AgentID != agentID {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (b *Bridge) emit(t models.EventType, req *models.UserInputRequest) {
	if b.emitter == nil {
		return
	}
	payload := models.InputEventPayload{
		RequestID: req.ID,
		Type:      req.Type,
		Prompt:    req.Prompt,
		Urgency:   req.Urgency,
		Mode:      req.Mode,
		State:     req.State,
	}
	if t == models.EventUserInputRequest {
		cfg := req.Config
		payload.Config = &cfg
	}
	if req.State == models.RequestResponded {
		payload.Value = req.Value
	}
	b.emitter.EmitAgentEvent(req.AgentID, &models.Event{
		Type:      t,
		AgentID:   req.AgentID,
		Timestamp: time.Now(),
		Data:      models.EncodeEventData(payload),
	})
}
