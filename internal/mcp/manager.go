package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/pkg/models"
)

const (
	// initialBackoff is the first restart delay after a crash.
	initialBackoff = time.Second

	// maxBackoff caps the restart delay.
	maxBackoff = 60 * time.Second

	// stableUptime resets the backoff when a server stays up this long.
	stableUptime = 30 * time.Second

	// defaultKeepAlive keeps servers running after the last agent in
	// their channel goes offline.
	defaultKeepAlive = 10 * time.Minute
)

// ErrServerDown is wrapped into fail-fast tool results while a server
// is being restarted.
var ErrServerDown = errors.New("mcp: server is down")

// Emitter publishes channel events on behalf of the adapter. The
// channel hub implements this.
type Emitter interface {
	EmitChannelEvent(channelID string, event *models.Event)
}

type serverKey struct {
	channelID string
	serverID  string
}

// supervised is one managed server: its spec, the live client when
// connected, and the stop signal for its supervisor goroutine.
type supervised struct {
	key  serverKey
	spec models.MCPServerSpec

	mu        sync.RWMutex
	client    *Client
	toolNames []string

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (s *supervised) currentClient() *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *supervised) setClient(c *Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *supervised) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *supervised) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Adapter manages external tool servers keyed by (channelID, serverID).
// Each server runs under a supervisor goroutine that restarts it with
// exponential backoff after crashes; announced tools are bridged into
// the registry scoped to the owning channel.
type Adapter struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	registry *tools.Registry
	emitter  Emitter

	mu      sync.Mutex
	servers map[serverKey]*supervised
	idle    map[serverKey]*time.Timer
	closed  bool
}

// NewAdapter creates an adapter. Metrics and emitter may be nil.
func NewAdapter(logger *slog.Logger, metrics *observability.Metrics, registry *tools.Registry, emitter Emitter) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:   logger.With("component", "mcp"),
		metrics:  metrics,
		registry: registry,
		emitter:  emitter,
		servers:  make(map[serverKey]*supervised),
		idle:     make(map[serverKey]*time.Timer),
	}
}

// Register starts a server for the channel. Registering a spec whose
// (channelID, serverID) is already running is a no-op: no second
// process is spawned.
func (a *Adapter) Register(ctx context.Context, channelID string, spec models.MCPServerSpec) error {
	if err := ValidateCommand(spec.Command, spec.WorkDir, spec.Args); err != nil {
		return err
	}

	key := serverKey{channelID: channelID, serverID: spec.ID}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("mcp: adapter closed")
	}
	if _, exists := a.servers[key]; exists {
		a.mu.Unlock()
		return nil
	}
	s := &supervised{
		key:    key,
		spec:   spec,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	a.servers[key] = s
	a.mu.Unlock()

	go a.supervise(s)
	return nil
}

// StartChannel starts every auto-start server declared on the channel.
func (a *Adapter) StartChannel(ctx context.Context, channel *models.Channel) error {
	var firstErr error
	for _, spec := range channel.MCPServers {
		if !spec.AutoStart {
			continue
		}
		if err := a.Register(ctx, channel.ID, spec); err != nil {
			a.logger.Error("failed to start tool server",
				"channel_id", channel.ID,
				"server_id", spec.ID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Unregister stops one server and drops its tools from the registry.
func (a *Adapter) Unregister(channelID, serverID string) {
	key := serverKey{channelID: channelID, serverID: serverID}
	a.mu.Lock()
	s, ok := a.servers[key]
	if ok {
		delete(a.servers, key)
	}
	if t, ok := a.idle[key]; ok {
		t.Stop()
		delete(a.idle, key)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	s.stop()
	<-s.done
}

// StopChannel stops every server of the channel. Used on channel
// deletion and shutdown.
func (a *Adapter) StopChannel(channelID string) {
	a.mu.Lock()
	var keys []serverKey
	for key := range a.servers {
		if key.channelID == channelID {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()
	for _, key := range keys {
		a.Unregister(key.channelID, key.serverID)
	}
}

// Close stops every server.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	var keys []serverKey
	for key := range a.servers {
		keys = append(keys, key)
	}
	a.mu.Unlock()
	for _, key := range keys {
		a.Unregister(key.channelID, key.serverID)
	}
}

// ChannelIdle arms the keep-alive timers of the channel's servers.
// Called when the last agent in the channel goes offline; each server
// is stopped after its keep-alive window unless the channel becomes
// active again.
func (a *Adapter) ChannelIdle(channelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, s := range a.servers {
		if key.channelID != channelID {
			continue
		}
		if _, armed := a.idle[key]; armed {
			continue
		}
		keepAlive := defaultKeepAlive
		if s.spec.KeepAliveMinutes > 0 {
			keepAlive = time.Duration(s.spec.KeepAliveMinutes) * time.Minute
		}
		k := key
		a.idle[k] = time.AfterFunc(keepAlive, func() {
			a.logger.Info("keep-alive expired, stopping tool server",
				"channel_id", k.channelID,
				"server_id", k.serverID)
			a.Unregister(k.channelID, k.serverID)
		})
	}
}

// ChannelActive disarms the keep-alive timers. Called when an agent in
// the channel comes online.
func (a *Adapter) ChannelActive(channelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, t := range a.idle {
		if key.channelID == channelID {
			t.Stop()
			delete(a.idle, key)
		}
	}
}

// ServerStatus is the admin-facing view of one managed server.
type ServerStatus struct {
	ChannelID string     `json:"channel_id"`
	ServerID  string     `json:"server_id"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server,omitempty"`
	Tools     int        `json:"tools"`
}

// Status reports every managed server.
func (a *Adapter) Status() []ServerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ServerStatus, 0, len(a.servers))
	for key, s := range a.servers {
		st := ServerStatus{ChannelID: key.channelID, ServerID: key.serverID}
		if c := s.currentClient(); c != nil {
			st.Connected = c.Connected()
			st.Server = c.ServerInfo()
			st.Tools = len(c.Tools())
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].ServerID < out[j].ServerID
	})
	return out
}

// supervise runs the start/monitor/restart loop for one server. The
// loop ends on deliberate stop or when restarts are disabled.
func (a *Adapter) supervise(s *supervised) {
	defer close(s.done)
	defer a.teardown(s)

	logger := a.logger.With(
		"channel_id", s.key.channelID,
		"server_id", s.key.serverID)

	backoff := initialBackoff
	for {
		if s.stopping() {
			return
		}

		started := time.Now()
		client, err := a.connect(s)
		if err != nil {
			logger.Error("failed to start tool server", "error", err)
			if !s.spec.RestartOnCrash {
				return
			}
			if !a.sleep(s, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.setClient(client)
		a.bridgeTools(s, client)

		select {
		case <-client.Exited():
		case <-s.stopCh:
			_ = client.Close()
			return
		}

		// Down: fail fast until the restart completes.
		s.setClient(nil)

		if !s.spec.RestartOnCrash || s.stopping() {
			return
		}
		if a.metrics != nil {
			a.metrics.MCPRestarts.WithLabelValues(s.key.channelID, s.key.serverID).Inc()
		}
		if time.Since(started) >= stableUptime {
			backoff = initialBackoff
		}
		logger.Warn("tool server crashed, restarting", "backoff", backoff)
		if !a.sleep(s, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (a *Adapter) connect(s *supervised) (*Client, error) {
	timeout := defaultCallTimeout
	if s.spec.TimeoutSeconds > 0 {
		timeout = time.Duration(s.spec.TimeoutSeconds) * time.Second
	}
	transport := NewStdioTransport(TransportOptions{
		Command: s.spec.Command,
		Args:    s.spec.Args,
		Env:     s.spec.Env,
		WorkDir: s.spec.WorkDir,
		Timeout: timeout,
		Logger: a.logger.With(
			"channel_id", s.key.channelID,
			"server_id", s.key.serverID),
	})
	client := NewClient(transport, a.logger)
	if err := client.Connect(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

// bridgeTools registers the announced tools into the registry scoped to
// the owning channel, and emits TOOL_LIST_UPDATED when the announced
// set changed since the previous connection.
func (a *Adapter) bridgeTools(s *supervised, client *Client) {
	announced := client.Tools()
	names := make([]string, 0, len(announced))

	a.registry.UnregisterChannelTools(s.key.channelID, s.key.serverID)
	for _, t := range announced {
		bridged := a.bridgedTool(s, t)
		if err := a.registry.RegisterChannelTool(s.key.channelID, bridged); err != nil {
			a.logger.Warn("skipping tool with invalid schema",
				"server_id", s.key.serverID,
				"tool", t.Name,
				"error", err)
			continue
		}
		names = append(names, t.Name)
	}
	sort.Strings(names)

	s.mu.Lock()
	changed := !equalStrings(s.toolNames, names)
	s.toolNames = names
	s.mu.Unlock()

	if changed && a.emitter != nil {
		a.emitter.EmitChannelEvent(s.key.channelID, &models.Event{
			Type:      models.EventToolListUpdated,
			ChannelID: s.key.channelID,
			Timestamp: time.Now(),
			Data: models.EncodeEventData(models.ToolListPayload{
				ServerID: s.key.serverID,
				Tools:    names,
			}),
		})
	}
}

// bridgedTool wraps one announced tool as a registry tool. Execution
// fails fast with ProviderUnavailable while the server is down.
func (a *Adapter) bridgedTool(s *supervised, t *Tool) tools.Tool {
	desc := models.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Origin:      models.OriginChannelMCP,
		ProviderID:  s.key.serverID,
	}
	timeout := time.Duration(s.spec.TimeoutSeconds) * time.Second

	return tools.NewFuncTool(desc, func(ctx context.Context, inv *tools.Invocation) tools.Result {
		client := s.currentClient()
		if client == nil || !client.Connected() {
			return tools.Fail(models.KindProviderUnavailable, ErrServerDown.Error())
		}

		result, err := client.CallTool(ctx, t.Name, inv.Args, timeout)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return tools.Fail(models.KindTimeout, `{"timed_out":true}`)
			case errors.Is(err, context.Canceled):
				return tools.Fail(models.KindCancelled, err.Error())
			}
			var rpcErr *jsonrpcError
			if errors.As(err, &rpcErr) {
				return tools.Fail(models.KindHandlerFailed, rpcErr.Error())
			}
			return tools.Fail(models.KindProviderUnavailable, err.Error())
		}
		if result.IsError {
			return tools.Fail(models.KindHandlerFailed, result.Text())
		}
		return tools.Result{Content: result.Text()}
	})
}

// teardown drops the server's tools and stops a live client, if any.
func (a *Adapter) teardown(s *supervised) {
	if client := s.currentClient(); client != nil {
		_ = client.Close()
		s.setClient(nil)
	}
	a.registry.UnregisterChannelTools(s.key.channelID, s.key.serverID)
}

// sleep waits for d or until the server is stopped; it reports whether
// the supervisor should continue.
func (a *Adapter) sleep(s *supervised, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
