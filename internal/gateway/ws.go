package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/mxf/pkg/models"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is the single envelope on the agent stream: requests from the
// agent, responses, and server-pushed events.
type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *uint64         `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	MinProtocol int          `json:"min_protocol"`
	MaxProtocol int          `json:"max_protocol"`
	AgentID     string       `json:"agent_id"`
	ChannelID   string       `json:"channel_id"`
	Auth        wsAuthParams `json:"auth"`
}

type wsAuthParams struct {
	KeyID     string `json:"key_id,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Token     string `json:"token,omitempty"`
}

type wsMessageParams struct {
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
}

// agentStream is one connected agent's websocket session.
type agentStream struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool
	seq       atomic.Uint64
	agent     *models.Agent
}

func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream := &agentStream{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go stream.writeLoop()
	stream.readLoop()
	stream.close()
}

func (a *agentStream) close() {
	a.cancel()
	_ = a.conn.Close()

	if a.agent != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.hub.Leave(a.agent.ChannelID, a.agent.ID)
		if a.server.executors != nil {
			a.server.executors.Disconnect(ctx, a.agent.ID)
		}
		a.agent.Status = models.AgentOffline
		a.agent.UpdatedAt = time.Now()
		if err := a.server.records.PutAgent(ctx, a.agent); err != nil {
			a.server.logger.Warn("failed to persist agent status",
				"agent_id", a.agent.ID, "error", err)
		}
		a.server.logger.Info("agent disconnected",
			"agent_id", a.agent.ID, "channel_id", a.agent.ChannelID)
	}
}

func (a *agentStream) readLoop() {
	a.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = a.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.sendError("", "invalid_frame", err.Error())
			continue
		}
		if frame.Type == "" {
			frame.Type = "req"
		}
		if frame.Type != "req" {
			a.sendError(frame.ID, "invalid_frame", "unsupported frame type")
			continue
		}

		if !a.connected.Load() {
			if frame.Method != "connect" {
				a.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := a.handleConnect(&frame); err != nil {
				a.sendError(frame.ID, "connect_failed", err.Error())
				return
			}
			continue
		}
		if err := a.handleRequest(&frame); err != nil {
			a.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (a *agentStream) writeLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.send:
			_ = a.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := a.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				a.cancel()
				return
			}
		}
	}
}

func (a *agentStream) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if params.MinProtocol > wsProtocolVersion ||
		(params.MaxProtocol > 0 && params.MaxProtocol < wsProtocolVersion) {
		return fmt.Errorf("unsupported protocol version")
	}
	if params.AgentID == "" || params.ChannelID == "" {
		return fmt.Errorf("agent_id and channel_id are required")
	}

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()

	keyID, err := a.authenticate(ctx, params)
	if err != nil {
		return err
	}

	agent, err := a.server.records.GetAgent(ctx, params.AgentID)
	if err != nil {
		return fmt.Errorf("unknown agent")
	}
	if agent.ChannelID != params.ChannelID {
		return fmt.Errorf("agent does not belong to channel")
	}
	if agent.KeyID != "" && agent.KeyID != keyID {
		return fmt.Errorf("key is not bound to this agent")
	}

	if err := a.server.hub.Join(agent.ChannelID, agent.ID); err != nil {
		return err
	}
	agent.Status = models.AgentOnline
	agent.UpdatedAt = time.Now()
	if err := a.server.records.PutAgent(ctx, agent); err != nil {
		a.server.logger.Warn("failed to persist agent status",
			"agent_id", agent.ID, "error", err)
	}
	a.agent = agent

	if a.server.executors != nil {
		a.server.executors.Connect(ctx, agent)
	}

	if err := a.sendResponse(frame.ID, true, a.capabilities(agent)); err != nil {
		return err
	}
	a.connected.Store(true)
	go a.forwardEvents()
	go a.tick()
	a.server.logger.Info("agent connected",
		"agent_id", agent.ID, "channel_id", agent.ChannelID)
	return nil
}

// authenticate resolves credentials to the key ID they were issued as.
func (a *agentStream) authenticate(ctx context.Context, params wsConnectParams) (string, error) {
	if params.Auth.Token != "" {
		claims, err := a.server.admin.VerifySession(ctx, params.Auth.Token)
		if err != nil {
			return "", fmt.Errorf("unauthorized")
		}
		if claims.ChannelID != params.ChannelID {
			return "", fmt.Errorf("unauthorized")
		}
		return claims.KeyID, nil
	}
	_, err := a.server.admin.Authenticate(ctx, params.ChannelID, params.Auth.KeyID, params.Auth.SecretKey)
	if err != nil {
		return "", fmt.Errorf("unauthorized")
	}
	return params.Auth.KeyID, nil
}

// capabilities is the negotiated set confirmed to the agent: the tools
// it may invoke and its provider configuration.
func (a *agentStream) capabilities(agent *models.Agent) map[string]any {
	var toolNames []string
	if channel, ok := a.server.hub.Channel(agent.ChannelID); ok && a.server.registry != nil {
		for _, desc := range a.server.registry.ListFor(channel, agent) {
			toolNames = append(toolNames, desc.Name)
		}
	}
	return map[string]any{
		"protocol": wsProtocolVersion,
		"agent_id": agent.ID,
		"tools":    toolNames,
		"llm": map[string]any{
			"provider": agent.LLM.Provider,
			"model":    agent.LLM.Model,
		},
		"policy": map[string]any{
			"max_payload_bytes": wsMaxPayloadBytes,
			"tick_interval_ms":  wsTickInterval.Milliseconds(),
		},
	}
}

func (a *agentStream) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "ping":
		return a.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "message.send":
		return a.handleMessage(frame)
	case "history.clear":
		if e, ok := a.server.executors.Get(a.agent.ID); ok {
			e.ClearConversationHistory()
		}
		return a.sendResponse(frame.ID, true, map[string]string{"status": "cleared"})
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (a *agentStream) handleMessage(frame *wsFrame) error {
	var params wsMessageParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Content) == "" {
		return fmt.Errorf("content is required")
	}
	var err error
	if params.Recipient == "" {
		err = a.server.hub.BroadcastMessage(a.ctx, a.agent.ChannelID, a.agent.ID, params.Content)
	} else {
		err = a.server.hub.SendAgentMessage(a.ctx, a.agent.ChannelID, a.agent.ID, params.Recipient, params.Content)
	}
	if err != nil {
		return err
	}
	return a.sendResponse(frame.ID, true, map[string]string{"status": "sent"})
}

// forwardEvents streams the agent's bus events and the channel's events
// over the socket in emission order.
func (a *agentStream) forwardEvents() {
	agentSub := a.server.hub.Bus().SubscribeAgent(a.agent.ID)
	channelSub := a.server.hub.Bus().SubscribeChannel(a.agent.ChannelID)
	defer agentSub.Close()
	defer channelSub.Close()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-agentSub.Events():
			if !ok {
				return
			}
			a.sendEvent(event)
		case event, ok := <-channelSub.Events():
			if !ok {
				return
			}
			a.sendEvent(event)
		}
	}
}

func (a *agentStream) tick() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			seq := a.seq.Add(1)
			a.enqueue(wsFrame{
				Type:    "event",
				Event:   "tick",
				Payload: map[string]any{"timestamp": time.Now().UnixMilli()},
				Seq:     &seq,
			})
		}
	}
}

func (a *agentStream) sendEvent(event *models.Event) {
	seq := a.seq.Add(1)
	a.enqueue(wsFrame{
		Type:    "event",
		Event:   string(event.Type),
		Payload: event,
		Seq:     &seq,
	})
}

func (a *agentStream) sendResponse(id string, ok bool, payload any) error {
	return a.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (a *agentStream) sendError(id, code, message string) {
	ok := false
	_ = a.enqueue(wsFrame{
		Type:  "res",
		ID:    id,
		OK:    &ok,
		Error: &wsError{Code: code, Message: message},
	})
}

func (a *agentStream) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case a.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}
