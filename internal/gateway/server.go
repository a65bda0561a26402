// Package gateway is the network surface: the REST API for task
// creation, admin operations, and user-input responses, plus the
// websocket stream agents connect over.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/mxf/internal/admin"
	"github.com/haasonsaas/mxf/internal/executor"
	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/mcp"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/internal/userinput"
)

// Config tunes the HTTP listener.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server hosts the REST API and the agent websocket stream.
type Server struct {
	logger    *slog.Logger
	cfg       Config
	admin     *admin.Service
	hub       *hub.Hub
	records   *store.Records
	bridge    *userinput.Bridge
	adapter   *mcp.Adapter
	executors *executor.Manager
	registry  *tools.Registry

	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the gateway. The adapter may be nil.
func NewServer(logger *slog.Logger, cfg Config, adminSvc *admin.Service, h *hub.Hub, records *store.Records, bridge *userinput.Bridge, adapter *mcp.Adapter, executors *executor.Manager, registry *tools.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8420"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	// Write timeout stays unset on the http.Server: the websocket stream
	// is long-lived.
	s := &Server{
		logger:    logger.With("component", "gateway"),
		cfg:       cfg,
		admin:     adminSvc,
		hub:       h,
		records:   records,
		bridge:    bridge,
		adapter:   adapter,
		executors: executors,
		registry:  registry,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleAgentStream)

	mux.HandleFunc("POST /api/auth/session", s.handleAuthSession)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)

	mux.HandleFunc("GET /api/inputs", s.handleListInputs)
	mux.HandleFunc("POST /api/inputs/{id}/respond", s.handleRespondInput)
	mux.HandleFunc("POST /api/inputs/{id}/cancel", s.handleCancelInput)

	mux.HandleFunc("POST /api/admin/channels", s.adminOnly(s.handleCreateChannel))
	mux.HandleFunc("DELETE /api/admin/channels/{id}", s.adminOnly(s.handleDeleteChannel))
	mux.HandleFunc("POST /api/admin/channels/{id}/keys", s.adminOnly(s.handleIssueKey))
	mux.HandleFunc("GET /api/admin/channels/{id}/keys", s.adminOnly(s.handleListKeys))
	mux.HandleFunc("DELETE /api/admin/keys/{id}", s.adminOnly(s.handleRevokeKey))
	mux.HandleFunc("POST /api/admin/channels/{id}/agents", s.adminOnly(s.handleRegisterAgent))
	mux.HandleFunc("POST /api/admin/channels/{id}/mcp-servers", s.adminOnly(s.handleRegisterMCPServer))
	mux.HandleFunc("DELETE /api/admin/channels/{id}/mcp-servers/{serverId}", s.adminOnly(s.handleUnregisterMCPServer))
	mux.HandleFunc("GET /api/admin/mcp-servers", s.adminOnly(s.handleMCPStatus))

	return mux
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_ms": time.Since(s.startTime).Milliseconds(),
	})
}
