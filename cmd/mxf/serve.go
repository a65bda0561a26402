package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/mxf/internal/admin"
	"github.com/haasonsaas/mxf/internal/config"
	"github.com/haasonsaas/mxf/internal/executor"
	"github.com/haasonsaas/mxf/internal/gateway"
	"github.com/haasonsaas/mxf/internal/hub"
	"github.com/haasonsaas/mxf/internal/llm"
	"github.com/haasonsaas/mxf/internal/llm/providers"
	"github.com/haasonsaas/mxf/internal/mcp"
	"github.com/haasonsaas/mxf/internal/observability"
	"github.com/haasonsaas/mxf/internal/store"
	"github.com/haasonsaas/mxf/internal/tools"
	"github.com/haasonsaas/mxf/internal/userinput"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MXF server",
		Long: `Start the MXF server: the agent websocket stream, the task and
admin HTTP API, the LLM gateway worker pools, and the channel-scoped
MCP tool servers.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults plus environment overrides
  mxf serve

  # Start with a config file
  mxf serve --config /etc/mxf/mxf.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("MXF_CONFIG"),
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()
	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
	})

	var kv store.KV
	switch cfg.Store.Driver {
	case "sqlite":
		kv, err = store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
	default:
		kv = store.NewMemoryKV()
	}
	records := store.NewRecords(kv)

	bus := hub.NewBus(logger, metrics)
	h := hub.New(logger, metrics, records, bus)
	registry := tools.NewRegistry(logger)
	bridge := userinput.New(logger, metrics, h)
	if err := tools.RegisterBuiltins(registry, h, h, bridge); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	adapter := mcp.NewAdapter(logger, metrics, registry, h)
	h.SetPresenceListener(adapter)

	llmGateway := llm.NewGateway(llm.Config{
		CallTimeout: time.Duration(cfg.Gateway.CallTimeoutSec) * time.Second,
		Concurrency: cfg.Gateway.Concurrency,
		QueueDepth:  cfg.Gateway.QueueDepth,
		MaxRetries:  cfg.Gateway.MaxRetries,

		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
	}, logger, metrics)
	for name, p := range cfg.Providers {
		switch name {
		case "anthropic":
			llmGateway.RegisterProvider(providers.NewAnthropic(p.APIKey, p.DefaultModel))
		case "openai":
			llmGateway.RegisterProvider(providers.NewOpenAI(p.APIKey, p.DefaultModel))
		default:
			logger.Warn("unknown provider in config, skipping", "provider", name)
		}
	}

	sessionSecret := []byte(cfg.Admin.SessionSecret)
	if len(sessionSecret) == 0 {
		// Ephemeral secret: agent session tokens stop working across
		// restarts, raw key credentials keep working.
		sessionSecret = make([]byte, 32)
		if _, err := rand.Read(sessionSecret); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn("no session secret configured, using an ephemeral one")
	}
	adminSvc := admin.New(logger, admin.Config{
		AdminToken:    cfg.Admin.Token,
		SessionSecret: sessionSecret,
		SessionTTL:    time.Duration(cfg.Admin.SessionTTLMinutes) * time.Minute,
	}, records, h, adapter)

	if err := adminSvc.Recover(ctx); err != nil {
		return fmt.Errorf("recover channels: %w", err)
	}

	executors := executor.NewManager(executor.Deps{
		Hub:      h,
		Registry: registry,
		Gateway:  llmGateway,
		Bridge:   bridge,
		Records:  records,
		Logger:   logger,
		Metrics:  metrics,
		Config: executor.Config{
			MaxIterations:    cfg.Runtime.MaxIterationsDefault,
			BreakerTripCount: cfg.Runtime.CircuitBreakerTripCount,
			ToolTimeout:      cfg.ToolTimeout(""),
			ToolTimeouts:     cfg.ToolTimeoutMap(),
		},
	})

	server := gateway.NewServer(logger, gateway.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
	}, adminSvc, h, records, bridge, adapter, executors, registry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	executors.StopAll(shutdownCtx)
	bridge.DrainAll()
	adapter.Close()
	llmGateway.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	if err := kv.Close(); err != nil {
		logger.Warn("store close failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
