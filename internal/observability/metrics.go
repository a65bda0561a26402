package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central Prometheus surface for the runtime. It tracks
// LLM request performance, tool invocation patterns, task session
// outcomes, and user-input latency.
type Metrics struct {
	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolInvocationCounter counts tool invocations.
	// Labels: tool, origin (internal|channel_mcp), status (success|error)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool execution time in seconds.
	// Labels: tool
	ToolInvocationDuration *prometheus.HistogramVec

	// SessionCounter counts finished task sessions by outcome.
	// Labels: outcome (completed|cancelled|exhausted|broken|error|done)
	SessionCounter *prometheus.CounterVec

	// SessionIterations observes iterations consumed per session.
	SessionIterations prometheus.Histogram

	// ActiveSessions gauges currently running sessions.
	ActiveSessions prometheus.Gauge

	// UserInputWait measures how long user-input requests stay open, in
	// seconds. Labels: mode (blocking|async), outcome
	UserInputWait *prometheus.HistogramVec

	// MCPRestarts counts subprocess restarts.
	// Labels: channel, server
	MCPRestarts *prometheus.CounterVec

	// EventCounter counts events emitted on the channel fabric.
	// Labels: type
	EventCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all runtime metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxf_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxf_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxf_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolInvocationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxf_tool_invocations_total",
				Help: "Total tool invocations by tool, origin, and status",
			},
			[]string{"tool", "origin", "status"},
		),
		ToolInvocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxf_tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		SessionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxf_sessions_total",
				Help: "Finished task sessions by outcome",
			},
			[]string{"outcome"},
		),
		SessionIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mxf_session_iterations",
				Help:    "Iterations consumed per task session",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mxf_active_sessions",
				Help: "Currently running task sessions",
			},
		),
		UserInputWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxf_user_input_wait_seconds",
				Help:    "How long user-input requests stayed open",
				Buckets: []float64{0.5, 1, 5, 15, 60, 300, 1800, 3600},
			},
			[]string{"mode", "outcome"},
		),
		MCPRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxf_mcp_restarts_total",
				Help: "MCP subprocess restarts by channel and server",
			},
			[]string{"channel", "server"},
		),
		EventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxf_events_total",
				Help: "Events emitted on the channel fabric by type",
			},
			[]string{"type"},
		),
	}
}
