// Package observability bundles the process-wide telemetry: Prometheus
// metrics, OTLP tracing, and the structured logger with secret redaction.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation for one orchestrator process.
// Register once at startup; the collectors land on the default registry and
// are served from the /metrics endpoint.
type Metrics struct {
	// AgentInvocations counts phase-agent runs.
	// Labels: phase (planning|coding|testing|review), provider, model, status (success|failure|error)
	AgentInvocations *prometheus.CounterVec

	// AgentDuration measures phase-agent wall time in seconds.
	// Labels: phase
	AgentDuration *prometheus.HistogramVec

	// ToolCalls counts tool-bridge invocations.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool-bridge round trips in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// TokensUsed tracks model token consumption.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// IssuesProcessed counts issue outcomes. Labels: status (completed|failed|skipped)
	IssuesProcessed *prometheus.CounterVec

	// IssueAttempts counts per-issue retry attempts.
	IssueAttempts prometheus.Counter

	// CheckpointWrites counts checkpoint saves. Labels: status (success|error)
	CheckpointWrites *prometheus.CounterVec

	// ConnectedClients gauges live WebSocket clients.
	ConnectedClients prometheus.Gauge

	// BridgeReconnects counts tool-bridge reconnect attempts.
	BridgeReconnects prometheus.Counter
}

// NewMetrics creates and registers all collectors. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		AgentInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeflow_agent_invocations_total",
				Help: "Total phase-agent runs by phase, provider, model, and status",
			},
			[]string{"phase", "provider", "model", "status"},
		),

		AgentDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgeflow_agent_duration_seconds",
				Help:    "Duration of phase-agent runs in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"phase"},
		),

		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeflow_tool_calls_total",
				Help: "Total tool-bridge invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forgeflow_tool_call_duration_seconds",
				Help:    "Duration of tool-bridge round trips in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeflow_llm_tokens_total",
				Help: "Total model tokens by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		IssuesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeflow_issues_processed_total",
				Help: "Total issues finalized by outcome",
			},
			[]string{"status"},
		),

		IssueAttempts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "forgeflow_issue_attempts_total",
				Help: "Total per-issue implementation attempts",
			},
		),

		CheckpointWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeflow_checkpoint_writes_total",
				Help: "Total checkpoint saves by status",
			},
			[]string{"status"},
		),

		ConnectedClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "forgeflow_connected_clients",
				Help: "Current number of WebSocket clients",
			},
		),

		BridgeReconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "forgeflow_bridge_reconnects_total",
				Help: "Total tool-bridge reconnect attempts",
			},
		),
	}
}

// RecordAgentInvocation records one phase-agent run.
func (m *Metrics) RecordAgentInvocation(phase, provider, model, status string, durationSeconds float64) {
	m.AgentInvocations.WithLabelValues(phase, provider, model, status).Inc()
	m.AgentDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordToolCall records one tool-bridge invocation.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordTokens adds token counts for one model call.
func (m *Metrics) RecordTokens(provider, model string, promptTokens, completionTokens int64) {
	if promptTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordIssueOutcome records one finalized issue.
func (m *Metrics) RecordIssueOutcome(status string) {
	m.IssuesProcessed.WithLabelValues(status).Inc()
}

// RecordCheckpoint records one checkpoint save attempt.
func (m *Metrics) RecordCheckpoint(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CheckpointWrites.WithLabelValues(status).Inc()
}
