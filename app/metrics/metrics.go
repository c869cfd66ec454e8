// Package metrics exposes Prometheus instrumentation for the server: tool
// traffic, safety blocks, order flow, verification outcomes, and gateway
// data-line usage. A Manager is injected into the subsystems that record.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures a metrics Manager.
type Config struct {
	ServiceName string
}

// Manager owns the registry and the instruments. A nil *Manager is valid:
// every record method no-ops, so tests can pass nil.
type Manager struct {
	registry *prometheus.Registry

	toolCalls     *prometheus.CounterVec
	safetyBlocks  *prometheus.CounterVec
	ordersPlaced  *prometheus.CounterVec
	verifications *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	dataLines     prometheus.Gauge
	sessionState  *prometheus.GaugeVec
}

// New creates and registers the instrument set.
func New(cfg Config) *Manager {
	reg := prometheus.NewRegistry()
	m := &Manager{
		registry: reg,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_tool_calls_total",
			Help: "Tool invocations by tool name and result",
		}, []string{"tool", "result"}),
		safetyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_blocks_total",
			Help: "Tool calls refused by the execution safety classifier",
		}, []string{"tool"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Orders submitted to the gateway by strategy type",
		}, []string{"strategy"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_verifications_total",
			Help: "Execution verification outcomes",
		}, []string{"outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "confirmations_total",
			Help: "Confirmation tickets by lifecycle event (issued, validated, expired, rejected)",
		}, []string{"event"}),
		dataLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_data_lines_in_use",
			Help: "Market data lines currently reserved against the budget",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_session_state",
			Help: "Gateway session state as labeled 0/1 series",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.toolCalls, m.safetyBlocks, m.ordersPlaced,
		m.verifications, m.confirmations, m.dataLines, m.sessionState,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ToolCall records one tool invocation.
func (m *Manager) ToolCall(tool string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

// SafetyBlock records a refusal by the classifier.
func (m *Manager) SafetyBlock(tool string) {
	if m == nil {
		return
	}
	m.safetyBlocks.WithLabelValues(tool).Inc()
}

// OrderPlaced records an order submission.
func (m *Manager) OrderPlaced(strategyType string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(strategyType).Inc()
}

// Verification records a verification outcome.
func (m *Manager) Verification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

// Confirmation records a ticket lifecycle event.
func (m *Manager) Confirmation(event string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(event).Inc()
}

// SetDataLines updates the data-line gauge.
func (m *Manager) SetDataLines(n int) {
	if m == nil {
		return
	}
	m.dataLines.Set(float64(n))
}

// SetSessionState flips the labeled session-state series so exactly the
// current state reads 1.
func (m *Manager) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"disconnected", "connecting", "connected", "reconnecting", "degraded", "shutdown"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}
