package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's Prometheus instrumentation: promauto-registered
// CounterVec/GaugeVec/HistogramVec collectors exposed via an HTTP
// handler, covering the surfaces this module actually exercises.
type Metrics struct {
	// ConnectionsActive tracks live WebSocket connections by role.
	ConnectionsActive *prometheus.GaugeVec

	// TurnsActive tracks in-flight agent turns across all sessions.
	TurnsActive prometheus.Gauge

	// TurnDuration measures one agent turn's wall-clock time.
	TurnDuration *prometheus.HistogramVec

	// ToolInvocations counts tool calls by name and outcome.
	ToolInvocations *prometheus.CounterVec

	// CronFires counts scheduled job executions by outcome.
	CronFires *prometheus.CounterVec

	// ChannelMessages counts inbound channel messages by platform, chat
	// type, and access-gate outcome.
	ChannelMessages *prometheus.CounterVec

	// DispatchRequests counts method-dispatcher calls by method and
	// whether the call succeeded.
	DispatchRequests *prometheus.CounterVec

	// VaultState reports the vault's current lifecycle state
	// (0=uninitialized, 1=sealed, 2=unsealed) as a gauge so alerting
	// rules can detect an unexpected reseal.
	VaultState prometheus.Gauge
}

// NewMetrics registers and returns the gateway's metric set against the
// default Prometheus registry, exactly once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "moltis_connections_active", Help: "Live WebSocket connections by client role."},
			[]string{"role"},
		),
		TurnsActive: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "moltis_turns_active", Help: "In-flight agent turns across all sessions."},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "moltis_turn_duration_seconds",
				Help:    "Agent turn duration in seconds, from chat.send to final/error.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "outcome"},
		),
		ToolInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "moltis_tool_invocations_total", Help: "Sandbox-routed tool invocations by tool and outcome."},
			[]string{"tool", "outcome"},
		),
		CronFires: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "moltis_cron_fires_total", Help: "Cron job fires by outcome."},
			[]string{"job_id", "outcome"},
		),
		ChannelMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "moltis_channel_messages_total", Help: "Inbound channel messages by platform, chat type, and access decision."},
			[]string{"channel", "chat_type", "decision"},
		),
		DispatchRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "moltis_dispatch_requests_total", Help: "Method dispatcher calls by method and result."},
			[]string{"method", "result"},
		),
		VaultState: promauto.NewGauge(
			prometheus.GaugeOpts{Name: "moltis_vault_state", Help: "Vault lifecycle state: 0=uninitialized, 1=sealed, 2=unsealed."},
		),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
