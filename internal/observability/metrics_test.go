package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// NewMetrics registers against the default registry, so this package
	// calls it at most once per test binary run.
	m := NewMetrics()
	if m.ConnectionsActive == nil || m.TurnsActive == nil || m.VaultState == nil {
		t.Fatal("NewMetrics() left required collectors nil")
	}
	if m.Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}

func TestChannelMessagesLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_channel_messages_total", Help: "test"},
		[]string{"channel", "chat_type", "decision"},
	)
	registry.MustRegister(counter)

	counter.WithLabelValues("telegram", "dm", "allow").Inc()
	counter.WithLabelValues("telegram", "dm", "allow").Inc()
	counter.WithLabelValues("discord", "group", "deny").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP test_channel_messages_total test
		# TYPE test_channel_messages_total counter
		test_channel_messages_total{channel="discord",chat_type="group",decision="deny"} 1
		test_channel_messages_total{channel="telegram",chat_type="dm",decision="allow"} 2
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestVaultStateGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_vault_state", Help: "test"})
	registry.MustRegister(gauge)

	gauge.Set(1)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Errorf("sealed state = %v, want 1", got)
	}

	gauge.Set(2)
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Errorf("unsealed state = %v, want 2", got)
	}
}
