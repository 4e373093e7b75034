package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	cases := []struct {
		name string
		cfg  LogConfig
	}{
		{"json", LogConfig{Level: "info", JSON: true}},
		{"text", LogConfig{Level: "debug", JSON: false}},
		{"defaults", LogConfig{}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.cfg)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}

func TestNewLoggerJSONLevels(t *testing.T) {
	cases := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  false,
		"error": false,
		"bogus": false,
	}
	for level, debugVisible := range cases {
		var buf bytes.Buffer
		logger := NewLogger(LogConfig{Level: level, JSON: true, Output: &buf})
		logger.Debug("debug line")
		if got := buf.Len() > 0; got != debugVisible {
			t.Errorf("level %q: debug line visible = %v, want %v", level, got, debugVisible)
		}
	}
}

func TestNewLoggerJSONOutputIsParseable(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", JSON: true, Output: &buf})
	logger.Info("hello", "conn_id", "c1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["conn_id"] != "c1" {
		t.Errorf("conn_id = %v", record["conn_id"])
	}
}

func TestWithConnIDRoundTrip(t *testing.T) {
	ctx := WithConnID(context.Background(), "conn-42")
	if got := ConnIDFromContext(ctx); got != "conn-42" {
		t.Errorf("ConnIDFromContext() = %q", got)
	}
	if got := ConnIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty conn_id on a bare context, got %q", got)
	}
}

func TestLoggerFromContextAnnotatesConnID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LogConfig{Level: "info", JSON: true, Output: &buf})

	ctx := WithConnID(context.Background(), "conn-7")
	LoggerFromContext(ctx, base).Info("tagged")

	if !strings.Contains(buf.String(), `"conn_id":"conn-7"`) {
		t.Errorf("expected conn_id in log line, got %s", buf.String())
	}
}

func TestLoggerFromContextFallsBackWithoutConnID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(LogConfig{Level: "info", JSON: true, Output: &buf})

	LoggerFromContext(context.Background(), base).Info("untagged")

	if strings.Contains(buf.String(), "conn_id") {
		t.Errorf("expected no conn_id on a bare context, got %s", buf.String())
	}
}
