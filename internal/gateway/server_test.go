package gateway

import (
	"context"
	"testing"

	"github.com/moltisdev/moltis/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.DataDir = t.TempDir()
	cfg.HTTP.CertsDir = cfg.DataDir + "/certs"

	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func TestNewServerRegistersEveryMethodExceptConnect(t *testing.T) {
	srv := newTestServer(t)
	methods := srv.dispatcher.Methods()
	if len(methods) == 0 {
		t.Fatal("expected registered methods")
	}
	for _, m := range methods {
		if m == "connect" {
			t.Fatal("connect must not be registered on the dispatcher; ws.go handles it specially")
		}
	}
	want := []string{"health", "chat.send", "session.list", "cron.add", "vault.init", "device.pair.request"}
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[m] = true
	}
	for _, m := range want {
		if !set[m] {
			t.Errorf("expected method %q to be registered", m)
		}
	}
}

func TestResolveProvider(t *testing.T) {
	srv := newTestServer(t)
	cases := map[string]string{
		"claude-sonnet-4-20250514": "anthropic",
		"gpt-4o":                   "openai",
		"o1-preview":               "openai",
	}
	for model, want := range cases {
		if got := srv.resolveProvider(model); got != want {
			t.Errorf("resolveProvider(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestModelOrDefault(t *testing.T) {
	srv := newTestServer(t)
	if got := srv.modelOrDefault("custom-model"); got != "custom-model" {
		t.Errorf("expected explicit model to pass through, got %q", got)
	}
	if got := srv.modelOrDefault(""); got != srv.cfg.Models.DefaultModel {
		t.Errorf("expected default model %q, got %q", srv.cfg.Models.DefaultModel, got)
	}
}

func TestDispatchCommandHelpAndUnknown(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	reply, err := srv.DispatchCommand(ctx, "test:session", "help", "")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	if reply == "" {
		t.Error("expected non-empty help reply")
	}

	if _, err := srv.DispatchCommand(ctx, "test:session", "not-a-command", ""); err == nil {
		t.Error("expected error for unknown command")
	}

	if _, err := srv.DispatchCommand(ctx, "test:session", "otp", ""); err == nil {
		t.Error("expected otp to be rejected as a dispatched command")
	}
}

func TestDispatchCommandSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	key := "test:lifecycle"

	if _, err := srv.sessions.Create(ctx, key, "", "claude-sonnet-4-20250514"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if reply, err := srv.DispatchCommand(ctx, key, "model", "gpt-4o"); err != nil || reply == "" {
		t.Fatalf("set model: reply=%q err=%v", reply, err)
	}
	reply, err := srv.DispatchCommand(ctx, key, "model", "")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if reply != "current model: gpt-4o" {
		t.Errorf("expected model to persist, got %q", reply)
	}

	if _, err := srv.DispatchCommand(ctx, key, "clear", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if err := srv.EnsureSession(ctx, "cron:job1", "job1"); err != nil {
		t.Fatalf("first EnsureSession: %v", err)
	}
	if err := srv.EnsureSession(ctx, "cron:job1", "job1"); err != nil {
		t.Fatalf("second EnsureSession should be a no-op, got: %v", err)
	}
}

func TestDeliverToChannelWithNoAdaptersFails(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.DeliverToChannel(context.Background(), "telegram", "123", "hi"); err == nil {
		t.Error("expected error when no adapter is configured for the channel")
	}
}
