package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/agent"
	"github.com/moltisdev/moltis/internal/models"
)

type fakeSessions struct {
	sessions map[string]*models.Session
}

func (f *fakeSessions) Get(ctx context.Context, key string) (*models.Session, error) {
	return f.sessions[key], nil
}

func newTestRouter() *Router {
	sessions := &fakeSessions{sessions: map[string]*models.Session{
		"main": {Key: "main"},
	}}
	r := NewRouter(sessions, ProjectDirsFunc(func(string) string { return "" }), NewSkillRegistry(), NewImageBuilder(""), NewApprovalManager(), nil)
	r.DefaultPolicy = Policy{Security: SecurityAllowlist, Approval: ApprovalOnMiss}
	r.ToolTimeout = 5 * time.Second
	return r
}

func TestRouterSafeCommandExecutesImmediately(t *testing.T) {
	r := newTestRouter()
	input, _ := json.Marshal(execArgs{Command: "echo hello"})
	out, err := r.Invoke(context.Background(), "main", agent.ToolCall{ID: "1", Name: "exec", Input: input})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.IsError {
		t.Fatalf("expected success, got error output: %s", out.Content)
	}
	if out.Content != "hello" {
		t.Fatalf("Content = %q, want %q", out.Content, "hello")
	}
}

func TestRouterUnsafeCommandRequiresApproval(t *testing.T) {
	r := newTestRouter()
	input, _ := json.Marshal(execArgs{Command: "rm -rf /tmp/does-not-exist"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var outcome *agent.ToolOutcome
	go func() {
		outcome, _ = r.Invoke(ctx, "main", agent.ToolCall{ID: "2", Name: "exec", Input: input})
		close(done)
	}()

	// Give Invoke a moment to register the pending approval, then deny it
	// so the goroutine above returns promptly instead of waiting out the
	// full approval timeout.
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	r.mu.Unlock()

	select {
	case <-done:
		t.Fatal("Invoke returned before approval was resolved")
	default:
	}

	// Resolve via the manager directly (the gateway would normally call
	// this from the exec.approval.resolve handler).
	r.Approval.mu.Lock()
	var reqID string
	for id := range r.Approval.pending {
		reqID = id
	}
	r.Approval.mu.Unlock()
	if reqID == "" {
		t.Fatal("expected a pending approval request")
	}
	if err := r.Approval.Resolve(reqID, false, "op1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	<-done
	if outcome == nil || !outcome.IsError {
		t.Fatal("expected denied outcome to be an error result")
	}
}

func TestRouterNoCommandIsError(t *testing.T) {
	r := newTestRouter()
	out, err := r.Invoke(context.Background(), "main", agent.ToolCall{ID: "3", Name: "exec", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !out.IsError {
		t.Fatal("expected error outcome for missing command")
	}
}
