package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

func TestApprovalManagerApproveAllows(t *testing.T) {
	m := NewApprovalManager()
	var broadcast models.ApprovalRequest
	m.Broadcast = func(req models.ApprovalRequest) { broadcast = req }

	id, wait := m.Request(context.Background(), "main", "rm -rf /tmp/x", time.Second)
	if broadcast.RequestID != id {
		t.Fatalf("broadcast request id mismatch: %q vs %q", broadcast.RequestID, id)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Resolve(id, true, "op1")
	}()

	if err := wait(); err != nil {
		t.Fatalf("wait() = %v, want nil", err)
	}
	if !m.IsApproved("main", "rm -rf /tmp/x") {
		t.Fatal("command should now be session-approved")
	}
}

func TestApprovalManagerDenyReturnsError(t *testing.T) {
	m := NewApprovalManager()
	id, wait := m.Request(context.Background(), "main", "rm -rf /", time.Second)
	go func() { _ = m.Resolve(id, false, "op1") }()

	if err := wait(); err != ErrApprovalDenied {
		t.Fatalf("wait() = %v, want ErrApprovalDenied", err)
	}
	if m.IsApproved("main", "rm -rf /") {
		t.Fatal("denied command should not be session-approved")
	}
}

func TestApprovalManagerTimeout(t *testing.T) {
	m := NewApprovalManager()
	_, wait := m.Request(context.Background(), "main", "rm -rf /", 10*time.Millisecond)
	if err := wait(); err != ErrApprovalTimeout {
		t.Fatalf("wait() = %v, want ErrApprovalTimeout", err)
	}
}

func TestApprovalManagerResolveUnknownID(t *testing.T) {
	m := NewApprovalManager()
	if err := m.Resolve("nonexistent", true, "op1"); err == nil {
		t.Fatal("expected error resolving unknown request id")
	}
}
