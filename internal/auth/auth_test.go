package auth

import (
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

func TestServiceDisabledGrantsOperator(t *testing.T) {
	s := New("", 0, nil, "")
	if s.Enabled() {
		t.Fatal("expected disabled service")
	}
	id, err := s.Evaluate("client-1", Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Role != models.ClientRoleOperator {
		t.Fatalf("expected operator role, got %v", id.Role)
	}
}

func TestDeviceTokenRoundTrip(t *testing.T) {
	s := New("secret", time.Hour, nil, "")
	want := Identity{ClientID: "node-1", Role: models.ClientRoleNode, Scopes: []string{"tools.invoke"}}
	tok, err := s.IssueDeviceToken(want)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := s.VerifyDeviceToken(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ClientID != want.ClientID || got.Role != want.Role {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDeviceTokenRevocation(t *testing.T) {
	s := New("secret", time.Hour, nil, "")
	id := Identity{ClientID: "node-2", Role: models.ClientRoleNode}
	tok, _ := s.IssueDeviceToken(id)
	s.RevokeDeviceToken("node-2")
	if _, err := s.VerifyDeviceToken(tok); err != ErrInvalidCredential {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
	tok2, err := s.RotateDeviceToken(id)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := s.VerifyDeviceToken(tok2); err != nil {
		t.Fatalf("expected rotated token to verify: %v", err)
	}
}

func TestAPIKeyConstantTime(t *testing.T) {
	s := New("", 0, []string{"key-a", "key-b"}, "")
	if !s.VerifyAPIKey("key-a") {
		t.Fatal("expected key-a to verify")
	}
	if s.VerifyAPIKey("key-c") {
		t.Fatal("expected key-c to fail")
	}
}

func TestPasswordAuth(t *testing.T) {
	s := New("", 0, nil, "hunter2")
	if !s.VerifyPassword("hunter2") {
		t.Fatal("expected password to verify")
	}
	if s.VerifyPassword("wrong") {
		t.Fatal("expected wrong password to fail")
	}
}

func TestEvaluateOrderPrefersDeviceToken(t *testing.T) {
	s := New("secret", time.Hour, []string{"key-a"}, "pw")
	id := Identity{ClientID: "c1", Role: models.ClientRoleOperator}
	tok, _ := s.IssueDeviceToken(id)

	got, err := s.Evaluate("ignored", Params{Token: tok, APIKey: "wrong-key", Password: "wrong-pw"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ClientID != "c1" {
		t.Fatalf("expected device-token identity to win, got %+v", got)
	}
}

func TestPairingLifecycle(t *testing.T) {
	s := New("secret", time.Hour, nil, "")
	req := s.RequestPairing("req-1", "node-3", models.ClientRoleNode)
	if req.Code == "" {
		t.Fatal("expected a pairing code")
	}
	if len(s.ListPairing()) != 1 {
		t.Fatalf("expected 1 pending pairing request")
	}
	resolved, err := s.ResolvePairing("req-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ClientID != "node-3" {
		t.Fatalf("unexpected resolved request: %+v", resolved)
	}
	if len(s.ListPairing()) != 0 {
		t.Fatal("expected pairing request to be removed after resolution")
	}
}
