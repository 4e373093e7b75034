package registry

import (
	"errors"
	"testing"

	"github.com/moltisdev/moltis/internal/models"
)

func newTestClient(id string, role models.ClientRole, scopes ...string) models.Client {
	m := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		m[s] = struct{}{}
	}
	return models.Client{ConnID: id, ClientID: id, Role: role, Scopes: m}
}

func TestRegisterUnregisterBumpsStateVersion(t *testing.T) {
	r := New(nil)
	v0 := r.StateVersion()
	r.Register("c1", newTestClient("c1", models.ClientRoleOperator), func([]byte) error { return nil })
	v1 := r.StateVersion()
	if v1 == v0 {
		t.Fatalf("expected state version to change on register")
	}
	r.Unregister("c1")
	v2 := r.StateVersion()
	if v2 == v1 {
		t.Fatalf("expected state version to change on unregister")
	}
	if r.Count() != 0 {
		t.Fatalf("expected 0 connections after unregister, got %d", r.Count())
	}
}

func TestNextSeqMonotonic(t *testing.T) {
	r := New(nil)
	a := r.NextSeq()
	b := r.NextSeq()
	if b <= a {
		t.Fatalf("expected increasing seq, got %d then %d", a, b)
	}
}

func TestBroadcastFiltersByScope(t *testing.T) {
	r := New(nil)
	var gotA, gotB bool
	r.Register("a", newTestClient("a", models.ClientRoleOperator, "admin"), func([]byte) error {
		gotA = true
		return nil
	})
	r.Register("b", newTestClient("b", models.ClientRoleOperator), func([]byte) error {
		gotB = true
		return nil
	})

	errs := r.Broadcast([]byte("hi"), Filter{Scope: "admin"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !gotA || gotB {
		t.Fatalf("expected only scoped connection to receive, gotA=%v gotB=%v", gotA, gotB)
	}
}

func TestBroadcastExcludeSelf(t *testing.T) {
	r := New(nil)
	var gotA, gotB bool
	r.Register("a", newTestClient("a", models.ClientRoleOperator), func([]byte) error { gotA = true; return nil })
	r.Register("b", newTestClient("b", models.ClientRoleOperator), func([]byte) error { gotB = true; return nil })

	r.Broadcast([]byte("hi"), Filter{ExcludeConnID: "a"})
	if gotA || !gotB {
		t.Fatalf("expected only b to receive, gotA=%v gotB=%v", gotA, gotB)
	}
}

func TestBroadcastCollectsPerConnErrors(t *testing.T) {
	r := New(nil)
	failErr := errors.New("boom")
	r.Register("a", newTestClient("a", models.ClientRoleOperator), func([]byte) error { return failErr })
	r.Register("b", newTestClient("b", models.ClientRoleOperator), func([]byte) error { return nil })

	errs := r.Broadcast([]byte("hi"), Filter{})
	if len(errs) != 1 || errs["a"] != failErr {
		t.Fatalf("expected exactly one error for conn a, got %v", errs)
	}
}

func TestSendUnknownConn(t *testing.T) {
	r := New(nil)
	ok, err := r.Send("missing", []byte("x"))
	if ok || err != nil {
		t.Fatalf("expected ok=false err=nil for unknown conn, got ok=%v err=%v", ok, err)
	}
}
