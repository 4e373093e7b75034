package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/moltisdev/moltis/internal/frame"
)

func TestDispatchKnownMethod(t *testing.T) {
	d := New()
	d.Register("health", func(ctx context.Context, req Request) (any, error) {
		return map[string]any{"status": "ok"}, nil
	})
	out, err := d.Dispatch(context.Background(), Request{Method: "health"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	payload, ok := out.(map[string]any)
	if !ok || payload["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", out)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := New()
	_, err := d.Dispatch(context.Background(), Request{Method: "nope"})
	var fe *frame.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *frame.Error, got %T: %v", err, err)
	}
	if fe.Code != frame.ErrCodeInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %s", fe.Code)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	d := New()
	d.Register("ping", func(ctx context.Context, req Request) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	d.Register("ping", func(ctx context.Context, req Request) (any, error) { return nil, nil })
}

func TestMethodsListsRegistered(t *testing.T) {
	d := New()
	d.Register("a", func(ctx context.Context, req Request) (any, error) { return nil, nil })
	d.Register("b", func(ctx context.Context, req Request) (any, error) { return nil, nil })
	methods := d.Methods()
	if len(methods) != 2 {
		t.Fatalf("expected 2 methods, got %d", len(methods))
	}
}
