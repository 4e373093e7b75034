// Package dispatch routes validated request frames to registered method
// handlers via a registration table, so each of the gateway's methods
// can be registered from its own owning package (sessions, mcp, cron,
// nodes, vault, ...) instead of growing one giant switch statement.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/moltisdev/moltis/internal/frame"
	"github.com/moltisdev/moltis/internal/models"
)

// Request is everything a Handler needs to act on one method call.
type Request struct {
	Conn   *models.Client
	Method string
	Params []byte // raw JSON params
}

// Handler handles one method call and returns its response payload, or
// an error. Handlers that need to emit events instead of/alongside a
// response do so through the Emitter captured in their closure at
// registration time; the return value here is always the synchronous
// "res" payload.
type Handler func(ctx context.Context, req Request) (any, error)

// Dispatcher is a method-name -> Handler registration table.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a method name to a handler. Registering the same method
// twice is a programming error and panics at startup rather than silently
// shadowing a handler at runtime.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[method]; exists {
		panic(fmt.Sprintf("dispatch: method %q already registered", method))
	}
	d.handlers[method] = h
}

// Methods lists every registered method name.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch looks up and invokes the handler for req.Method. An
// unregistered method returns a frame.Error with INVALID_REQUEST so
// callers can build a uniform error response without special-casing
// "unknown method" themselves.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		return nil, &frame.Error{Code: frame.ErrCodeInvalidRequest, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return h(ctx, req)
}
