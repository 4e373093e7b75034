package gateway

import (
	"context"
	"sync"

	"github.com/moltisdev/moltis/internal/agent"
	"github.com/moltisdev/moltis/internal/frame"
	"github.com/moltisdev/moltis/internal/registry"
)

// broadcastEmitter bridges the agent executor's TurnEvent stream to the
// WebSocket `chat` event every connection with scope "chat" sees,
// turning internal domain events into outbound frames through the
// registry's broadcast path. Implements agent.Emitter.
type broadcastEmitter struct {
	registry *registry.Registry
}

var _ agent.Emitter = (*broadcastEmitter)(nil)

func newBroadcastEmitter(reg *registry.Registry) *broadcastEmitter {
	return &broadcastEmitter{registry: reg}
}

// Emit serializes evt as a `chat` event frame and fans it out to every
// connection holding the "chat" scope. A connection that can't keep up
// with its buffered send queue is not allowed to stall delivery to every
// other connection; Registry.Broadcast already isolates per-target
// errors so a single slow client never blocks this call.
func (e *broadcastEmitter) Emit(ctx context.Context, evt agent.TurnEvent) error {
	f := frame.NewEvent("chat", e.registry.NextSeq(), evt)
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	e.registry.Broadcast(data, registry.Filter{Scope: "chat"})
	return nil
}

// captureEmitter records only a turn's terminal event, for callers (cron
// isolated fires, channel-triggered turns) that need the final text and
// usage synchronously rather than a live broadcast stream.
type captureEmitter struct {
	mu           sync.Mutex
	finalText    string
	inputTokens  int
	outputTokens int
	errMessage   string
}

var _ agent.Emitter = (*captureEmitter)(nil)

func (c *captureEmitter) Emit(ctx context.Context, evt agent.TurnEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.State {
	case agent.StateFinal:
		c.finalText = evt.Text
		c.inputTokens = evt.InputTokens
		c.outputTokens = evt.OutputTokens
	case agent.StateError:
		c.errMessage = evt.Message
	}
	return nil
}
