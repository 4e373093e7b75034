package cron

import (
	"context"

	"github.com/moltisdev/moltis/internal/models"
)

// SystemEventDeliverer injects a SystemEvent payload as a user message
// into a target session, reusing the same entry point as chat.send
// (the "SystemEvent payload" delivery mode).
type SystemEventDeliverer interface {
	InjectSystemEvent(ctx context.Context, sessionKey, text string) error
}

// AgentTurnResult is what one isolated AgentTurn fire produces.
type AgentTurnResult struct {
	Output       string
	InputTokens  int
	OutputTokens int
}

// AgentTurnRunner runs one full agent turn in an
// isolated session and returns its final text plus token usage.
type AgentTurnRunner interface {
	RunIsolatedTurn(ctx context.Context, sessionKey, model, message string) (AgentTurnResult, error)
}

// ChannelDeliverer forwards an AgentTurn's output text to a channel
// adapter for outbound delivery (the deliver=true path),
// reusing the channel ingress plane.
type ChannelDeliverer interface {
	DeliverToChannel(ctx context.Context, channel models.ChannelType, to, text string) error
}

// SessionEnsurer creates the ephemeral isolated session a cron fire
// targets, keyed `cron:<job_id>:<fire_id>`.
type SessionEnsurer interface {
	EnsureSession(ctx context.Context, key, label string) error
}
