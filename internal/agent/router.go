package agent

import "context"

// ToolRouter is the seam between the turn executor and the tool sandbox
// router: the executor never knows about approvals, safe-bin checks,
// or Docker — it only asks for a tool call to be resolved.
type ToolRouter interface {
	Invoke(ctx context.Context, sessionKey string, call ToolCall) (*ToolOutcome, error)
}

// ToolOutcome is a resolved tool call result.
type ToolOutcome struct {
	Content       string
	IsError       bool
	ExecutionMode string
}

// ToolRouterFunc adapts a plain function to ToolRouter, used by tests.
type ToolRouterFunc func(ctx context.Context, sessionKey string, call ToolCall) (*ToolOutcome, error)

func (f ToolRouterFunc) Invoke(ctx context.Context, sessionKey string, call ToolCall) (*ToolOutcome, error) {
	return f(ctx, sessionKey, call)
}
