package agent

import (
	"context"
	"encoding/json"
)

// TurnState is one node of the streaming state machine a turn emits:
//
//	thinking -> {thinking_text}* -> {delta}*
//	         -> tool_call_start -> {delta}* -> tool_call_end  (one or more)
//	         -> iteration (loop back to the provider)
//	         -> retrying  (recoverable provider error)
//	         -> final     (terminal success)
//	         -> error     (terminal failure)
type TurnState string

const (
	StateThinking      TurnState = "thinking"
	StateThinkingText  TurnState = "thinking_text"
	StateDelta         TurnState = "delta"
	StateToolCallStart TurnState = "tool_call_start"
	StateToolCallEnd   TurnState = "tool_call_end"
	StateIteration     TurnState = "iteration"
	StateRetrying      TurnState = "retrying"
	StateFinal         TurnState = "final"
	StateError         TurnState = "error"
)

// TurnEvent is one `chat` event emitted during a turn, tagged by State.
// Only the fields relevant to that state are populated.
type TurnEvent struct {
	SessionKey string    `json:"session_key"`
	RunID      string    `json:"run_id"`
	State      TurnState `json:"state"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking_text,omitempty"`

	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	ExecutionMode string          `json:"execution_mode,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Result        string          `json:"result,omitempty"`

	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
	ErrorType    string `json:"type,omitempty"`
	Message      string `json:"message,omitempty"`
	ResetsAtMs   *int64 `json:"resets_at,omitempty"`

	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Emitter delivers turn events to whatever transport cares (the WebSocket
// broadcast, a tape recorder, a test spy). Implementations must not block
// the caller for long — the executor emits on every streamed delta.
type Emitter interface {
	Emit(ctx context.Context, evt TurnEvent) error
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(ctx context.Context, evt TurnEvent) error

func (f EmitterFunc) Emit(ctx context.Context, evt TurnEvent) error { return f(ctx, evt) }
