// Package agent implements the streaming turn executor: the state machine
// that drives one LLM completion (with internal tool iterations) from a
// chat.send request through to a final or error event.
package agent

import (
	"context"
	"encoding/json"
)

// Provider abstracts one LLM backend (Anthropic, OpenAI, ...) behind a
// single streaming completion call. Implementations must be safe for
// concurrent use; the executor calls Complete from multiple goroutines
// for isolated cron turns and concurrent sessions alike.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
	Models() []Model
	SupportsTools() bool
}

// Model describes one model a provider exposes.
type Model struct {
	ID             string
	Name           string
	ContextSize    int
	SupportsVision bool
}

// Tool is one callable a provider may invoke mid-turn.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a complete tool invocation request streamed from a provider.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is a resolved tool outcome fed back into the next request.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// CompletionMessage is one turn of conversation history sent to a provider.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// CompletionRequest is everything a provider needs to stream one response.
type CompletionRequest struct {
	Model                string
	System               string
	Messages             []CompletionMessage
	Tools                []Tool
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionChunk is one unit of a streaming provider response. Exactly one
// of Text/Thinking/ToolCall/Done/Error is meaningful per chunk, mirroring
// the SSE event shapes the providers translate from.
type CompletionChunk struct {
	Text          string
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	ToolCall      *ToolCall
	Done          bool
	Error         error
	InputTokens   int
	OutputTokens  int
}
