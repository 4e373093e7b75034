package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/sessions"
)

// DefaultMaxIterations bounds how many times a turn may loop back to the
// provider after resolving tool calls before it gives up with
// ErrMaxIterations.
const DefaultMaxIterations = 25

// DefaultMaxRetries bounds retryable-provider-error retries within a turn.
const DefaultMaxRetries = 3

// DefaultRetryBaseDelay is the base backoff between retryable provider
// errors; actual delay is DefaultRetryBaseDelay * 2^attempt.
const DefaultRetryBaseDelay = time.Second

// DefaultHistoryLimit bounds how many prior messages are loaded into a
// turn's request, keeping provider payloads bounded for long sessions.
const DefaultHistoryLimit = 200

// TurnRequest is one chat.send invocation.
type TurnRequest struct {
	SessionKey string
	Text       string
	Model      string
	System     string
	// RunID, when set, is the run identifier the caller already handed to
	// the client (e.g. chat.send's synchronous ack); RunTurn uses it
	// verbatim instead of minting its own, so a later chat.cancel can
	// target this exact turn. Left empty, RunTurn generates one itself.
	RunID string
}

// Executor runs the streaming agent-turn state machine: load history,
// stream a provider completion, resolve any tool calls through the
// ToolRouter, and loop until a final response or a terminal error. This is
// an explicit state loop (RunTurn) rather than a coroutine-style
// generator, the natural shape for Go's goroutine-per-turn model.
type Executor struct {
	sessions  *sessions.Service
	router    ToolRouter
	providers map[string]Provider
	logger    *slog.Logger

	maxIterations  int
	maxRetries     int
	retryBaseDelay time.Duration
	historyLimit   int

	mu     sync.Mutex
	usage  map[string]Usage // session key -> cumulative usage

	cancels sync.Map // run_id -> context.CancelFunc, for in-flight turns
}

// NewExecutor constructs an Executor with default bounds.
func NewExecutor(svc *sessions.Service, router ToolRouter, logger *slog.Logger) *Executor {
	return &Executor{
		sessions:       svc,
		router:         router,
		providers:      make(map[string]Provider),
		logger:         logger.With("component", "agent"),
		maxIterations:  DefaultMaxIterations,
		maxRetries:     DefaultMaxRetries,
		retryBaseDelay: DefaultRetryBaseDelay,
		historyLimit:   DefaultHistoryLimit,
		usage:          make(map[string]Usage),
	}
}

// RegisterProvider makes a provider available under providerName. The
// executor keeps only this name -> provider mapping; RunTurn's caller
// picks the provider name for a model, since a model ID alone doesn't
// name its provider (e.g. "claude-sonnet-4-20250514" vs "anthropic").
func (e *Executor) RegisterProvider(providerName string, p Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[providerName] = p
}

func (e *Executor) providerFor(name string) (Provider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.providers[name]
	if !ok {
		return nil, ErrNoProvider
	}
	return p, nil
}

// Usage returns the cumulative token usage recorded for a session.
func (e *Executor) Usage(sessionKey string) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage[sessionKey]
}

func (e *Executor) addUsage(sessionKey string, u Usage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage[sessionKey] = e.usage[sessionKey].Add(u)
}

func (e *Executor) registerCancel(runID string, cancel context.CancelFunc) {
	e.cancels.Store(runID, cancel)
}

func (e *Executor) unregisterCancel(runID string) {
	e.cancels.Delete(runID)
}

// Cancel stops the in-flight turn identified by runID, if one is
// currently running. Returns false if no such turn is registered (already
// finished, or the id is unknown).
func (e *Executor) Cancel(runID string) bool {
	v, ok := e.cancels.Load(runID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// RunTurn drives one full agent turn for req, streaming TurnEvents to
// emit. providerName selects which registered Provider to use; the model
// itself travels in req.Model and is passed to the provider as given; the
// session's stored model is not consulted here.
func (e *Executor) RunTurn(ctx context.Context, providerName string, req TurnRequest, emit Emitter) error {
	provider, err := e.providerFor(providerName)
	if err != nil {
		return err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	// turnCtx is what the provider stream and tool dispatch observe;
	// cancelling it is how chat.cancel stops an in-flight turn. Session
	// persistence and event emission keep using ctx, the caller's
	// (uncancelled) context, so the terminal error and any buffered text
	// still flush after a cancel.
	turnCtx, cancel := context.WithCancel(ctx)
	e.registerCancel(runID, cancel)
	defer e.unregisterCancel(runID)
	defer cancel()

	now := time.Now().UnixMilli()
	if err := e.sessions.Append(ctx, req.SessionKey, models.PersistedMessage{
		Role: models.RoleUser, Content: req.Text, CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("agent: append user message: %w", err)
	}

	emitted := false

	for iteration := 0; iteration < e.maxIterations; iteration++ {
		history, err := e.sessions.History(ctx, req.SessionKey, e.historyLimit)
		if err != nil {
			return fmt.Errorf("agent: load history: %w", err)
		}

		compReq := &CompletionRequest{
			Model:    req.Model,
			System:   req.System,
			Messages: toCompletionMessages(history),
		}

		if !emitted {
			_ = emit.Emit(ctx, TurnEvent{SessionKey: req.SessionKey, RunID: runID, State: StateThinking})
			emitted = true
		}

		chunks, text, toolCalls, usage, err := e.stream(turnCtx, provider, compReq, req.SessionKey, runID, emit)
		if err != nil {
			return e.emitTerminalError(ctx, turnCtx, provider, req, runID, text, err, emit)
		}
		_ = chunks

		if len(toolCalls) == 0 {
			if err := e.sessions.Append(ctx, req.SessionKey, models.PersistedMessage{
				Role: models.RoleAssistant, Content: text, CreatedAt: time.Now().UnixMilli(),
				Model: req.Model, Provider: provider.Name(),
				InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
			}); err != nil {
				return fmt.Errorf("agent: append assistant message: %w", err)
			}
			e.addUsage(req.SessionKey, usage)
			return emit.Emit(ctx, TurnEvent{
				SessionKey: req.SessionKey, RunID: runID, State: StateFinal,
				Text: text, Model: req.Model, Provider: provider.Name(),
				InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
			})
		}

		assistantMsg := models.PersistedMessage{
			Role: models.RoleAssistant, Content: text, CreatedAt: time.Now().UnixMilli(),
			Model: req.Model, Provider: provider.Name(),
			ToolCalls: toToolCallRequests(toolCalls),
		}
		if err := e.sessions.Append(ctx, req.SessionKey, assistantMsg); err != nil {
			return fmt.Errorf("agent: append assistant tool-call message: %w", err)
		}
		e.addUsage(req.SessionKey, usage)

		results := e.runToolCalls(turnCtx, req.SessionKey, runID, toolCalls, emit)
		for _, r := range results {
			if err := e.sessions.Append(ctx, req.SessionKey, models.PersistedMessage{
				Role: models.RoleTool, Content: r.Content, CreatedAt: time.Now().UnixMilli(),
				ToolCallID: r.ToolCallID,
			}); err != nil {
				return fmt.Errorf("agent: append tool result: %w", err)
			}
		}

		if err := emit.Emit(ctx, TurnEvent{SessionKey: req.SessionKey, RunID: runID, State: StateIteration}); err != nil {
			return err
		}
	}

	return ErrMaxIterations
}

// emitTerminalError flushes any buffered (not-yet-persisted) assistant text
// as an incomplete message, then emits the turn's terminal error event.
// Both use ctx, not turnCtx, so they still succeed after turnCtx has been
// cancelled by chat.cancel. A cancelled turnCtx is reported as the
// "cancelled" error kind regardless of what the underlying provider error
// says, since cancellation, not the provider, ended the turn.
func (e *Executor) emitTerminalError(ctx, turnCtx context.Context, provider Provider, req TurnRequest, runID, text string, streamErr error, emit Emitter) error {
	var pe *ProviderError
	if fe, ok := GetProviderError(streamErr); ok {
		pe = fe
	}

	reason := errorType(pe)
	if errors.Is(streamErr, context.Canceled) || errors.Is(turnCtx.Err(), context.Canceled) {
		reason = FailoverCancelled
	}

	if text != "" {
		_ = e.sessions.Append(ctx, req.SessionKey, models.PersistedMessage{
			Role: models.RoleAssistant, Content: text, CreatedAt: time.Now().UnixMilli(),
			Model: req.Model, Provider: provider.Name(),
		})
	}

	evt := TurnEvent{
		SessionKey: req.SessionKey, RunID: runID, State: StateError,
		ErrorType: string(reason), Message: streamErr.Error(),
	}
	if pe != nil {
		evt.ResetsAtMs = pe.ResetsAtMs
	}
	_ = emit.Emit(ctx, evt)
	return streamErr
}

func errorType(pe *ProviderError) FailoverReason {
	if pe == nil {
		return FailoverUnknown
	}
	return pe.Reason
}

// stream opens one provider completion, retrying retryable provider errors
// with exponential backoff, and returns the accumulated text, any tool
// calls, and the resulting usage.
func (e *Executor) stream(ctx context.Context, provider Provider, req *CompletionRequest, sessionKey, runID string, emit Emitter) ([]*CompletionChunk, string, []ToolCall, Usage, error) {
	var lastErr error
	var partialText string
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		chunks, err := provider.Complete(ctx, req)
		if err != nil {
			lastErr = err
		} else {
			text, toolCalls, usage, streamErr := e.drain(ctx, chunks, sessionKey, runID, emit)
			if streamErr == nil {
				return nil, text, toolCalls, usage, nil
			}
			partialText = text
			lastErr = streamErr
		}

		pe, ok := GetProviderError(lastErr)
		if !ok || !pe.Reason.IsRetryable() || attempt >= e.maxRetries {
			return nil, partialText, nil, Usage{}, lastErr
		}

		delay := time.Duration(float64(e.retryBaseDelay) * math.Pow(2, float64(attempt)))
		if pe.RetryAfterMs > 0 {
			delay = time.Duration(pe.RetryAfterMs) * time.Millisecond
		}
		if err := emit.Emit(ctx, TurnEvent{
			SessionKey: sessionKey, RunID: runID, State: StateRetrying,
			RetryAfterMs: int(delay / time.Millisecond), Message: lastErr.Error(),
		}); err != nil {
			return nil, partialText, nil, Usage{}, err
		}
		select {
		case <-ctx.Done():
			return nil, partialText, nil, Usage{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, partialText, nil, Usage{}, lastErr
}

// drain consumes a single provider completion stream, emitting thinking
// and delta events as they arrive.
func (e *Executor) drain(ctx context.Context, chunks <-chan *CompletionChunk, sessionKey, runID string, emit Emitter) (string, []ToolCall, Usage, error) {
	var text string
	var toolCalls []ToolCall
	var usage Usage

	for chunk := range chunks {
		if chunk.Error != nil {
			return text, toolCalls, usage, chunk.Error
		}
		if chunk.Thinking != "" {
			if err := emit.Emit(ctx, TurnEvent{SessionKey: sessionKey, RunID: runID, State: StateThinkingText, Thinking: chunk.Thinking}); err != nil {
				return text, toolCalls, usage, err
			}
		}
		if chunk.Text != "" {
			text += chunk.Text
			if err := emit.Emit(ctx, TurnEvent{SessionKey: sessionKey, RunID: runID, State: StateDelta, Text: chunk.Text}); err != nil {
				return text, toolCalls, usage, err
			}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage.InputTokens = chunk.InputTokens
			usage.OutputTokens = chunk.OutputTokens
			if usage.OutputTokens == 0 && text != "" {
				usage.OutputTokens = EstimateTokens(text)
				usage.Estimated = true
			}
		}
	}
	return text, toolCalls, usage, nil
}

// toolCallResult pairs a resolved outcome with the call it answers.
type toolCallResult struct {
	ToolCallID string
	Content    string
}

// runToolCalls executes every tool call concurrently through the
// ToolRouter, emitting tool_call_start before dispatch and tool_call_end as
// each resolves.
func (e *Executor) runToolCalls(ctx context.Context, sessionKey, runID string, calls []ToolCall, emit Emitter) []toolCallResult {
	results := make([]toolCallResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		_ = emit.Emit(ctx, TurnEvent{
			SessionKey: sessionKey, RunID: runID, State: StateToolCallStart,
			ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Input,
		})

		wg.Add(1)
		go func(idx int, c ToolCall) {
			defer wg.Done()
			outcome, err := e.router.Invoke(ctx, sessionKey, c)

			success := err == nil && (outcome == nil || !outcome.IsError)
			content := ""
			executionMode := ""
			if err != nil {
				content = err.Error()
			} else if outcome != nil {
				content = outcome.Content
				executionMode = outcome.ExecutionMode
			}

			results[idx] = toolCallResult{ToolCallID: c.ID, Content: content}

			_ = emit.Emit(ctx, TurnEvent{
				SessionKey: sessionKey, RunID: runID, State: StateToolCallEnd,
				ToolCallID: c.ID, ExecutionMode: executionMode,
				Success: &success, Result: content,
			})
		}(i, call)
	}

	wg.Wait()
	return results
}

func toCompletionMessages(history []models.PersistedMessage) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		cm := CompletionMessage{Role: string(m.Role), Content: m.TextContent()}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Input: json.RawMessage(tc.ArgumentsJSON)})
		}
		if m.Role == models.RoleTool {
			cm.ToolResults = append(cm.ToolResults, ToolResult{ToolCallID: m.ToolCallID, Content: cm.Content})
		}
		out = append(out, cm)
	}
	return out
}

func toToolCallRequests(calls []ToolCall) []models.ToolCallRequest {
	out := make([]models.ToolCallRequest, len(calls))
	for i, c := range calls {
		out[i] = models.ToolCallRequest{ID: c.ID, Name: c.Name, ArgumentsJSON: string(c.Input)}
	}
	return out
}
