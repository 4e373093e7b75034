package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoProvider is returned when a turn targets a model whose provider is
// not registered with the executor.
var ErrNoProvider = errors.New("agent: no provider configured for model")

// ErrMaxIterations is returned when a turn exceeds its bounded tool-call
// iteration count without reaching a final response.
var ErrMaxIterations = errors.New("agent: max tool iterations exceeded")

// FailoverReason classifies a provider error for retry and routing
// decisions, mirroring the HTTP-status/body taxonomy every provider wraps
// its errors into.
type FailoverReason string

const (
	FailoverRateLimitExceeded FailoverReason = "rate_limit_exceeded"
	FailoverUsageLimitReached FailoverReason = "usage_limit_reached"
	FailoverServerError       FailoverReason = "server_error"
	FailoverAuthError         FailoverReason = "auth_error"
	FailoverUnsupportedModel  FailoverReason = "unsupported_model"
	FailoverAPIError          FailoverReason = "api_error"
	FailoverCancelled         FailoverReason = "cancelled"
	FailoverUnknown           FailoverReason = "unknown"
)

// IsRetryable reports whether a turn's own in-turn loop should sleep and
// retry after this class of failure. usage_limit_reached is retryable from
// the client's point of view (at ResetsAtMs) but not within a single turn,
// since that reset can be arbitrarily far in the future.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimitExceeded, FailoverServerError:
		return true
	default:
		return false
	}
}

// ProviderError is the structured error every provider adapter wraps its
// failures into, carrying enough detail for the executor to decide whether
// to emit `retrying` or a terminal `error` event.
type ProviderError struct {
	Provider     string
	Model        string
	StatusCode   int
	Code         string
	Message      string
	RequestID    string
	RetryAfterMs int
	Reason       FailoverReason
	ResetsAtMs   *int64
	Cause        error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause with classification inferred from status 0
// (unknown); callers refine via the With* builders.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailoverUnknown}
}

func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.StatusCode = status
	switch {
	case status == 429:
		e.Reason = FailoverRateLimitExceeded
	case status == 401 || status == 403:
		e.Reason = FailoverAuthError
	case status >= 500:
		e.Reason = FailoverServerError
	}
	return e
}

// WithReason overrides the failure's classification directly, for callers
// that run their own body-based classification (ClassifyErrorBody) rather
// than relying on the status-code default WithStatus applies.
func (e *ProviderError) WithReason(reason FailoverReason) *ProviderError {
	e.Reason = reason
	return e
}

// WithResetsAt records when a usage-limit error resets, in epoch
// milliseconds, so clients know when a retry might succeed.
func (e *ProviderError) WithResetsAt(ms *int64) *ProviderError {
	e.ResetsAtMs = ms
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithRetryAfterMs(ms int) *ProviderError {
	e.RetryAfterMs = ms
	return e
}

// IsProviderError reports whether err is or wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// GetProviderError extracts a *ProviderError from err's chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyErrorBody inspects a raw provider error string (an SDK error's
// formatted text, sometimes with a JSON error body embedded partway
// through, sometimes a bare message) and returns the FailoverReason it
// represents, a client-facing detail message, and a reset time if one was
// present. httpStatus, when nonzero, overrides any status code found by
// scanning raw text.
//
// Checks run in order: usage-limit JSON, rate-limit JSON or 429, an
// unsupported-model message inside the JSON body, a generic JSON message,
// then HTTP status code, then an unsupported-model phrase in plain text,
// defaulting to unknown with the raw text as detail.
func ClassifyErrorBody(raw string, httpStatus int) (reason FailoverReason, detail string, resetsAtMs *int64) {
	status := extractHTTPStatus(raw)
	if httpStatus != 0 {
		status = httpStatus
	}

	if errObj, ok := findEmbeddedErrorObject(raw); ok {
		if matchesTypeOrMessage(errObj, "usage_limit_reached", "usage limit") {
			planType := "current"
			if pt, ok := errObj["plan_type"].(string); ok && pt != "" {
				planType = pt
			}
			return FailoverUsageLimitReached, fmt.Sprintf("Your %s plan limit has been reached.", planType), extractResetsAt(errObj)
		}

		if matchesTypeOrMessage(errObj, "rate_limit_exceeded", "rate limit") ||
			matchesTypeOrMessage(errObj, "rate_limit_exceeded", "quota exceeded") ||
			status == 429 {
			d := "Too many requests. Please wait a moment."
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				d = msg
			}
			return FailoverRateLimitExceeded, d, extractResetsAt(errObj)
		}

		if msg, ok := extractMessage(errObj); ok && isUnsupportedModelMessage(msg) {
			return FailoverUnsupportedModel, msg, nil
		}

		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return FailoverAPIError, msg, nil
		}
	}

	switch {
	case status == 401 || status == 403:
		return FailoverAuthError, "Your session may have expired or credentials are invalid.", nil
	case status == 429:
		return FailoverRateLimitExceeded, "Too many requests. Please wait a moment and try again.", nil
	case status >= 500:
		return FailoverServerError, "The upstream provider returned an error. Please try again later.", nil
	}

	if isUnsupportedModelMessage(raw) {
		return FailoverUnsupportedModel, raw, nil
	}

	return FailoverUnknown, raw, nil
}

// findEmbeddedErrorObject looks for the first '{' in raw, parses the JSON
// object starting there, and unwraps an "error" sub-object if present.
func findEmbeddedErrorObject(raw string) (map[string]any, bool) {
	idx := strings.IndexByte(raw, '{')
	if idx < 0 {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw[idx:]), &obj); err != nil {
		return nil, false
	}
	if nested, ok := obj["error"].(map[string]any); ok {
		return nested, true
	}
	return obj, true
}

func matchesTypeOrMessage(obj map[string]any, typeStr, messageSubstr string) bool {
	if t, ok := obj["type"].(string); ok && t == typeStr {
		return true
	}
	if m, ok := obj["message"].(string); ok && strings.Contains(strings.ToLower(m), messageSubstr) {
		return true
	}
	return false
}

func extractMessage(obj map[string]any) (string, bool) {
	if v, ok := obj["detail"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := obj["message"].(string); ok && v != "" {
		return v, true
	}
	if nested, ok := obj["error"].(map[string]any); ok {
		if v, ok := nested["message"].(string); ok && v != "" {
			return v, true
		}
		if v, ok := nested["detail"].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func isUnsupportedModelMessage(message string) bool {
	lower := strings.ToLower(message)
	hasModel := strings.Contains(lower, "model")
	unsupported := strings.Contains(lower, "not supported") || strings.Contains(lower, "unsupported") || strings.Contains(lower, "not available")
	return hasModel && unsupported
}

func extractResetsAt(obj map[string]any) *int64 {
	v, ok := obj["resets_at"]
	if !ok {
		return nil
	}
	n, ok := v.(float64)
	if !ok {
		return nil
	}
	ms := int64(n) * 1000
	return &ms
}

func extractHTTPStatus(raw string) int {
	patterns := []string{"HTTP ", "status= ", "status=", "status: ", "status "}
	for _, pat := range patterns {
		idx := strings.Index(raw, pat)
		if idx < 0 {
			continue
		}
		after := raw[idx+len(pat):]
		end := 0
		for end < len(after) && after[end] >= '0' && after[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		if code, err := strconv.Atoi(after[:end]); err == nil {
			return code
		}
	}
	return 0
}
