// Package frame implements the WebSocket wire protocol: request/response/
// event frame envelopes, JSON schema validation of method params, and the
// fixed protocol constants both sides negotiate against. The envelope
// shape (type/id/method/params, type/id/ok/payload/error, type/event/seq)
// and the handshake/tick/payload-limit constants follow the control-plane
// pattern in this codebase's WebSocket gateway.
package frame

import (
	"encoding/json"
	"time"
)

// Protocol constants. Bumping ProtocolVersion is a breaking wire change;
// clients negotiate a [MinProtocol, MaxProtocol] range at connect time.
const (
	ProtocolVersion    = 3
	MaxPayloadBytes    = 512 * 1024
	MaxBufferedBytes   = 1536 * 1024
	TickInterval       = 30 * time.Second
	HandshakeTimeout   = 10 * time.Second
	DedupeTTL          = 5 * time.Minute
	DedupeMaxEntries   = 1000
)

// Type identifies the three frame kinds on the wire.
type Type string

const (
	TypeRequest  Type = "req"
	TypeResponse Type = "res"
	TypeEvent    Type = "event"
)

// Frame is the single envelope shape used for every direction of traffic.
// Only the fields relevant to Type are populated; the rest are omitted.
type Frame struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// Error codes are a closed set: dispatchers and channel handlers must use
// one of these, never an ad hoc string, so clients can branch on Code.
const (
	ErrCodeNotLinked      = "NOT_LINKED"
	ErrCodeNotPaired      = "NOT_PAIRED"
	ErrCodeAgentTimeout   = "AGENT_TIMEOUT"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnavailable    = "UNAVAILABLE"
)

// Error is the structured error payload attached to a failed response.
// It implements the error interface so handlers can return it directly.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewResponse builds a "res" frame for the given request id.
func NewResponse(id string, ok bool, payload any, err *Error) Frame {
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: payload, Error: err}
}

// NewErrorResponse builds a failed "res" frame carrying a reserved error code.
func NewErrorResponse(id, code, message string) Frame {
	ok := false
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds an "event" frame tagged with a monotonic sequence number.
func NewEvent(event string, seq int64, payload any) Frame {
	return Frame{Type: TypeEvent, Event: event, Seq: &seq, Payload: payload}
}

// Decode parses a raw inbound message into a Frame, defaulting an absent
// Type to "req" the way a bare JSON-RPC-style client would send it, and
// rejecting any other Type with ErrUnsupportedFrameType.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		f.Type = TypeRequest
	}
	if f.Type != TypeRequest {
		return nil, ErrUnsupportedFrameType
	}
	return &f, nil
}

// Encode serializes a Frame and rejects payloads larger than MaxPayloadBytes
// so an oversized frame is caught before it reaches the socket write.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	return data, nil
}
