package frame

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDecodeDefaultsTypeToReq(t *testing.T) {
	f, err := Decode([]byte(`{"id":"1","method":"health"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != TypeRequest {
		t.Fatalf("expected default type req, got %q", f.Type)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	big := strings.Repeat("x", MaxPayloadBytes+1)
	f := NewResponse("1", true, map[string]any{"data": big}, nil)
	if _, err := Encode(f); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestValidateRequestConnect(t *testing.T) {
	raw := []byte(`{"type":"req","id":"1","method":"connect","params":{"minProtocol":1,"maxProtocol":3,"client":{"id":"c1","role":"operator"}}}`)
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ValidateRequest(raw, f); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRequestMissingRequiredField(t *testing.T) {
	raw := []byte(`{"type":"req","id":"1","method":"chat.send","params":{"content":"hi"}}`)
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ValidateRequest(raw, f); err == nil {
		t.Fatalf("expected validation error for missing sessionKey")
	}
}

func TestValidateRequestUnknownMethodPassesEnvelopeOnly(t *testing.T) {
	raw := []byte(`{"type":"req","id":"1","method":"totally.unknown","params":{}}`)
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ValidateRequest(raw, f); err != nil {
		t.Fatalf("unknown method should pass envelope-only validation: %v", err)
	}
}

func TestValidateRequestBadEnvelopeFailsOnMissingID(t *testing.T) {
	raw := []byte(`{"type":"req","method":"health"}`)
	f, _ := Decode(raw)
	if err := ValidateRequest(raw, f); err == nil {
		t.Fatalf("expected envelope validation error for missing id")
	}
}

func TestNewEventCarriesSeq(t *testing.T) {
	ev := NewEvent("tick", 42, map[string]any{"timestamp": time.Now().UnixMilli()})
	if ev.Seq == nil || *ev.Seq != 42 {
		t.Fatalf("expected seq 42, got %v", ev.Seq)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round Frame
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.Event != "tick" {
		t.Fatalf("expected event tick, got %q", round.Event)
	}
}

func TestNewErrorResponseUsesReservedCode(t *testing.T) {
	res := NewErrorResponse("req-1", ErrCodeNotLinked, "no linked node")
	if res.OK == nil || *res.OK {
		t.Fatalf("expected ok=false")
	}
	if res.Error.Code != ErrCodeNotLinked {
		t.Fatalf("expected code %s, got %s", ErrCodeNotLinked, res.Error.Code)
	}
}
