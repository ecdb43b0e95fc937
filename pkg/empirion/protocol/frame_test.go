package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeValidFrames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want FrameType
	}{
		{
			name: "auth",
			raw:  `{"type":"auth","data":{"user_id":"u1","token":"t1"}}`,
			want: FrameAuth,
		},
		{
			name: "request",
			raw:  `{"type":"request","request_id":"r1","data":{"type":"text","content":"hi"}}`,
			want: FrameRequest,
		},
		{
			name: "request with metadata",
			raw:  `{"type":"request","request_id":"r2","data":{"type":"action","content":"make_call","metadata":{"number":"+15551234"}}}`,
			want: FrameRequest,
		},
		{
			name: "subscribe",
			raw:  `{"type":"subscribe","events":["call","message"]}`,
			want: FrameSubscribe,
		},
		{
			name: "ping",
			raw:  `{"type":"ping"}`,
			want: FramePing,
		},
		{
			name: "server error frame",
			raw:  `{"type":"error","message":"boom"}`,
			want: FrameError,
		},
		{
			name: "event",
			raw:  `{"type":"event","event_type":"call","data":{"number":"+15551234"}}`,
			want: FrameEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if f.Type != tt.want {
				t.Fatalf("Decode() type = %q, want %q", f.Type, tt.want)
			}
		})
	}
}

func TestDecodePopulatesPayloads(t *testing.T) {
	f, err := Decode([]byte(`{"type":"auth","data":{"user_id":"u1","token":"secret"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Auth == nil || f.Auth.UserID != "u1" || f.Auth.Token != "secret" {
		t.Fatalf("Decode() auth payload = %+v", f.Auth)
	}

	f, err = Decode([]byte(`{"type":"request","request_id":"r1","data":{"type":"voice","content":"YXVkaW8=","metadata":{"format":"wav"}}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Request == nil || f.Request.Type != RequestVoice {
		t.Fatalf("Decode() request payload = %+v", f.Request)
	}
	if f.Request.Metadata["format"] != "wav" {
		t.Fatalf("Decode() metadata = %+v", f.Request.Metadata)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind DecodeErrorKind
	}{
		{"not json", `{{{`, Malformed},
		{"unknown type", `{"type":"teleport"}`, UnknownType},
		{"empty type", `{"data":{}}`, UnknownType},
		{"auth without data", `{"type":"auth"}`, MissingField},
		{"auth without token", `{"type":"auth","data":{"user_id":"u1"}}`, MissingField},
		{"request without id", `{"type":"request","data":{"type":"text","content":"hi"}}`, MissingField},
		{"request without content", `{"type":"request","request_id":"r1","data":{"type":"text"}}`, MissingField},
		{"subscribe without events", `{"type":"subscribe"}`, MissingField},
		{"error without message", `{"type":"error"}`, MissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Decode() error type = %T", err)
			}
			if de.Kind != tt.kind {
				t.Fatalf("Decode() kind = %q, want %q", de.Kind, tt.kind)
			}
		})
	}
}

func TestEncodeAuthResponseKeepsFalse(t *testing.T) {
	data, err := Encode(NewAuthResponseFrame(false, "invalid credentials"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	success, ok := raw["success"].(bool)
	if !ok || success {
		t.Fatalf("encoded success = %#v, want false", raw["success"])
	}
}

func TestEncodeFoldsAuthPayloadIntoData(t *testing.T) {
	f := &Frame{
		Type: FrameAuth,
		Auth: &AuthData{UserID: "u1", Token: "secret"},
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// A frame built from the typed payload must decode like one built from
	// raw JSON; a dropped data field would be rejected as incomplete here.
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Auth == nil || got.Auth.UserID != "u1" || got.Auth.Token != "secret" {
		t.Fatalf("round-tripped auth payload = %+v", got.Auth)
	}
}

func TestEncodeFoldsRequestPayloadIntoData(t *testing.T) {
	f := &Frame{
		Type:      FrameRequest,
		RequestID: "r1",
		Request: &RequestPayload{
			Type:     RequestAction,
			Content:  "make_call",
			Metadata: map[string]any{"number": "+15551234"},
		},
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Request == nil || got.Request.Type != RequestAction || got.Request.Content != "make_call" {
		t.Fatalf("round-tripped request payload = %+v", got.Request)
	}
	if got.Request.Metadata["number"] != "+15551234" {
		t.Fatalf("round-tripped metadata = %+v", got.Request.Metadata)
	}
}

func TestEventFrameRoundTrip(t *testing.T) {
	f, err := NewEventFrame(CategoryCall, map[string]string{"number": "+15551234", "state": "ringing"})
	if err != nil {
		t.Fatalf("NewEventFrame() error = %v", err)
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.EventType != string(CategoryCall) {
		t.Fatalf("event_type = %q", got.EventType)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload["state"] != "ringing" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestParseCategory(t *testing.T) {
	if _, ok := ParseCategory("call"); !ok {
		t.Fatal("ParseCategory(call) should succeed")
	}
	if _, ok := ParseCategory("weather"); ok {
		t.Fatal("ParseCategory(weather) should fail")
	}
}
