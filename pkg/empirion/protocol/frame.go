// Package protocol defines the JSON wire frames exchanged between the
// Empirion gateway and its clients, and the codec that validates them.
// One frame travels per WebSocket message; the "type" field tags the
// variant and decides which other fields are required.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType tags the wire envelope variant.
type FrameType string

const (
	// Server → client.
	FrameConnection     FrameType = "connection"
	FrameAuthResponse   FrameType = "auth_response"
	FrameResponse       FrameType = "response"
	FrameSubscribed     FrameType = "subscription_confirmed"
	FrameEvent          FrameType = "event"
	FrameError          FrameType = "error"
	FramePong           FrameType = "pong"
	FrameStatusResponse FrameType = "status_response"

	// Client → server.
	FrameAuth      FrameType = "auth"
	FrameRequest   FrameType = "request"
	FrameSubscribe FrameType = "subscribe"
	FramePing      FrameType = "ping"
	FrameStatus    FrameType = "status"
)

// RequestType classifies the payload of a request frame. The router owns
// the mapping from request type to capability handler; the codec only
// checks that a type is present.
type RequestType string

const (
	RequestText   RequestType = "text"
	RequestVoice  RequestType = "voice"
	RequestAction RequestType = "action"
)

// EventCategory classifies events for subscription filtering.
type EventCategory string

const (
	CategoryNotification EventCategory = "notification"
	CategoryCall         EventCategory = "call"
	CategoryMessage      EventCategory = "message"
	CategorySystem       EventCategory = "system"
)

// Categories lists every known event category.
var Categories = []EventCategory{
	CategoryNotification,
	CategoryCall,
	CategoryMessage,
	CategorySystem,
}

// ParseCategory maps a wire category name to an EventCategory.
func ParseCategory(s string) (EventCategory, bool) {
	switch EventCategory(s) {
	case CategoryNotification, CategoryCall, CategoryMessage, CategorySystem:
		return EventCategory(s), true
	}
	return "", false
}

// AuthData is the payload of an auth frame.
type AuthData struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// RequestPayload is the payload of a request frame.
type RequestPayload struct {
	Type     RequestType    `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Frame is the wire envelope. Fields are populated per variant; the
// omitempty tags keep encoded frames free of unrelated fields.
type Frame struct {
	Type         FrameType       `json:"type"`
	ClientID     string          `json:"client_id,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Status       string          `json:"status,omitempty"`
	Content      any             `json:"content,omitempty"`
	Message      string          `json:"message,omitempty"`
	Events       []string        `json:"events,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`

	// Decoded payloads, populated by Decode for auth and request frames.
	Auth    *AuthData       `json:"-"`
	Request *RequestPayload `json:"-"`
}

// DecodeErrorKind classifies codec failures.
type DecodeErrorKind string

const (
	// Malformed means the bytes were not a valid JSON envelope.
	Malformed DecodeErrorKind = "malformed"
	// UnknownType means the envelope carried an unrecognized "type".
	UnknownType DecodeErrorKind = "unknown_type"
	// MissingField means a field required by the frame type was absent.
	MissingField DecodeErrorKind = "missing_field"
)

// DecodeError reports why a frame could not be decoded.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string
	Type  FrameType
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case Malformed:
		return "malformed frame"
	case UnknownType:
		return fmt.Sprintf("unknown frame type %q", e.Type)
	default:
		return fmt.Sprintf("frame %q missing required field %q", e.Type, e.Field)
	}
}

// Decode parses and validates one wire frame. The returned error, if any,
// is always a *DecodeError.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Kind: Malformed}
	}
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes a frame. Frames carrying a typed Auth or Request
// payload get it folded into the data field, so a frame built either way
// (typed payload or raw Data) goes over the wire identically. It does not
// fail for frames built through the constructors below; an error here means
// the caller put an unmarshalable value in Content.
func Encode(f *Frame) ([]byte, error) {
	out := *f
	if out.Auth != nil && len(out.Data) == 0 {
		data, err := json.Marshal(out.Auth)
		if err != nil {
			return nil, fmt.Errorf("encoding auth payload: %w", err)
		}
		out.Data = data
	}
	if out.Request != nil && len(out.Data) == 0 {
		data, err := json.Marshal(out.Request)
		if err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
		out.Data = data
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

func validate(f *Frame) error {
	missing := func(field string) error {
		return &DecodeError{Kind: MissingField, Field: field, Type: f.Type}
	}

	switch f.Type {
	case FrameAuth:
		if len(f.Data) == 0 {
			return missing("data")
		}
		var auth AuthData
		if err := json.Unmarshal(f.Data, &auth); err != nil {
			return &DecodeError{Kind: Malformed}
		}
		if auth.UserID == "" {
			return missing("data.user_id")
		}
		if auth.Token == "" {
			return missing("data.token")
		}
		f.Auth = &auth

	case FrameRequest:
		if f.RequestID == "" {
			return missing("request_id")
		}
		if len(f.Data) == 0 {
			return missing("data")
		}
		var req RequestPayload
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return &DecodeError{Kind: Malformed}
		}
		if req.Type == "" {
			return missing("data.type")
		}
		if req.Content == "" {
			return missing("data.content")
		}
		f.Request = &req

	case FrameSubscribe:
		if len(f.Events) == 0 {
			return missing("events")
		}

	case FrameConnection:
		if f.ClientID == "" {
			return missing("client_id")
		}

	case FrameAuthResponse:
		if f.Success == nil {
			return missing("success")
		}

	case FrameResponse:
		if f.RequestID == "" {
			return missing("request_id")
		}
		if f.Status == "" {
			return missing("status")
		}

	case FrameEvent:
		if f.EventType == "" {
			return missing("event_type")
		}

	case FrameError:
		if f.Message == "" {
			return missing("message")
		}

	case FramePing, FramePong, FrameStatus, FrameStatusResponse, FrameSubscribed:
		// No required fields beyond the type tag.

	default:
		return &DecodeError{Kind: UnknownType, Type: f.Type}
	}
	return nil
}

// NewErrorFrame builds an error frame, optionally tied to a request id.
func NewErrorFrame(requestID, message string) *Frame {
	return &Frame{Type: FrameError, RequestID: requestID, Message: message}
}

// NewAuthResponseFrame builds an auth_response frame.
func NewAuthResponseFrame(success bool, message string) *Frame {
	return &Frame{Type: FrameAuthResponse, Success: &success, Message: message}
}

// NewResponseFrame builds a response frame for a completed request.
func NewResponseFrame(requestID, status string, content any) *Frame {
	return &Frame{Type: FrameResponse, RequestID: requestID, Status: status, Content: content}
}

// NewEventFrame builds an event frame. The payload must be JSON-marshalable;
// event producers own their payload shapes, so a marshal failure here is a
// programming error and is reported as one.
func NewEventFrame(category EventCategory, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event payload: %w", category, err)
	}
	return &Frame{Type: FrameEvent, EventType: string(category), Data: data}, nil
}

// NewConnectionFrame builds the welcome frame sent on connect.
func NewConnectionFrame(clientID string, capabilities []string) *Frame {
	return &Frame{
		Type:         FrameConnection,
		ClientID:     clientID,
		Status:       "connected",
		Capabilities: capabilities,
	}
}
