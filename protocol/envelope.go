package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope event names used between a client and the relay.
const (
	EventMessage           = "message"
	EventReady             = "ready"
	EventError             = "error"
	EventAITranscription   = "aiTranscription"
	EventUserTranscription = "userTranscription"
)

// StatusConnected is the status carried by ready notices.
const StatusConnected = "connected"

// Envelope frames one client⇄relay WebSocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TranscriptionEvent is the payload of aiTranscription and userTranscription events.
type TranscriptionEvent struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope marshals v as the envelope's data. Raw JSON is used as-is.
func NewEnvelope(event string, v any) (Envelope, error) {
	switch d := v.(type) {
	case nil:
		return Envelope{Event: event}, nil
	case json.RawMessage:
		return Envelope{Event: event, Data: d}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MessageEnvelope wraps a frame for transport as a "message" event.
func MessageEnvelope(f Frame) (Envelope, error) {
	data, err := Encode(f)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: EventMessage, Data: data}, nil
}

// ErrorEnvelope builds an "error" event carrying msg.
func ErrorEnvelope(msg string) Envelope {
	data, _ := json.Marshal(msg)
	return Envelope{Event: EventError, Data: data}
}

// DecodeEnvelope parses one client⇄relay message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ParseError{Source: "envelope", Err: err}
	}
	if env.Event == "" {
		return Envelope{}, &ParseError{Source: "envelope", Err: fmt.Errorf("missing event name")}
	}
	return env, nil
}

// ErrorText extracts the message of an "error" event. Object payloads with a
// "message" field are accepted too.
func (e Envelope) ErrorText() string {
	var s string
	if json.Unmarshal(e.Data, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Data, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Data)
}
