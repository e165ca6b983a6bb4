package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a Frame variant.
type Kind int

// Frame kinds.
const (
	KindClientAudioChunk Kind = iota + 1
	KindClientVideoChunk
	KindClientText
	KindClientEndOfTurn
	KindToolResponse
	KindServerContent
	KindToolCall
	KindReadyNotice
	KindErrorNotice
)

var kindNames = map[Kind]string{
	KindClientAudioChunk: "client_audio_chunk",
	KindClientVideoChunk: "client_video_chunk",
	KindClientText:       "client_text",
	KindClientEndOfTurn:  "client_end_of_turn",
	KindToolResponse:     "tool_response",
	KindServerContent:    "server_content",
	KindToolCall:         "tool_call",
	KindReadyNotice:      "ready",
	KindErrorNotice:      "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is a single message travelling through the relay. The set of variants is closed.
type Frame interface {
	Kind() Kind
	frame()
}

// ClientAudioChunk is one chunk of captured PCM audio.
type ClientAudioChunk struct {
	MimeType string
	Data     []byte
}

// ClientVideoChunk is one sampled video frame.
type ClientVideoChunk struct {
	MimeType string
	Data     []byte
}

// ClientText is a complete user text turn.
type ClientText struct {
	Text string
}

// ClientEndOfTurn tells upstream the user finished speaking.
type ClientEndOfTurn struct{}

// ToolResponse answers function calls.
type ToolResponse struct {
	Responses []FunctionResponse
}

// ServerContentFrame is model output: audio, text or turn-state flags.
type ServerContentFrame struct {
	Content ServerContent
}

// ToolCallFrame carries a function call request.
type ToolCallFrame struct {
	Call ToolCall
}

// ReadyNotice tells a client the upstream link is open.
type ReadyNotice struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorNotice carries a human-readable failure to the client.
type ErrorNotice struct {
	Message string
}

func (ClientAudioChunk) Kind() Kind   { return KindClientAudioChunk }
func (ClientVideoChunk) Kind() Kind   { return KindClientVideoChunk }
func (ClientText) Kind() Kind         { return KindClientText }
func (ClientEndOfTurn) Kind() Kind    { return KindClientEndOfTurn }
func (ToolResponse) Kind() Kind       { return KindToolResponse }
func (ServerContentFrame) Kind() Kind { return KindServerContent }
func (ToolCallFrame) Kind() Kind      { return KindToolCall }
func (ReadyNotice) Kind() Kind        { return KindReadyNotice }
func (ErrorNotice) Kind() Kind        { return KindErrorNotice }

func (ClientAudioChunk) frame()   {}
func (ClientVideoChunk) frame()   {}
func (ClientText) frame()         {}
func (ClientEndOfTurn) frame()    {}
func (ToolResponse) frame()       {}
func (ServerContentFrame) frame() {}
func (ToolCallFrame) frame()      {}
func (ReadyNotice) frame()        {}
func (ErrorNotice) frame()        {}

// ClientMessageFor builds the upstream wire object for a client-originated frame.
func ClientMessageFor(f Frame) (*ClientMessage, error) {
	switch v := f.(type) {
	case ClientAudioChunk:
		return realtime(v.MimeType, MimeAudioPCM, v.Data), nil
	case ClientVideoChunk:
		return realtime(v.MimeType, MimeImageJPEG, v.Data), nil
	case ClientText:
		return &ClientMessage{ClientContent: &ClientContent{
			Turns:        []Content{{Role: RoleUser, Parts: []Part{{Text: v.Text}}}},
			TurnComplete: true,
		}}, nil
	case ClientEndOfTurn:
		return &ClientMessage{ClientContent: &ClientContent{
			Turns:        []Content{{Role: RoleUser, Parts: []Part{}}},
			TurnComplete: true,
		}}, nil
	case ToolResponse:
		responses := v.Responses
		if responses == nil {
			responses = []FunctionResponse{}
		}
		return &ClientMessage{ToolResponse: &ToolResponseBody{FunctionResponses: responses}}, nil
	}
	return nil, fmt.Errorf("frame %s is not client-originated", f.Kind())
}

func realtime(mime, fallback string, data []byte) *ClientMessage {
	if mime == "" {
		mime = fallback
	}
	return &ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []MediaChunk{{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}},
	}}
}

// Encode serializes a frame to its wire JSON. Client frames become single-key upstream
// objects, server frames their camelCase form, notices their client payloads.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case ServerContentFrame:
		return json.Marshal(ServerMessage{ServerContent: &v.Content})
	case ToolCallFrame:
		return json.Marshal(ServerMessage{ToolCall: &v.Call})
	case ReadyNotice:
		return json.Marshal(v)
	case ErrorNotice:
		return json.Marshal(v.Message)
	}
	msg, err := ClientMessageFor(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeServerMessage parses an upstream frame.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ParseError{Source: "server message", Err: err}
	}
	return &msg, nil
}

// Frames splits a server message into frame variants, tool call first.
func Frames(msg *ServerMessage) []Frame {
	if msg == nil {
		return nil
	}
	var out []Frame
	if msg.ToolCall != nil {
		out = append(out, ToolCallFrame{Call: *msg.ToolCall})
	}
	if msg.ServerContent != nil {
		out = append(out, ServerContentFrame{Content: *msg.ServerContent})
	}
	return out
}

// ParseError reports a frame that could not be decoded. The session continues.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
