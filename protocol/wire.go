// Package protocol defines the frames exchanged between clients, the relay and the
// upstream Gemini Live service, and the envelope that carries them between a client
// and the relay.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Mime types carried in media chunks.
const (
	MimeAudioPCM  = "audio/pcm"
	MimeImageJPEG = "image/jpeg"
)

// Turn roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ClientMessage is the client-to-upstream wire object. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup            `json:"setup,omitempty"`
	ClientContent *ClientContent    `json:"client_content,omitempty"`
	RealtimeInput *RealtimeInput    `json:"realtime_input,omitempty"`
	ToolResponse  *ToolResponseBody `json:"tool_response,omitempty"`
}

// Setup is the first frame sent on a freshly opened upstream connection.
type Setup struct {
	Model                    string            `json:"model"`
	GenerationConfig         map[string]any    `json:"generation_config,omitempty"`
	SystemInstruction        *Content          `json:"system_instruction,omitempty"`
	Tools                    []json.RawMessage `json:"tools,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// ClientContent carries conversational turns.
type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turn_complete"`
}

// RealtimeInput carries streamed media.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

// MediaChunk is one base64-encoded media payload.
type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolResponseBody answers one or more function calls.
type ToolResponseBody struct {
	FunctionResponses []FunctionResponse `json:"function_responses"`
}

// FunctionResponse is the result of a single function call.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ServerMessage is the upstream-to-client wire object.
type ServerMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
}

// ServerContent is a model turn fragment plus turn-state flags.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Part is a text or inline-data fragment. Upstream inline data uses camelCase keys.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is base64 media embedded in a part.
type InlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// Transcription is the text of speech recognized on either side of the conversation.
type Transcription struct {
	Text string `json:"text,omitempty"`
}

// ToolCall lists the functions the model wants invoked.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

// FunctionCall is one requested invocation.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolCallCancellation withdraws previously issued calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids,omitempty"`
}

// AudioParts returns the decoded payload of every audio inline-data part, in order.
// Parts whose data is not valid base64 are skipped.
func (c *ServerContent) AudioParts() [][]byte {
	if c == nil || c.ModelTurn == nil {
		return nil
	}
	var out [][]byte
	for _, p := range c.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		if mt := p.InlineData.MimeType; mt != "" && !strings.HasPrefix(mt, "audio/") {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			continue
		}
		out = append(out, pcm)
	}
	return out
}

// Text concatenates the text parts of the model turn.
func (c *ServerContent) Text() string {
	if c == nil || c.ModelTurn == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.ModelTurn.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
