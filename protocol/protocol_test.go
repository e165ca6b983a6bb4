package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_ClientFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "audio chunk",
			frame: ClientAudioChunk{Data: []byte{1, 2, 3}},
			want:  `{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm","data":"AQID"}]}}`,
		},
		{
			name:  "video chunk",
			frame: ClientVideoChunk{Data: []byte{0xff, 0xd8}},
			want:  `{"realtime_input":{"media_chunks":[{"mime_type":"image/jpeg","data":"/9g="}]}}`,
		},
		{
			name:  "text turn",
			frame: ClientText{Text: "hi"},
			want:  `{"client_content":{"turns":[{"role":"user","parts":[{"text":"hi"}]}],"turn_complete":true}}`,
		},
		{
			name:  "end of turn",
			frame: ClientEndOfTurn{},
			want:  `{"client_content":{"turns":[{"role":"user","parts":[]}],"turn_complete":true}}`,
		},
		{
			name: "tool response",
			frame: ToolResponse{Responses: []FunctionResponse{
				{ID: "c1", Name: "lookup", Response: map[string]any{"ok": true}},
			}},
			want: `{"tool_response":{"function_responses":[{"id":"c1","name":"lookup","response":{"ok":true}}]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEncode_Notices(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Encode(ReadyNotice{Status: StatusConnected, Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"connected","timestamp":"2026-01-02T03:04:05Z"}`, string(got))

	got, err = Encode(ErrorNotice{Message: "Empty message received"})
	require.NoError(t, err)
	assert.Equal(t, `"Empty message received"`, string(got))
}

func TestClientMessageFor_RejectsServerFrames(t *testing.T) {
	_, err := ClientMessageFor(ToolCallFrame{})
	assert.Error(t, err)
}

func TestDecodeServerMessage(t *testing.T) {
	pcm := []byte{0x00, 0x40, 0x00, 0xc0}
	raw := `{"serverContent":{"modelTurn":{"parts":[` +
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}},` +
		`{"inlineData":{"mimeType":"image/png","data":"AAAA"}},` +
		`{"text":"hello"}]},"turnComplete":true,` +
		`"outputTranscription":{"text":"hello"}},` +
		`"toolCall":{"functionCalls":[{"id":"1","name":"a"},{"id":"2","name":"b"}]}}`

	msg, err := DecodeServerMessage([]byte(raw))
	require.NoError(t, err)

	require.NotNil(t, msg.ServerContent)
	assert.True(t, msg.ServerContent.TurnComplete)
	assert.Equal(t, "hello", msg.ServerContent.Text())
	assert.Equal(t, "hello", msg.ServerContent.OutputTranscription.Text)
	assert.Equal(t, [][]byte{pcm}, msg.ServerContent.AudioParts())

	frames := Frames(msg)
	require.Len(t, frames, 2)
	assert.Equal(t, KindToolCall, frames[0].Kind())
	assert.Equal(t, KindServerContent, frames[1].Kind())
	assert.Len(t, frames[0].(ToolCallFrame).Call.FunctionCalls, 2)
}

func TestDecodeServerMessage_Malformed(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"serverContent":`))
	require.Error(t, err)

	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "server message", pe.Source)
}

func TestServerContentFrame_RoundTripShape(t *testing.T) {
	data, err := Encode(ServerContentFrame{Content: ServerContent{Interrupted: true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"serverContent":{"interrupted":true}}`, string(data))
}

func TestEnvelope(t *testing.T) {
	env, err := MessageEnvelope(ClientText{Text: "yo"})
	require.NoError(t, err)
	assert.Equal(t, EventMessage, env.Event)

	wire, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(wire)
	require.NoError(t, err)
	assert.Equal(t, EventMessage, decoded.Event)
	assert.JSONEq(t, string(env.Data), string(decoded.Data))

	raw := json.RawMessage(`{"a":1}`)
	env, err = NewEnvelope("custom", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, env.Data)

	env, err = NewEnvelope("ping", nil)
	require.NoError(t, err)
	assert.Nil(t, env.Data)
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`nope`))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"data":1}`))
	assert.Error(t, err)
}

func TestEnvelope_ErrorText(t *testing.T) {
	assert.Equal(t, "boom", ErrorEnvelope("boom").ErrorText())
	assert.Equal(t, "nested", Envelope{Event: EventError, Data: json.RawMessage(`{"message":"nested"}`)}.ErrorText())
	assert.Equal(t, "42", Envelope{Event: EventError, Data: json.RawMessage(`42`)}.ErrorText())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "client_text", KindClientText.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
