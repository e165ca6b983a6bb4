package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/protocol"
)

// Event is a notification delivered to session observers. The set of variants
// is closed; switch on the concrete type.
type Event interface {
	event()
}

// ConnectionStateChanged carries the new connection state.
type ConnectionStateChanged struct {
	State ConnectionState
}

// SetupComplete is emitted when the transport connects.
type SetupComplete struct{}

// Ready is emitted when the relay reports its upstream link open.
type Ready struct {
	Status    string
	Timestamp time.Time
}

// RecordingStarted is emitted once the microphone is live.
type RecordingStarted struct{}

// RecordingStopped is emitted after the end-of-turn frame was sent.
type RecordingStopped struct{}

// MuteToggled carries the new mute state.
type MuteToggled struct {
	Muted bool
}

// AudioReceived carries one chunk of model audio as raw PCM16.
type AudioReceived struct {
	PCM []byte
}

// TextReceived carries the text parts of a model turn fragment.
type TextReceived struct {
	Text string
}

// Interrupted is emitted after playback was cut off.
type Interrupted struct{}

// TurnComplete is emitted when the model finishes its turn.
type TurnComplete struct{}

// ToolCallReceived carries a batch of function calls.
type ToolCallReceived struct {
	Call protocol.ToolCall
}

// TranscriptionSource tells who was speaking.
type TranscriptionSource string

// Transcription sources.
const (
	SourceAI   TranscriptionSource = "ai"
	SourceUser TranscriptionSource = "user"
)

// TranscriptionReceived carries recognized speech.
type TranscriptionReceived struct {
	Source    TranscriptionSource
	Text      string
	Timestamp time.Time
}

// ErrorOccurred carries a session error.
type ErrorOccurred struct {
	Err error
}

// Closed is emitted when the transport disconnects.
type Closed struct {
	Code   int
	Reason string
}

// CustomEvent carries an application event from the relay.
type CustomEvent struct {
	Name string
	Data json.RawMessage
}

func (ConnectionStateChanged) event() {}
func (SetupComplete) event()          {}
func (Ready) event()                  {}
func (RecordingStarted) event()       {}
func (RecordingStopped) event()       {}
func (MuteToggled) event()            {}
func (AudioReceived) event()          {}
func (TextReceived) event()           {}
func (Interrupted) event()            {}
func (TurnComplete) event()           {}
func (ToolCallReceived) event()       {}
func (TranscriptionReceived) event()  {}
func (ErrorOccurred) event()          {}
func (Closed) event()                 {}
func (CustomEvent) event()            {}

// hub fans events out to observer channels. A full channel drops the event
// so a slow observer never stalls the session.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *hub) emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			logger.Warn("session observer is not keeping up, dropping event", "event", eventName(e))
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func eventName(e Event) string {
	switch e.(type) {
	case ConnectionStateChanged:
		return "connectionStateChange"
	case SetupComplete:
		return "setupComplete"
	case Ready:
		return "ready"
	case RecordingStarted:
		return "recordingStarted"
	case RecordingStopped:
		return "recordingStopped"
	case MuteToggled:
		return "muteToggled"
	case AudioReceived:
		return "audioReceived"
	case TextReceived:
		return "textReceived"
	case Interrupted:
		return "interrupted"
	case TurnComplete:
		return "turnComplete"
	case ToolCallReceived:
		return "toolCall"
	case TranscriptionReceived:
		return "transcription"
	case ErrorOccurred:
		return "error"
	case Closed:
		return "close"
	case CustomEvent:
		return "custom"
	}
	return "unknown"
}
