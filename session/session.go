// Package session implements the client side of a live conversation: a
// connection state machine over a Transport that routes model audio to
// playback, microphone chunks and text turns upstream, and reports everything
// to observers as typed events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/AltairaLabs/liverelay/audio"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/media"
	"github.com/AltairaLabs/liverelay/protocol"
)

// Session defaults.
const (
	DefaultSampleRate        = audio.SampleRate24kHz
	DefaultCaptureSampleRate = audio.SampleRate16kHz
	DefaultReconnectAttempts = 3
)

var (
	// ErrReconnectExhausted is raised once consecutive connection failures reach
	// Config.ReconnectAttempts.
	ErrReconnectExhausted = errors.New("max reconnection attempts reached")
	// ErrNoMediaHandler is returned by video operations before SetMediaHandler.
	ErrNoMediaHandler = errors.New("no media handler set")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// RelayError is an error notice sent by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string { return e.Message }

// Status is a connection status.
type Status string

// Connection statuses.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ConnectionState is the observable connection state.
type ConnectionState struct {
	Status           Status
	Error            string
	ReconnectAttempt int
}

// Config configures a Session.
type Config struct {
	// SampleRate is the rate of model audio. Default 24000.
	SampleRate int
	// CaptureSampleRate is the microphone rate. Default 16000.
	CaptureSampleRate int
	// ReconnectAttempts is how many consecutive connection failures are
	// tolerated before a terminal error. Default 3.
	ReconnectAttempts int
	// Debug logs every inbound envelope.
	Debug bool
}

func (c *Config) defaults() {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.CaptureSampleRate == 0 {
		c.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
}

// Option configures a Session.
type Option func(*Session)

// WithMediaHandler sets the video collaborator.
func WithMediaHandler(h media.Handler) Option {
	return func(s *Session) { s.media = h }
}

// WithRecorderOptions passes extra options to the capture pipeline.
func WithRecorderOptions(opts ...audio.RecorderOption) Option {
	return func(s *Session) { s.recorderOpts = append(s.recorderOpts, opts...) }
}

// WithPlayerOptions passes extra options to the playback pipeline.
func WithPlayerOptions(opts ...audio.PlayerOption) Option {
	return func(s *Session) { s.playerOpts = append(s.playerOpts, opts...) }
}

// Session is one client conversation. Transport events are handled on a
// single goroutine; the public methods may be called from any goroutine.
type Session struct {
	cfg       Config
	transport Transport
	devices   audio.Devices
	hub       *hub

	recorderOpts []audio.RecorderOption
	playerOpts   []audio.PlayerOption

	userMeter *audio.VolumeMeter
	aiMeter   *audio.VolumeMeter

	ctx    context.Context
	cancel context.CancelFunc
	loop   chan struct{}

	mu         sync.Mutex
	state      ConnectionState
	reconnects int
	exhausted  bool
	recorder   *audio.Recorder
	player     *audio.Player
	recording  bool
	muted      bool
	media      media.Handler
	closed     bool
}

// New creates a Session over transport. devices may be nil for text-only
// sessions; audio then fails with audio.ErrDeviceUnavailable.
func New(cfg Config, transport Transport, devices audio.Devices, opts ...Option) *Session {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		transport: transport,
		devices:   devices,
		hub:       newHub(),
		userMeter: audio.NewVolumeMeter(),
		aiMeter:   audio.NewVolumeMeter(),
		ctx:       ctx,
		cancel:    cancel,
		loop:      make(chan struct{}),
		state:     ConnectionState{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Subscribe registers an observer. Events are delivered in order on the
// returned channel; when it is full, events for that observer are dropped.
// The channel is closed by the returned cancel func or by Close.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.hub.subscribe(buffer)
}

// Connect moves to connecting and starts the transport.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.setState(ConnectionState{Status: StatusConnecting})
	if err := s.transport.Connect(ctx); err != nil {
		err = fmt.Errorf("connection failed: %w", err)
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) run() {
	defer close(s.loop)
	events := s.transport.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleTransport(ev)
		}
	}
}

func (s *Session) handleTransport(ev TransportEvent) {
	switch e := ev.(type) {
	case TransportConnected:
		s.mu.Lock()
		s.reconnects = 0
		s.exhausted = false
		s.mu.Unlock()
		s.setState(ConnectionState{Status: StatusConnected})
		s.hub.emit(SetupComplete{})

	case TransportDisconnected:
		s.setState(ConnectionState{Status: StatusDisconnected})
		s.hub.emit(Closed{Code: 1000, Reason: e.Reason})

	case TransportConnectFailed:
		s.handleConnectFailed(e.Err)

	case TransportReceived:
		s.handleEnvelope(e.Envelope)
	}
}

func (s *Session) handleConnectFailed(err error) {
	s.mu.Lock()
	if s.exhausted {
		s.mu.Unlock()
		return
	}
	s.reconnects++
	attempt := s.reconnects
	exhausted := attempt >= s.cfg.ReconnectAttempts
	s.exhausted = exhausted
	s.mu.Unlock()

	s.setState(ConnectionState{Status: StatusError, Error: err.Error(), ReconnectAttempt: attempt})
	if exhausted {
		s.fail(fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
	}
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	if s.cfg.Debug {
		logger.Debug("session inbound", "event", env.Event, "bytes", len(env.Data))
	}

	switch env.Event {
	case protocol.EventMessage:
		s.handleServerMessage(env.Data)

	case protocol.EventReady:
		var notice protocol.ReadyNotice
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &notice); err != nil {
				s.hub.emit(ErrorOccurred{Err: &protocol.ParseError{Source: "ready notice", Err: err}})
				return
			}
		}
		s.hub.emit(Ready{Status: notice.Status, Timestamp: notice.Timestamp})

	case protocol.EventAITranscription, protocol.EventUserTranscription:
		var t protocol.TranscriptionEvent
		if err := json.Unmarshal(env.Data, &t); err != nil {
			s.hub.emit(ErrorOccurred{Err: &protocol.ParseError{Source: env.Event, Err: err}})
			return
		}
		src := SourceAI
		if env.Event == protocol.EventUserTranscription {
			src = SourceUser
		}
		s.hub.emit(TranscriptionReceived{Source: src, Text: t.Text, Timestamp: t.Timestamp})

	case protocol.EventError:
		s.fail(&RelayError{Message: env.ErrorText()})

	default:
		s.hub.emit(CustomEvent{Name: env.Event, Data: env.Data})
	}
}

// handleServerMessage routes one upstream message. An interruption stops
// playback and ends processing of the message.
func (s *Session) handleServerMessage(data json.RawMessage) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		logger.Warn("message parsing failed", "error", err)
		s.hub.emit(ErrorOccurred{Err: err})
		return
	}

	if msg.ToolCall != nil {
		s.hub.emit(ToolCallReceived{Call: *msg.ToolCall})
	}

	content := msg.ServerContent
	if content == nil {
		return
	}

	if content.Interrupted {
		if p := s.currentPlayer(); p != nil {
			p.Stop()
		}
		s.hub.emit(Interrupted{})
		return
	}

	for _, pcm := range content.AudioParts() {
		s.playAudio(pcm)
	}

	if text := content.Text(); text != "" {
		s.hub.emit(TextReceived{Text: text})
	}

	if content.TurnComplete {
		if p := s.currentPlayer(); p != nil {
			p.Complete()
		}
		s.hub.emit(TurnComplete{})
	}
}

func (s *Session) playAudio(pcm []byte) {
	p, err := s.ensurePlayer()
	if err != nil {
		s.hub.emit(ErrorOccurred{Err: err})
		return
	}
	p.Enqueue(pcm)
	if err := p.Resume(s.ctx); err != nil {
		logger.Warn("failed to resume audio output", "error", err)
	}
	s.hub.emit(AudioReceived{PCM: pcm})
}

// ensurePlayer opens the output device on first use.
func (s *Session) ensurePlayer() (*audio.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		return s.player, nil
	}
	if s.devices == nil {
		return nil, fmt.Errorf("audio initialization failed: %w", audio.ErrDeviceUnavailable)
	}
	out, err := s.devices.OpenOutput(s.ctx, s.cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("audio initialization failed: %w", err)
	}
	opts := append([]audio.PlayerOption{
		audio.WithPlaybackSampleRate(s.cfg.SampleRate),
		audio.WithPlaybackMeter(s.aiMeter),
	}, s.playerOpts...)
	s.player = audio.NewPlayer(out, opts...)
	return s.player, nil
}

func (s *Session) currentPlayer() *audio.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

func (s *Session) setState(st ConnectionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.hub.emit(ConnectionStateChanged{State: st})
}

// fail moves to the error state and reports err.
func (s *Session) fail(err error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	st.Status = StatusError
	st.Error = err.Error()
	s.setState(st)
	s.hub.emit(ErrorOccurred{Err: err})
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the transport is connected.
func (s *Session) Connected() bool {
	return s.transport.Connected()
}

// Recording reports whether the microphone is live.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Muted reports whether capture is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// UserVolume returns the microphone level as a percentage.
func (s *Session) UserVolume() int {
	return s.userMeter.Percent()
}

// AIVolume returns the model playback level as a percentage.
func (s *Session) AIVolume() int {
	return s.aiMeter.Percent()
}

// Close stops recording, video and playback, closes the transport and the
// observer channels. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.StopRecording()

	s.mu.Lock()
	s.closed = true
	h, p := s.media, s.player
	s.player = nil
	s.mu.Unlock()

	if h != nil {
		h.StopAll()
	}
	var errs []error
	if p != nil {
		errs = append(errs, p.Close())
	}
	errs = append(errs, s.transport.Close())

	s.cancel()
	<-s.loop
	s.hub.close()
	return errors.Join(errs...)
}
