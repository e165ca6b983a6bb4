package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AltairaLabs/liverelay/auth"
	"github.com/AltairaLabs/liverelay/internal/streaming"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/metrics"
	"github.com/AltairaLabs/liverelay/protocol"
	"github.com/AltairaLabs/liverelay/telemetry"
)

// Client-facing error messages.
const (
	msgEmpty         = "Empty message received"
	msgInvalidFormat = "Invalid message format"
	msgRateLimited   = "Rate limit exceeded"
	msgSendFailed    = "Failed to send message"
	msgExhausted     = "maximum reconnection attempts reached"
	msgRejected      = "upstream rejected the session"
	msgNotConnected  = "Google WebSocket not connected"
)

// Close reasons sent upstream.
const (
	reasonClientDisconnected = "Client disconnected"
	reasonServerShutdown     = "Server shutdown"
)

const (
	mailboxSize       = 64
	clientInboxSize   = 64
	upstreamInboxSize = 64
)

// linkState is the actor-owned state of the upstream link.
type linkState int

const (
	linkIdle linkState = iota
	linkDialing
	linkRetryPending
	linkOpen
	linkExhausted
	linkRejected
)

type upstreamLink struct {
	conn UpstreamConn
}

// ClientSession is one connected client and its upstream link. All link state
// is owned by the session's goroutine; other goroutines post to its mailbox.
type ClientSession struct {
	id         string
	claims     auth.Claims
	remoteAddr string
	connected  time.Time

	srv     *Server
	client  *streaming.Conn
	limiter *rate.Limiter
	log     logger.ComponentLogger

	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan func()
	done    chan struct{}

	closeOnce sync.Once

	// live publishes the open link to other goroutines; only run stores it.
	live atomic.Pointer[upstreamLink]

	// Owned by run.
	state    linkState
	upstream UpstreamConn
	gen      uint64
	attempts int
	delay    time.Duration
	queue    [][]byte
	retry    func() bool
}

// ID returns the session id.
func (s *ClientSession) ID() string { return s.id }

// Claims returns the authenticated claims, or nil for anonymous sessions.
func (s *ClientSession) Claims() auth.Claims { return s.claims }

// RemoteAddr returns the client's network address.
func (s *ClientSession) RemoteAddr() string { return s.remoteAddr }

// Context is canceled when the session ends.
func (s *ClientSession) Context() context.Context { return s.ctx }

// Emit sends a named event to the client. Safe for concurrent use.
func (s *ClientSession) Emit(event string, data any) error {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	return s.client.Send(env)
}

func (s *ClientSession) emitError(msg string) {
	if err := s.client.Send(protocol.ErrorEnvelope(msg)); err != nil {
		s.log.Debug("failed to deliver error to client", "error", err)
	}
}

// post schedules fn on the session goroutine. It reports false once the
// session has ended.
func (s *ClientSession) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// run is the session actor. It returns when the client goes away or the
// server shuts down.
func (s *ClientSession) run() {
	defer close(s.done)

	frames := make(chan []byte, clientInboxSize)
	readErr := make(chan error, 1)
	go func() { readErr <- s.client.ReceiveLoop(s.ctx, frames) }()

	s.srv.hook(s, "onClientConnect", func() {
		if s.srv.cfg.Hooks.OnClientConnect != nil {
			s.srv.cfg.Hooks.OnClientConnect(s)
		}
	})
	s.startAttempt()

	reason := "server shutdown"
	for {
		select {
		case data := <-frames:
			s.handleClientFrame(data)
		case fn := <-s.mailbox:
			fn()
		case err := <-readErr:
			// Frames read before the error still count.
			for drained := false; !drained; {
				select {
				case data := <-frames:
					s.handleClientFrame(data)
				default:
					drained = true
				}
			}
			if s.ctx.Err() != nil {
				s.disconnect(reason, reasonServerShutdown)
				return
			}
			s.disconnect(disconnectReason(err), reasonClientDisconnected)
			return
		case <-s.ctx.Done():
			s.disconnect(reason, reasonServerShutdown)
			return
		}
	}
}

func disconnectReason(err error) string {
	if err == nil {
		return "server closed connection"
	}
	code, text := streaming.CloseCode(err)
	switch code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return "client namespace disconnect"
	case websocket.CloseNoStatusReceived:
		return "transport close"
	}
	if text != "" {
		return "transport error: " + text
	}
	return "transport error"
}

// disconnect tears the session down. The outbound queue is discarded.
func (s *ClientSession) disconnect(reason, upstreamReason string) {
	s.srv.sessions.Delete(s.id)
	if c := s.srv.collector; c != nil {
		c.ConnectionClosed(time.Since(s.connected))
	}
	s.srv.hook(s, "onDisconnect", func() {
		if s.srv.cfg.Hooks.OnDisconnect != nil {
			s.srv.cfg.Hooks.OnDisconnect(s, reason)
		}
	})

	if s.retry != nil {
		s.retry()
		s.retry = nil
	}
	s.gen++
	s.live.Store(nil)
	if s.upstream != nil {
		if err := s.upstream.CloseWithCode(websocket.CloseNormalClosure, upstreamReason); err != nil {
			s.log.Debug("closing upstream", "error", err)
		}
		s.upstream = nil
	}
	s.queue = nil
	s.state = linkIdle

	code := websocket.CloseNormalClosure
	if upstreamReason == reasonServerShutdown {
		code = websocket.CloseGoingAway
	}
	_ = s.client.CloseWithCode(code, upstreamReason)
	s.closeOnce.Do(s.cancel)
	s.log.Info("client disconnected", "reason", reason)
}

// inFlight reports whether a dial is running or scheduled.
func (s *ClientSession) inFlight() bool {
	return s.state == linkDialing || s.state == linkRetryPending
}

// startAttempt begins the next upstream connection attempt, or reports
// exhaustion when the budget is spent.
func (s *ClientSession) startAttempt() {
	cfg := &s.srv.cfg
	if s.attempts >= cfg.Retry.MaxAttempts {
		s.exhaust()
		return
	}
	s.attempts++
	s.delay = cfg.Retry.DelayFor(s.attempts)
	s.state = linkDialing
	s.gen++
	gen, attempt := s.gen, s.attempts

	go func() {
		ctx, span := telemetry.StartUpstreamAttempt(s.ctx, s.srv.tracer, s.id, attempt)
		conn, err := s.srv.dialer.Dial(ctx)
		if err != nil {
			telemetry.EndUpstreamAttempt(span, metrics.OutcomeFailed, err)
		} else {
			telemetry.EndUpstreamAttempt(span, metrics.OutcomeOpened, nil)
		}
		if !s.post(func() { s.dialed(gen, conn, err) }) && conn != nil {
			_ = conn.CloseWithCode(websocket.CloseNormalClosure, reasonClientDisconnected)
		}
	}()
}

func (s *ClientSession) exhaust() {
	s.state = linkExhausted
	s.queue = nil
	s.log.Error("maximum upstream connection attempts reached", "attempts", s.attempts)
	s.srv.upstreamAttempt(metrics.OutcomeExhausted)
	s.emitError(msgExhausted)
	s.fail(ErrUpstreamExhausted)
}

// fail reports err to OnError and counts it.
func (s *ClientSession) fail(err error) {
	if c := s.srv.collector; c != nil {
		c.Error()
	}
	s.srv.hook(s, "onError", func() {
		if s.srv.cfg.Hooks.OnError != nil {
			s.srv.cfg.Hooks.OnError(s, err)
		}
	})
}

// scheduleRetry starts the next attempt after the current attempt's delay.
func (s *ClientSession) scheduleRetry() {
	s.state = linkRetryPending
	gen := s.gen
	s.log.Debug("scheduling upstream retry", "attempt", s.attempts, "delay", s.delay)
	s.retry = s.srv.afterFunc(s.delay, func() {
		s.post(func() {
			if s.gen != gen || s.state != linkRetryPending {
				return
			}
			s.retry = nil
			s.startAttempt()
		})
	})
}

func (s *ClientSession) dialed(gen uint64, conn UpstreamConn, err error) {
	if gen != s.gen {
		if conn != nil {
			_ = conn.CloseWithCode(websocket.CloseNormalClosure, reasonClientDisconnected)
		}
		return
	}
	if err != nil {
		s.log.Debug("upstream connection attempt failed", "attempt", s.attempts,
			"error", logger.RedactSensitiveData(err.Error()))
		s.srv.upstreamAttempt(metrics.OutcomeFailed)
		s.fail(err)
		s.scheduleRetry()
		return
	}
	s.open(conn)
}

// open sends setup, drains the queue in order and tells the client it is ready.
func (s *ClientSession) open(conn UpstreamConn) {
	s.upstream = conn
	s.state = linkOpen
	s.live.Store(&upstreamLink{conn: conn})
	s.attempts = 0
	s.srv.upstreamAttempt(metrics.OutcomeOpened)
	s.log.Info("connected to upstream")

	go s.readUpstream(s.gen, conn)

	setup, err := json.Marshal(s.srv.cfg.setupMessage())
	if err == nil {
		err = conn.SendRaw(setup)
	}
	if err != nil {
		s.log.Error("setup failed", "error", err)
		s.fail(err)
		return
	}

	for len(s.queue) > 0 {
		if err := conn.SendRaw(s.queue[0]); err != nil {
			s.log.Error("failed to drain queued frame", "error", err)
			s.fail(err)
			return
		}
		s.queue = s.queue[1:]
	}
	s.queue = nil

	if err := s.Emit(protocol.EventReady, protocol.ReadyNotice{
		Status:    protocol.StatusConnected,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.log.Debug("failed to send ready", "error", err)
	}
}

// readUpstream posts upstream frames to the mailbox in arrival order, then
// the close.
func (s *ClientSession) readUpstream(gen uint64, conn UpstreamConn) {
	msgs := make(chan []byte, upstreamInboxSize)
	errc := make(chan error, 1)
	go func() {
		errc <- conn.ReceiveLoop(s.ctx, msgs)
		close(msgs)
	}()

	for data := range msgs {
		if !s.post(func() { s.upstreamMessage(gen, data) }) {
			return
		}
	}
	err := <-errc
	s.post(func() { s.upstreamClosed(gen, err) })
}

func (s *ClientSession) upstreamClosed(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	s.upstream = nil
	s.live.Store(nil)
	code, reason := streaming.CloseCode(err)
	s.log.Info("upstream closed", "code", code, "reason", reason)

	switch {
	case code == websocket.CloseNormalClosure:
		s.state = linkIdle
	case s.srv.cfg.terminal(code):
		s.state = linkRejected
		s.queue = nil
		s.srv.upstreamAttempt(metrics.OutcomeRejected)
		if reason != "" {
			s.emitError(msgRejected + ": " + reason)
		} else {
			s.emitError(msgRejected)
		}
		s.fail(fmt.Errorf("%w: close %d %s", ErrUpstreamRejected, code, reason))
	default:
		s.scheduleRetry()
	}
}

// upstreamMessage handles one upstream frame: events, verbatim forward, tool fan-out.
func (s *ClientSession) upstreamMessage(gen uint64, data []byte) {
	if gen != s.gen {
		return
	}
	cfg := &s.srv.cfg

	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		s.log.Error("message parsing error", "error", err)
		s.srv.hook(s, "onError", func() {
			if cfg.Hooks.OnError != nil {
				cfg.Hooks.OnError(s, err)
			}
		})
		return
	}
	raw := json.RawMessage(data)

	if cfg.Events.MessageReceived != nil {
		s.srv.hook(s, "messageReceived", func() { cfg.Events.MessageReceived(s, raw) })
	}

	if sc := msg.ServerContent; sc != nil {
		if cfg.EnableAITranscription && sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.transcription(protocol.EventAITranscription, sc.OutputTranscription.Text, cfg.Events.AITranscription)
		}
		if cfg.EnableUserTranscription && sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.transcription(protocol.EventUserTranscription, sc.InputTranscription.Text, cfg.Events.UserTranscription)
		}
	}

	if err := s.client.Send(protocol.Envelope{Event: protocol.EventMessage, Data: raw}); err != nil {
		s.log.Debug("failed to forward message", "error", err)
	}

	if msg.ToolCall != nil && cfg.Events.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			s.srv.hook(s, "toolCall", func() { cfg.Events.ToolCall(s, call) })
		}
	}

	if c := s.srv.collector; c != nil {
		c.MessageProcessed()
	}
}

func (s *ClientSession) transcription(event, text string, handler func(*ClientSession, protocol.TranscriptionEvent)) {
	t := protocol.TranscriptionEvent{Text: text, Timestamp: time.Now().UTC()}
	if err := s.Emit(event, t); err != nil {
		s.log.Debug("failed to send transcription", "event", event, "error", err)
	}
	if handler != nil {
		s.srv.hook(s, event, func() { handler(s, t) })
	}
}

// handleClientFrame dispatches one client envelope.
func (s *ClientSession) handleClientFrame(data []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.rejectFrame(msgRateLimited, errors.New("rate limit exceeded"))
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.rejectFrame(msgEmpty, errors.New("empty message"))
		return
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.log.Warn("invalid client frame", "error", err)
		s.rejectFrame(msgInvalidFormat, err)
		return
	}

	if env.Event == protocol.EventMessage {
		s.outbound(env.Data)
		return
	}
	if handler, ok := s.srv.cfg.Events.Custom[env.Event]; ok {
		s.custom(env.Event, env.Data, handler)
		return
	}
	s.log.Debug("ignoring unhandled client event", "event", env.Event)
}

func (s *ClientSession) rejectFrame(msg string, err error) {
	s.emitError(msg)
	s.fail(err)
}

// outbound sends a client frame upstream, or queues it until the link opens.
func (s *ClientSession) outbound(payload json.RawMessage) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		s.rejectFrame(msgEmpty, errors.New("empty message"))
		return
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		s.rejectFrame(msgInvalidFormat, errors.New("message is not a JSON object"))
		return
	}

	switch s.state {
	case linkOpen:
		if err := s.upstream.SendRaw(trimmed); err != nil {
			s.log.Error("failed to send message", "error", err)
			s.emitError(msgSendFailed)
			s.fail(err)
		}
	case linkExhausted, linkRejected:
		s.log.Debug("dropping frame for terminated upstream link")
	default:
		s.queue = append(s.queue, append([]byte(nil), trimmed...))
		if !s.inFlight() {
			s.startAttempt()
		}
	}
}

func (s *ClientSession) custom(name string, data json.RawMessage, handler func(*ClientSession, json.RawMessage) error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%v", r)
			}
		}()
		err = handler(s, data)
	}()
	if err != nil {
		s.log.Error("custom event handler error", "event", name, "error", err)
		s.emitError(fmt.Sprintf("Error handling %s: %v", name, err))
	}
}

// SendToolResponse answers function calls on the session's upstream link. It
// may be called from event handlers. When the link is not open the client is
// notified and ErrUpstreamNotConnected is returned.
func (s *ClientSession) SendToolResponse(responses ...protocol.FunctionResponse) error {
	link := s.live.Load()
	if link == nil {
		s.log.Error("cannot send tool response: upstream not open")
		s.emitError(msgNotConnected)
		return ErrUpstreamNotConnected
	}
	data, err := protocol.Encode(protocol.ToolResponse{Responses: responses})
	if err != nil {
		return err
	}
	if err := link.conn.SendRaw(data); err != nil {
		s.emitError("Failed to send tool response: " + err.Error())
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	s.log.Debug("sent tool response", "count", len(responses))
	return nil
}
