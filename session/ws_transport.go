package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AltairaLabs/liverelay/internal/streaming"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/protocol"
)

// WebSocket transport defaults.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultPingInterval   = 25 * time.Second

	transportEventBuffer = 64
	inboundBuffer        = 64
)

// WSConfig configures a WSTransport.
type WSConfig struct {
	// Endpoint is the relay WebSocket URL, e.g. ws://localhost:8080/live.
	Endpoint string
	// Token is sent as a bearer header and as the "token" query parameter.
	Token string
	// Headers are added to the handshake.
	Headers http.Header

	ConnectTimeout time.Duration
	// ReconnectAttempts bounds consecutive failed connection attempts.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
}

func (c *WSConfig) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
}

// WSTransport is a Transport over a gorilla/websocket connection carrying
// JSON envelopes.
type WSTransport struct {
	cfg WSConfig
	log streaming.Logger

	events chan TransportEvent

	mu      sync.Mutex
	conn    *streaming.Conn
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWSTransport creates a WSTransport. Nothing is dialed until Connect.
func NewWSTransport(cfg WSConfig) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		cfg:    cfg,
		log:    logger.ComponentLogger{Component: "session.transport"},
		events: make(chan TransportEvent, transportEventBuffer),
		done:   make(chan struct{}),
	}
}

// Events implements Transport.
func (t *WSTransport) Events() <-chan TransportEvent {
	return t.events
}

// Connect implements Transport. Calling it again while running is a no-op.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.cfg.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return streaming.ErrClosed
	}
	if t.started {
		return nil
	}
	t.started = true

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
	return nil
}

func (t *WSTransport) dialURL() string {
	if t.cfg.Token == "" {
		return t.cfg.Endpoint
	}
	u, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return t.cfg.Endpoint
	}
	q := u.Query()
	q.Set("token", t.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *WSTransport) headers() http.Header {
	h := t.cfg.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	if t.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	return h
}

func (t *WSTransport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)

	conn := streaming.NewConn(&streaming.ConnConfig{
		URL:         t.dialURL(),
		Headers:     t.headers(),
		DialTimeout: t.cfg.ConnectTimeout,
		Logger:      t.log,
	})

	failures := 0
	for first := true; ; first = false {
		if !first {
			conn.Reset()
		}
		if err := conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			t.log.Debug("connection attempt failed", "attempt", failures, "error", logger.RedactSensitiveData(err.Error()))
			t.emit(ctx, TransportConnectFailed{Err: err})
			if failures >= t.cfg.ReconnectAttempts || !t.sleep(ctx) {
				return
			}
			continue
		}
		failures = 0

		if !t.attach(conn) {
			_ = conn.Close()
			return
		}
		t.emit(ctx, TransportConnected{})
		conn.StartHeartbeat(ctx, t.cfg.PingInterval)

		err := t.read(ctx, conn)
		t.detach()
		_ = conn.Close()

		code, reason := streaming.CloseCode(err)
		if ctx.Err() != nil {
			t.emitFinal(TransportDisconnected{Reason: "io client disconnect"})
			return
		}
		if reason == "" {
			reason = "transport close"
		}
		t.emit(ctx, TransportDisconnected{Reason: reason})
		if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
			return
		}
		if !t.sleep(ctx) {
			return
		}
	}
}

// read pumps inbound envelopes until the connection ends.
func (t *WSTransport) read(ctx context.Context, conn *streaming.Conn) error {
	msgs := make(chan []byte, inboundBuffer)
	errc := make(chan error, 1)
	go func() { errc <- conn.ReceiveLoop(ctx, msgs) }()

	for {
		select {
		case err := <-errc:
			// Drain what was read before the loop ended.
			for {
				select {
				case data := <-msgs:
					t.deliver(ctx, data)
				default:
					return err
				}
			}
		case data := <-msgs:
			t.deliver(ctx, data)
		}
	}
}

func (t *WSTransport) deliver(ctx context.Context, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.log.Warn("dropping malformed envelope", "error", err)
		return
	}
	t.emit(ctx, TransportReceived{Envelope: env})
}

func (t *WSTransport) emit(ctx context.Context, ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

// emitFinal delivers a last event after cancellation without blocking.
func (t *WSTransport) emitFinal(ev TransportEvent) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *WSTransport) sleep(ctx context.Context) bool {
	timer := time.NewTimer(t.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (t *WSTransport) attach(conn *streaming.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conn = conn
	return true
}

func (t *WSTransport) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = nil
}

// Send implements Transport.
func (t *WSTransport) Send(env protocol.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return streaming.ErrNotConnected
	}
	return conn.Send(env)
}

// Connected implements Transport.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

// Close implements Transport. It closes the connection with a normal closure
// and waits for the background loop to exit.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, cancel, started := t.conn, t.cancel, t.started
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if started {
		<-t.done
	} else {
		close(t.events)
	}
	return err
}
