// Package streaming wraps gorilla/websocket connections for the relay and its clients.
//
// The package owns transport-level concerns (dial, accept, send, receive, heartbeat,
// close codes, backoff) and leaves message encoding to the caller.
package streaming

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default connection constants.
const (
	DefaultDialTimeout        = 10 * time.Second
	DefaultWriteWait          = 10 * time.Second
	DefaultMaxMessageSize     = 16 * 1024 * 1024 // 16MB
	DefaultCloseGracePeriod   = 5 * time.Second
)

// CloseAbnormal is reported by CloseCode when the peer vanished without a close frame.
const CloseAbnormal = websocket.CloseAbnormalClosure

var (
	// ErrNotConnected is returned by I/O on a connection that is not open.
	ErrNotConnected = errors.New("websocket is not connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("connection is closed")
)

// ConnConfig configures the WebSocket connection behavior.
type ConnConfig struct {
	// URL is the WebSocket endpoint URL. Unused for accepted connections.
	URL string

	// Headers are sent during the WebSocket handshake.
	Headers http.Header

	// HeaderFunc, when set, is called before every dial and its headers are merged
	// over Headers. Used for short-lived credentials.
	HeaderFunc func(ctx context.Context) (http.Header, error)

	// DialTimeout is the handshake timeout. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// WriteWait is the write deadline for each message. Defaults to DefaultWriteWait.
	WriteWait time.Duration

	// MaxMessageSize is the read limit. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// CloseGracePeriod is the deadline for writing the close frame.
	// Defaults to DefaultCloseGracePeriod.
	CloseGracePeriod time.Duration

	// PongWait, when set, arms a read deadline that every pong extends.
	PongWait time.Duration

	// Logger receives debug/warn/error log messages. Optional.
	Logger Logger
}

// Logger is an optional interface for structured logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(_ string, _ ...any) {}
func (noopLogger) Info(_ string, _ ...any)  {}
func (noopLogger) Warn(_ string, _ ...any)  {}
func (noopLogger) Error(_ string, _ ...any) {}

func (c *ConnConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CloseGracePeriod == 0 {
		c.CloseGracePeriod = DefaultCloseGracePeriod
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// Conn manages one WebSocket connection, dialed or accepted.
// Writes are serialized; reads must come from a single goroutine.
type Conn struct {
	cfg ConnConfig

	conn    *websocket.Conn
	mu      sync.Mutex
	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
	closed  bool
	closeCh chan struct{}
}

// NewConn creates a new Conn. Call Connect to establish the connection.
func NewConn(cfg *ConnConfig) *Conn {
	cfg.defaults()
	return &Conn{
		cfg:     *cfg,
		closeCh: make(chan struct{}),
	}
}

// Accept wraps a server-side connection produced by an upgrader.
func Accept(ws *websocket.Conn, cfg *ConnConfig) *Conn {
	c := NewConn(cfg)
	c.attach(ws)
	return c
}

func (c *Conn) attach(ws *websocket.Conn) {
	ws.SetReadLimit(c.cfg.MaxMessageSize)
	if c.cfg.PongWait > 0 {
		wait := c.cfg.PongWait
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	c.conn = ws
}

// Connect establishes a WebSocket connection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	headers := c.cfg.Headers.Clone()
	if c.cfg.HeaderFunc != nil {
		extra, err := c.cfg.HeaderFunc(ctx)
		if err != nil {
			return fmt.Errorf("failed to build handshake headers: %w", err)
		}
		if headers == nil {
			headers = http.Header{}
		}
		for k, vs := range extra {
			headers[k] = vs
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
			c.cfg.Logger.Error("WebSocket dial failed", "error", err, "status", resp.StatusCode)
			return &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return &DialError{Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.attach(conn)
	c.cfg.Logger.Debug("WebSocket connected")

	return nil
}

// Send JSON-encodes msg and writes it to the WebSocket.
func (c *Conn) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw writes pre-encoded data as a text message.
func (c *Conn) SendRaw(data []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (c *Conn) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Receive reads a single message from the WebSocket. The call blocks until a message
// arrives or the context is canceled.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}

	type readResult struct {
		msgType int
		data    []byte
		err     error
	}
	ch := make(chan readResult, 1)

	go func() {
		msgType, data, err := conn.ReadMessage()
		ch <- readResult{msgType: msgType, data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.msgType != websocket.TextMessage && r.msgType != websocket.BinaryMessage {
			return nil, fmt.Errorf("unexpected message type: %d", r.msgType)
		}
		return r.data, nil
	}
}

// ReceiveLoop continuously reads messages and sends them to msgCh.
// It returns the terminating read error (a *websocket.CloseError when the peer closed),
// nil after Close, or the context error.
func (c *Conn) ReceiveLoop(ctx context.Context, msgCh chan<- []byte) error {
	closing := c.closing()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closing:
			return nil
		default:
		}

		data, err := c.Receive(ctx)
		if err != nil {
			if c.IsClosed() {
				return nil
			}
			return err
		}

		select {
		case msgCh <- data:
		case <-ctx.Done():
			return ctx.Err()
		case <-closing:
			return nil
		}
	}
}

// StartHeartbeat starts a goroutine that sends WebSocket ping frames at the given interval.
func (c *Conn) StartHeartbeat(ctx context.Context, interval time.Duration) {
	go c.heartbeatLoop(ctx, interval)
}

func (c *Conn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	closing := c.closing()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closing:
			return
		case <-ticker.C:
			if !c.sendPing() {
				return
			}
		}
	}
}

func (c *Conn) sendPing() bool {
	conn, err := c.current()
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteWait)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.cfg.Logger.Warn("ping failed", "error", err)
		return false
	}

	return true
}

// Close sends a normal-closure frame and closes the connection.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame carrying code and reason, then closes the connection.
// Subsequent calls are no-ops.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.closeCh)

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(c.cfg.CloseGracePeriod))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// closing returns the channel closed by the next Close. Loops capture it once so
// a later Reset does not hand them a fresh channel.
func (c *Conn) closing() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCh
}

// IsClosed returns whether the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IsConnected returns true if the connection has been established and has not been closed.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Reset drops the current connection so the Conn can dial again. Loops started
// for the previous connection end on their own.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.Close()
		c.writeMu.Unlock()
		c.conn = nil
	}

	c.closed = false
	c.closeCh = make(chan struct{})
}

// DialError describes a failed handshake. StatusCode is zero when no HTTP response arrived.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to connect (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("failed to connect: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// CloseCode extracts the close code carried by a read error. Errors that are not
// close frames report CloseAbnormal; a nil error reports a normal closure.
func CloseCode(err error) (code int, reason string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CloseAbnormal, err.Error()
}

// Backoff returns base * factor^(attempt-1), capped at maxDelay when maxDelay > 0.
func Backoff(base time.Duration, factor float64, attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}
