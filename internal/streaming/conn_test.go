package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// echoServer returns a test server that echoes WebSocket messages back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *testLogger) Debug(msg string, _ ...any) { l.record(msg) }
func (l *testLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record(msg) }

func TestConn_ConnectAndSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	require.NoError(t, c.Send(map[string]string{"hello": "world"}))

	data, err := c.Receive(ctx)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "world", got["hello"])
}

func TestConn_HeaderFunc(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization") + "|" + r.Header.Get("X-Goog-Api-Key")
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	c := NewConn(&ConnConfig{
		URL:     wsURL(srv),
		Headers: http.Header{"X-Goog-Api-Key": []string{"k"}},
		HeaderFunc: func(context.Context) (http.Header, error) {
			return http.Header{"Authorization": []string{"Bearer tok"}}, nil
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.Equal(t, "Bearer tok|k", <-gotAuth)
}

func TestConn_HeaderFuncError(t *testing.T) {
	c := NewConn(&ConnConfig{
		URL: "ws://localhost:1",
		HeaderFunc: func(context.Context) (http.Header, error) {
			return nil, errors.New("no credentials")
		},
	})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestConn_DialErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	err := c.Connect(context.Background())
	require.Error(t, err)

	var de *DialError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusForbidden, de.StatusCode)
}

func TestConn_CloseIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.False(t, c.IsConnected())
}

func TestConn_SendOnClosed(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.SendRaw([]byte("x")), ErrNotConnected)
	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConn_ConnectWhenClosed(t *testing.T) {
	c := NewConn(&ConnConfig{URL: "ws://localhost:1"})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestConn_CloseWithCodeReachesPeer(t *testing.T) {
	codes := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		code, _ := CloseCode(err)
		codes <- code
	}))
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.CloseWithCode(websocket.CloseNormalClosure, "Client disconnected"))

	select {
	case code := <-codes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw the close frame")
	}
}

func TestConn_ReceiveLoopReportsPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		msg := websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, "bad setup")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	msgCh := make(chan []byte, 4)
	err := c.ReceiveLoop(context.Background(), msgCh)
	require.Error(t, err)

	code, reason := CloseCode(err)
	assert.Equal(t, websocket.CloseInvalidFramePayloadData, code)
	assert.Equal(t, "bad setup", reason)
	assert.Len(t, msgCh, 1)
}

func TestAccept_ServerSide(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := Accept(ws, &ConnConfig{PongWait: time.Second})
		defer c.Close()
		data, err := c.Receive(context.Background())
		if err != nil {
			return
		}
		received <- string(data)
		_ = c.SendRaw([]byte("ack"))
	}))
	defer srv.Close()

	client := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	require.NoError(t, client.SendRaw([]byte("hi")))
	assert.Equal(t, "hi", <-received)

	data, err := client.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ack", string(data))
}

func TestConn_Heartbeat(t *testing.T) {
	pinged := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	c.StartHeartbeat(ctx, 50*time.Millisecond)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping")
	}
}

func TestConn_Reset(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, c.Connect(context.Background()))

	c.Reset()
	assert.False(t, c.IsClosed())
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	require.NoError(t, c.Send(map[string]string{"after": "reset"}))
	data, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(data), "reset")
}

func TestConn_ResetAfterClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx := context.Background()
	c := NewConn(&ConnConfig{URL: wsURL(srv)})
	require.NoError(t, c.Connect(ctx))
	c.StartHeartbeat(ctx, 10*time.Millisecond)
	loopDone := make(chan error, 1)
	go func() { loopDone <- c.ReceiveLoop(ctx, make(chan []byte, 1)) }()

	require.NoError(t, c.Close())
	select {
	case err := <-loopDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop on close")
	}
	assert.ErrorIs(t, c.Connect(ctx), ErrClosed)

	c.Reset()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.True(t, c.IsConnected())

	require.NoError(t, c.SendRaw([]byte(`"again"`)))
	data, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"again"`, string(data))
}

func TestConn_WithLogger(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	log := &testLogger{}
	c := NewConn(&ConnConfig{URL: wsURL(srv), Logger: log})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.NotEmpty(t, log.messages)
}

func TestConnConfig_Defaults(t *testing.T) {
	cfg := &ConnConfig{}
	cfg.defaults()

	assert.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, DefaultWriteWait, cfg.WriteWait)
	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, DefaultCloseGracePeriod, cfg.CloseGracePeriod)
	assert.NotNil(t, cfg.Logger)
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 2, 1, 0))
	assert.Equal(t, 4*time.Second, Backoff(base, 2, 2, 0))
	assert.Equal(t, 8*time.Second, Backoff(base, 2, 3, 0))
	assert.Equal(t, 5*time.Second, Backoff(base, 2, 3, 5*time.Second))
	assert.Equal(t, base, Backoff(base, 2, 0, 0))
}

func TestCloseCode(t *testing.T) {
	code, _ := CloseCode(nil)
	assert.Equal(t, websocket.CloseNormalClosure, code)

	code, reason := CloseCode(&websocket.CloseError{Code: 1008, Text: "policy"})
	assert.Equal(t, 1008, code)
	assert.Equal(t, "policy", reason)

	code, _ = CloseCode(errors.New("reset by peer"))
	assert.Equal(t, CloseAbnormal, code)
}
