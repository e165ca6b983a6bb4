package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/AltairaLabs/liverelay/internal/streaming"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/telemetry"
)

// UpstreamConn is an open link to the upstream service.
type UpstreamConn interface {
	SendRaw(data []byte) error
	ReceiveLoop(ctx context.Context, msgCh chan<- []byte) error
	CloseWithCode(code int, reason string) error
}

// Dialer opens upstream links.
type Dialer interface {
	Dial(ctx context.Context) (UpstreamConn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (UpstreamConn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (UpstreamConn, error) { return f(ctx) }

// wsDialer dials the configured upstream URL with gorilla/websocket.
type wsDialer struct {
	cfg *Config
	url string
	log streaming.Logger
}

func newWSDialer(cfg *Config) *wsDialer {
	return &wsDialer{
		cfg: cfg,
		url: upstreamURL(cfg.UpstreamURL, cfg.APIKey),
		log: logger.ComponentLogger{Component: "relay.upstream"},
	}
}

// upstreamURL substitutes the API key placeholder.
func upstreamURL(template, key string) string {
	return strings.ReplaceAll(template, APIKeyPlaceholder, url.QueryEscape(key))
}

func (d *wsDialer) headers(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if d.cfg.APIKey != "" && !strings.Contains(d.cfg.UpstreamURL, APIKeyPlaceholder) {
		h.Set(APIKeyHeader, d.cfg.APIKey)
	}
	if d.cfg.TokenSource != nil {
		tok, err := d.cfg.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		tok.SetAuthHeader(&http.Request{Header: h})
	}
	telemetry.InjectHeaders(ctx, h)
	return h, nil
}

// Dial implements Dialer.
func (d *wsDialer) Dial(ctx context.Context) (UpstreamConn, error) {
	conn := streaming.NewConn(&streaming.ConnConfig{
		URL:        d.url,
		HeaderFunc: d.headers,
		PongWait:   d.cfg.PongWait,
		Logger:     d.log,
	})
	d.log.Debug("dialing upstream", "url", logger.RedactSensitiveData(d.url))
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	conn.StartHeartbeat(ctx, d.cfg.PingInterval)
	return conn, nil
}
