package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/AltairaLabs/liverelay/auth"
	"github.com/AltairaLabs/liverelay/internal/streaming"
	"github.com/AltairaLabs/liverelay/protocol"
	"github.com/AltairaLabs/liverelay/tools"
)

// Reference defaults.
const (
	DefaultUpstreamURL     = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent?key={api_key}"
	DefaultModel           = "models/gemini-2.0-flash-exp"
	DefaultPath            = "/live"
	DefaultMaxAttempts     = 3
	DefaultRetryDelay      = 2 * time.Second
	DefaultBackoffFactor   = 2.0
	DefaultMetricsInterval = 5 * time.Second
	DefaultPingInterval    = 25 * time.Second
	DefaultPongWait        = 60 * time.Second

	// APIKeyPlaceholder is replaced by the API key in UpstreamURL.
	APIKeyPlaceholder = "{api_key}"
	// APIKeyHeader carries the key when UpstreamURL has no placeholder.
	APIKeyHeader = "x-goog-api-key"

	defaultSystemInstruction = "You are a helpful assistant."
)

var (
	// ErrConfigInvalid is matched by every configuration error returned from New.
	ErrConfigInvalid = errors.New("invalid relay configuration")
	// ErrUpstreamExhausted is reported to OnError when a session spends its retry budget.
	ErrUpstreamExhausted = errors.New("maximum reconnection attempts reached")
	// ErrUpstreamRejected is reported to OnError when the upstream closes with a terminal code.
	ErrUpstreamRejected = errors.New("upstream rejected the session")
	// ErrUpstreamNotConnected is returned by SendToolResponse when the link is down.
	ErrUpstreamNotConnected = errors.New("upstream WebSocket not connected")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultTerminalCloseCodes are upstream close codes that mean the setup was
// refused (1007 invalid payload, 1008 policy violation). They are not retried.
var DefaultTerminalCloseCodes = []int{1007, 1008}

// Retry is the upstream reconnection schedule. Attempt n waits
// Delay * BackoffFactor^(n-1) after its failure before attempt n+1 starts.
type Retry struct {
	MaxAttempts   int
	Delay         time.Duration
	BackoffFactor float64
}

// DelayFor returns the delay attached to the given 1-based attempt.
func (r Retry) DelayFor(attempt int) time.Duration {
	return streaming.Backoff(r.Delay, r.BackoffFactor, attempt, 0)
}

// CORS lists the browser origins allowed to open sessions. "*" allows any.
type CORS struct {
	AllowedOrigins []string
	AllowedMethods []string
}

// Events are per-message handlers. They run on the session's own goroutine.
type Events struct {
	MessageReceived   func(s *ClientSession, raw json.RawMessage)
	AITranscription   func(s *ClientSession, t protocol.TranscriptionEvent)
	UserTranscription func(s *ClientSession, t protocol.TranscriptionEvent)
	ToolCall          func(s *ClientSession, call protocol.FunctionCall)
	// Custom handles client events by name. A returned error is reported to
	// the client as "Error handling <name>: <err>".
	Custom map[string]func(s *ClientSession, data json.RawMessage) error
}

// Hooks observe session lifecycle. A panicking hook is logged and ignored.
type Hooks struct {
	OnClientConnect func(s *ClientSession)
	OnDisconnect    func(s *ClientSession, reason string)
	OnError         func(s *ClientSession, err error)
}

// RateLimit bounds inbound client frames per session. Zero disables it.
type RateLimit struct {
	FramesPerSecond float64
	Burst           int
}

// Config configures a Server.
type Config struct {
	// UpstreamURL is the upstream WebSocket endpoint. APIKeyPlaceholder is
	// substituted; without it the key is sent in the APIKeyHeader header.
	UpstreamURL string
	APIKey      string
	// TokenSource, when set, adds an OAuth2 bearer token to every upstream dial.
	TokenSource oauth2.TokenSource

	// Setup is sent as the first frame of every upstream link. Tools are
	// validated by New.
	Setup protocol.Setup

	EnableAITranscription   bool
	EnableUserTranscription bool

	Retry  Retry
	CORS   CORS
	Events Events
	Hooks  Hooks

	EnableMetrics   bool
	MetricsInterval time.Duration

	Debug bool
	// Path is where the WebSocket endpoint is mounted.
	Path string

	// Auth authenticates the upgrade request. Nil allows anonymous clients.
	Auth      auth.Authenticator
	RateLimit RateLimit

	// TerminalCloseCodes end the session instead of triggering a retry.
	TerminalCloseCodes []int

	PingInterval time.Duration
	PongWait     time.Duration

	TracerProvider trace.TracerProvider
}

func (c *Config) applyDefaults() {
	if c.UpstreamURL == "" {
		c.UpstreamURL = DefaultUpstreamURL
	}
	if c.Setup.Model == "" {
		c.Setup.Model = DefaultModel
	}
	if c.Setup.SystemInstruction == nil {
		c.Setup.SystemInstruction = &protocol.Content{
			Role:  protocol.RoleUser,
			Parts: []protocol.Part{{Text: defaultSystemInstruction}},
		}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = DefaultRetryDelay
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = DefaultBackoffFactor
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.TerminalCloseCodes == nil {
		c.TerminalCloseCodes = DefaultTerminalCloseCodes
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait == 0 {
		c.PongWait = DefaultPongWait
	}
}

// validate fails fast on anything that would make every session fail.
func (c *Config) validate() error {
	if c.APIKey == "" && c.TokenSource == nil {
		return invalid("an API key or token source is required")
	}
	if c.APIKey == "" && strings.Contains(c.UpstreamURL, APIKeyPlaceholder) {
		return invalid("upstream URL expects an API key")
	}
	if c.Setup.Model == "" {
		return invalid("model is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry max attempts must be at least 1")
	}
	if c.Retry.Delay < 0 || c.Retry.BackoffFactor < 1 {
		return invalid("retry delay must be positive and backoff factor at least 1")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return invalid("path must start with /")
	}
	if c.RateLimit.FramesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return invalid("rate limit must not be negative")
	}

	decls, err := tools.Validate(c.Setup.Tools)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	c.Setup.Tools = decls
	return nil
}

func invalid(detail string) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, detail)
}

func (c *Config) terminal(code int) bool {
	for _, t := range c.TerminalCloseCodes {
		if t == code {
			return true
		}
	}
	return false
}

// setupMessage is the first frame sent on a fresh upstream link.
func (c *Config) setupMessage() protocol.ClientMessage {
	setup := c.Setup
	if c.EnableAITranscription {
		setup.OutputAudioTranscription = &struct{}{}
	}
	if c.EnableUserTranscription {
		setup.InputAudioTranscription = &struct{}{}
	}
	return protocol.ClientMessage{Setup: &setup}
}
