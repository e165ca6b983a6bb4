// Package config loads the liverelay YAML configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/tools"
)

// Defaults applied by Load.
const (
	DefaultUpstreamURL       = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent?key={api_key}"
	DefaultModel             = "models/gemini-2.0-flash-exp"
	DefaultPath              = "/live"
	DefaultAddr              = ":8080"
	DefaultMaxAttempts       = 3
	DefaultRetryDelay        = 2 * time.Second
	DefaultBackoffFactor     = 2.0
	DefaultMetricsInterval   = 5 * time.Second
	DefaultPingInterval      = 25 * time.Second
	DefaultPongWait          = 60 * time.Second
	DefaultSampleRate        = 24000
	DefaultCaptureSampleRate = 16000
	DefaultReconnectDelay    = 2 * time.Second
	DefaultServiceName       = "liverelay"
)

// ErrInvalid is matched by every *Error.
var ErrInvalid = errors.New("invalid configuration")

// Error reports a missing or malformed configuration field.
type Error struct {
	Field  string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Detail)
}

// Is reports whether target is ErrInvalid.
func (e *Error) Is(target error) bool { return target == ErrInvalid }

// File is the top-level configuration document.
type File struct {
	Relay     RelayConfig     `yaml:"relay"`
	Client    ClientConfig    `yaml:"client"`
	Logging   logger.Spec     `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Addr              string         `yaml:"addr"`
	Path              string         `yaml:"path"`
	APIKey            string         `yaml:"api_key"`
	UseADC            bool           `yaml:"use_adc"`
	UpstreamURL       string         `yaml:"upstream_url"`
	Model             string         `yaml:"model"`
	SystemInstruction string         `yaml:"system_instruction"`
	GenerationConfig  map[string]any `yaml:"generation_config"`
	Tools             []any          `yaml:"tools"`
	Transcription     struct {
		AI   bool `yaml:"ai"`
		User bool `yaml:"user"`
	} `yaml:"transcription"`
	Retry              RetryConfig     `yaml:"retry"`
	CORS               CORSConfig      `yaml:"cors"`
	Metrics            MetricsConfig   `yaml:"metrics"`
	Auth               AuthConfig      `yaml:"auth"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
	TerminalCloseCodes []int           `yaml:"terminal_close_codes"`
	PingInterval       time.Duration   `yaml:"ping_interval"`
	PongWait           time.Duration   `yaml:"pong_wait"`
	Debug              bool            `yaml:"debug"`
}

// RetryConfig is the upstream reconnection schedule.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Delay         time.Duration `yaml:"delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// CORSConfig lists allowed browser origins for the WebSocket upgrade.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
}

// MetricsConfig enables relay counters and optional Redis publishing.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the metrics snapshot publisher. Empty Addr disables it.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	LatestKey string        `yaml:"latest_key"`
	TTL       time.Duration `yaml:"ttl"`
}

// AuthConfig enables JWT client authentication when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Leeway    time.Duration `yaml:"leeway"`
}

// RateLimitConfig bounds inbound client frames per session. Zero disables it.
type RateLimitConfig struct {
	FramesPerSecond float64 `yaml:"frames_per_second"`
	Burst           int     `yaml:"burst"`
}

// ClientConfig configures liveclient.
type ClientConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Token             string        `yaml:"token"`
	SampleRate        int           `yaml:"sample_rate"`
	CaptureSampleRate int           `yaml:"capture_sample_rate"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Load reads path, expands ${VAR} references from the environment, decodes
// the YAML and applies defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document held in memory.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	f.ApplyDefaults()
	return &f, nil
}

// Default returns a File with only defaults set.
func Default() *File {
	f := &File{}
	f.ApplyDefaults()
	return f
}

// ApplyDefaults fills zero values with their defaults.
func (f *File) ApplyDefaults() {
	r := &f.Relay
	setDefault(&r.Addr, DefaultAddr)
	setDefault(&r.Path, DefaultPath)
	setDefault(&r.UpstreamURL, DefaultUpstreamURL)
	setDefault(&r.Model, DefaultModel)
	setDefault(&r.Retry.MaxAttempts, DefaultMaxAttempts)
	setDefault(&r.Retry.Delay, DefaultRetryDelay)
	setDefault(&r.Retry.BackoffFactor, DefaultBackoffFactor)
	setDefault(&r.Metrics.Interval, DefaultMetricsInterval)
	setDefault(&r.PingInterval, DefaultPingInterval)
	setDefault(&r.PongWait, DefaultPongWait)
	if len(r.CORS.AllowedOrigins) == 0 {
		r.CORS.AllowedOrigins = []string{"*"}
	}
	if len(r.CORS.AllowedMethods) == 0 {
		r.CORS.AllowedMethods = []string{"GET", "POST"}
	}

	c := &f.Client
	setDefault(&c.SampleRate, DefaultSampleRate)
	setDefault(&c.CaptureSampleRate, DefaultCaptureSampleRate)
	setDefault(&c.ReconnectAttempts, DefaultMaxAttempts)
	setDefault(&c.ReconnectDelay, DefaultReconnectDelay)

	setDefault(&f.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks the relay section for fields the server cannot start without.
func (r *RelayConfig) Validate() error {
	if r.APIKey == "" && !r.UseADC {
		return &Error{Field: "relay.api_key", Detail: "required unless use_adc is set"}
	}
	if r.Model == "" {
		return &Error{Field: "relay.model", Detail: "required"}
	}
	if r.Retry.MaxAttempts < 1 {
		return &Error{Field: "relay.retry.max_attempts", Detail: "must be at least 1"}
	}
	if r.Retry.BackoffFactor < 1 {
		return &Error{Field: "relay.retry.backoff_factor", Detail: "must be at least 1"}
	}
	if r.RateLimit.FramesPerSecond < 0 || r.RateLimit.Burst < 0 {
		return &Error{Field: "relay.rate_limit", Detail: "must not be negative"}
	}
	if _, err := r.ToolDeclarations(); err != nil {
		return err
	}
	return nil
}

// ToolDeclarations converts and validates the YAML tool list.
func (r *RelayConfig) ToolDeclarations() ([]json.RawMessage, error) {
	if len(r.Tools) == 0 {
		return nil, nil
	}
	raw, err := tools.FromYAML(r.Tools)
	if err != nil {
		return nil, err
	}
	return tools.Validate(raw)
}
