package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/liverelay/tools"
)

const sample = `
relay:
  api_key: ${LIVERELAY_TEST_KEY}
  model: models/custom
  system_instruction: Be brief.
  generation_config:
    response_modalities: [AUDIO]
  transcription:
    ai: true
  retry:
    max_attempts: 5
    delay: 500ms
  rate_limit:
    frames_per_second: 50
    burst: 100
  metrics:
    enabled: true
    redis:
      addr: localhost:6379
  tools:
    - googleSearch: {}
    - functionDeclarations:
        - name: get_weather
          description: Weather lookup
          parameters:
            type: OBJECT
            properties:
              city: {type: STRING}
            required: [city]
client:
  endpoint: ws://localhost:8080/live
logging:
  level: debug
  format: json
telemetry:
  endpoint: http://localhost:4318/v1/traces
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liverelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("LIVERELAY_TEST_KEY", "AIza-test")

	f, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	r := f.Relay
	assert.Equal(t, "AIza-test", r.APIKey)
	assert.Equal(t, "models/custom", r.Model)
	assert.Equal(t, "Be brief.", r.SystemInstruction)
	assert.Equal(t, []any{"AUDIO"}, r.GenerationConfig["response_modalities"])
	assert.True(t, r.Transcription.AI)
	assert.False(t, r.Transcription.User)
	assert.Equal(t, 5, r.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, r.Retry.Delay)
	assert.Equal(t, DefaultBackoffFactor, r.Retry.BackoffFactor)
	assert.Equal(t, 50.0, r.RateLimit.FramesPerSecond)
	assert.True(t, r.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsInterval, r.Metrics.Interval)
	assert.Equal(t, "localhost:6379", r.Metrics.Redis.Addr)
	assert.Equal(t, DefaultPath, r.Path)
	assert.Equal(t, []string{"*"}, r.CORS.AllowedOrigins)

	assert.Equal(t, "ws://localhost:8080/live", f.Client.Endpoint)
	assert.Equal(t, DefaultSampleRate, f.Client.SampleRate)
	assert.Equal(t, "json", f.Logging.Format)
	assert.Equal(t, DefaultServiceName, f.Telemetry.ServiceName)

	require.NoError(t, r.Validate())
	decls, err := r.ToolDeclarations()
	require.NoError(t, err)
	assert.Len(t, decls, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("relay: [unclosed"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	f := Default()
	assert.Equal(t, DefaultAddr, f.Relay.Addr)
	assert.Equal(t, DefaultUpstreamURL, f.Relay.UpstreamURL)
	assert.Equal(t, DefaultMaxAttempts, f.Relay.Retry.MaxAttempts)
	assert.Equal(t, DefaultRetryDelay, f.Relay.Retry.Delay)
	assert.Equal(t, DefaultPingInterval, f.Relay.PingInterval)
	assert.Equal(t, DefaultPongWait, f.Relay.PongWait)
	assert.Equal(t, DefaultReconnectDelay, f.Client.ReconnectDelay)
}

func TestRelayConfig_Validate(t *testing.T) {
	valid := func() RelayConfig {
		f := Default()
		f.Relay.APIKey = "k"
		return f.Relay
	}

	tests := []struct {
		name   string
		mutate func(*RelayConfig)
		field  string
	}{
		{"missing key", func(r *RelayConfig) { r.APIKey = "" }, "relay.api_key"},
		{"missing model", func(r *RelayConfig) { r.Model = "" }, "relay.model"},
		{"zero attempts", func(r *RelayConfig) { r.Retry.MaxAttempts = 0 }, "relay.retry.max_attempts"},
		{"shrinking backoff", func(r *RelayConfig) { r.Retry.BackoffFactor = 0.5 }, "relay.retry.backoff_factor"},
		{"negative burst", func(r *RelayConfig) { r.RateLimit.Burst = -1 }, "relay.rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.field, cerr.Field)
		})
	}

	r := valid()
	r.APIKey = ""
	r.UseADC = true
	assert.NoError(t, r.Validate())
}

func TestRelayConfig_InvalidTool(t *testing.T) {
	f := Default()
	f.Relay.APIKey = "k"
	f.Relay.Tools = []any{map[string]any{"functionDeclarations": []any{
		map[string]any{"name": "x", "description": "d", "parameters": map[string]any{"type": "STRING"}},
	}}}

	err := f.Relay.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tools.ErrInvalidDeclaration))
}
