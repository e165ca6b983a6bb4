package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/liverelay/auth"
	"github.com/AltairaLabs/liverelay/config"
	"github.com/AltairaLabs/liverelay/metrics"
)

const sampleConfig = `
relay:
  api_key: test-key
  system_instruction: Be brief.
  transcription:
    ai: true
  retry:
    max_attempts: 5
    delay: 100ms
  auth:
    jwt_secret: s3cret
  tools:
    - functionDeclarations:
        - name: get_time
          description: Current time
          parameters:
            type: OBJECT
            properties:
              zone:
                type: STRING
            required: [zone]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liverelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildRelayConfig(t *testing.T) {
	f, err := config.Parse([]byte(sampleConfig))
	require.NoError(t, err)

	cfg, err := buildRelayConfig(context.Background(), &f.Relay)
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, config.DefaultModel, cfg.Setup.Model)
	require.NotNil(t, cfg.Setup.SystemInstruction)
	assert.Equal(t, "Be brief.", cfg.Setup.SystemInstruction.Parts[0].Text)
	assert.Len(t, cfg.Setup.Tools, 1)
	assert.True(t, cfg.EnableAITranscription)
	assert.False(t, cfg.EnableUserTranscription)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.Delay)
	assert.IsType(t, &auth.JWTVerifier{}, cfg.Auth)
	assert.Nil(t, cfg.TokenSource)
}

func TestBuildRelayConfig_InvalidTool(t *testing.T) {
	f, err := config.Parse([]byte(`
relay:
  api_key: k
  tools:
    - functionDeclarations: []
`))
	require.NoError(t, err)

	_, err = buildRelayConfig(context.Background(), &f.Relay)
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path, "--env-file", ""})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "configuration is valid")
	assert.Contains(t, out.String(), "1 tool declarations")
}

func TestValidateCommand_MissingFile(t *testing.T) {
	rootCmd.SetArgs([]string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "--env-file", ""})
	assert.Error(t, rootCmd.Execute())
}

func TestNewRedisPublisher(t *testing.T) {
	pub, closeFn := newRedisPublisher(config.RedisConfig{})
	assert.Nil(t, pub)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	pub, closeFn = newRedisPublisher(config.RedisConfig{Addr: mr.Addr(), LatestKey: "latest", TTL: time.Minute})
	require.NotNil(t, pub)
	defer closeFn()

	snap := metrics.Snapshot{ActiveConnections: 2, Timestamp: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, pub.Publish(context.Background(), snap))
	got, err := pub.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ActiveConnections)
}

func TestGetVersionInfo(t *testing.T) {
	assert.Contains(t, GetVersionInfo(), "liverelay version")
}
