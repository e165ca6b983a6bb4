package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2/google"

	"github.com/AltairaLabs/liverelay/auth"
	"github.com/AltairaLabs/liverelay/config"
	"github.com/AltairaLabs/liverelay/metrics"
	"github.com/AltairaLabs/liverelay/protocol"
	"github.com/AltairaLabs/liverelay/relay"
)

// adcScope is requested when the relay authenticates with Application Default Credentials.
const adcScope = "https://www.googleapis.com/auth/cloud-platform"

// Keys overridable by flags and LIVERELAY_* variables.
const (
	keyAddr        = "addr"
	keyAPIKey      = "api_key"
	keyDebug       = "debug"
	keyUpstreamURL = "upstream_url"
	keyModel       = "model"
)

// loadConfiguration reads the config file, when present, and applies
// flag/environment overrides.
func loadConfiguration(cmd *cobra.Command) (*config.File, error) {
	loadEnvFile(cmd)

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	var f *config.File
	if _, statErr := os.Stat(path); statErr == nil {
		if f, err = config.Load(path); err != nil {
			return nil, err
		}
	} else if cmd.Flags().Changed("config") {
		return nil, fmt.Errorf("config file not found: %s", path)
	} else {
		f = config.Default()
	}

	applyOverrides(&f.Relay)
	return f, nil
}

func applyOverrides(r *config.RelayConfig) {
	if v := viper.GetString(keyAddr); viper.IsSet(keyAddr) && v != "" {
		r.Addr = v
	}
	if v := viper.GetString(keyAPIKey); v != "" {
		r.APIKey = v
	}
	if v := viper.GetString(keyUpstreamURL); v != "" {
		r.UpstreamURL = v
	}
	if v := viper.GetString(keyModel); v != "" {
		r.Model = v
	}
	if viper.GetBool(keyDebug) {
		r.Debug = true
	}
}

// buildRelayConfig maps the file's relay section onto relay.Config.
func buildRelayConfig(ctx context.Context, r *config.RelayConfig) (relay.Config, error) {
	decls, err := r.ToolDeclarations()
	if err != nil {
		return relay.Config{}, err
	}

	cfg := relay.Config{
		UpstreamURL: r.UpstreamURL,
		APIKey:      r.APIKey,
		Setup: protocol.Setup{
			Model:            r.Model,
			GenerationConfig: r.GenerationConfig,
			Tools:            decls,
		},
		EnableAITranscription:   r.Transcription.AI,
		EnableUserTranscription: r.Transcription.User,
		Retry: relay.Retry{
			MaxAttempts:   r.Retry.MaxAttempts,
			Delay:         r.Retry.Delay,
			BackoffFactor: r.Retry.BackoffFactor,
		},
		CORS: relay.CORS{
			AllowedOrigins: r.CORS.AllowedOrigins,
			AllowedMethods: r.CORS.AllowedMethods,
		},
		EnableMetrics:   r.Metrics.Enabled,
		MetricsInterval: r.Metrics.Interval,
		Debug:           r.Debug,
		Path:            r.Path,
		RateLimit: relay.RateLimit{
			FramesPerSecond: r.RateLimit.FramesPerSecond,
			Burst:           r.RateLimit.Burst,
		},
		TerminalCloseCodes: r.TerminalCloseCodes,
		PingInterval:       r.PingInterval,
		PongWait:           r.PongWait,
	}
	if r.SystemInstruction != "" {
		cfg.Setup.SystemInstruction = &protocol.Content{
			Role:  protocol.RoleUser,
			Parts: []protocol.Part{{Text: r.SystemInstruction}},
		}
	}
	if r.Auth.JWTSecret != "" {
		cfg.Auth = &auth.JWTVerifier{Secret: []byte(r.Auth.JWTSecret), Issuer: r.Auth.Issuer, Leeway: r.Auth.Leeway}
	}
	if r.UseADC {
		creds, err := google.FindDefaultCredentials(ctx, adcScope)
		if err != nil {
			return relay.Config{}, fmt.Errorf("failed to find default credentials: %w", err)
		}
		cfg.TokenSource = creds.TokenSource
	}
	return cfg, nil
}

// newRedisPublisher returns nil when no Redis address is configured.
func newRedisPublisher(r config.RedisConfig) (*metrics.RedisPublisher, func() error) {
	if r.Addr == "" {
		return nil, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
	var opts []metrics.RedisOption
	if r.Channel != "" {
		opts = append(opts, metrics.WithChannel(r.Channel))
	}
	if r.LatestKey != "" {
		opts = append(opts, metrics.WithLatestKey(r.LatestKey, r.TTL))
	}
	return metrics.NewRedisPublisher(client, opts...), client.Close
}
