package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/relay"
	"github.com/AltairaLabs/liverelay/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the relay server until SIGINT or SIGTERM.

Values from the configuration file can be overridden with flags or
LIVERELAY_* environment variables (LIVERELAY_API_KEY, LIVERELAY_ADDR, ...).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().Bool("debug", false, "Enable relay debug logging")
	serveCmd.Flags().String("upstream-url", "", "Upstream WebSocket URL template")
	serveCmd.Flags().String("model", "", "Model id sent in the setup frame")

	_ = viper.BindPFlag(keyAddr, serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag(keyDebug, serveCmd.Flags().Lookup("debug"))
	_ = viper.BindPFlag(keyUpstreamURL, serveCmd.Flags().Lookup("upstream-url"))
	_ = viper.BindPFlag(keyModel, serveCmd.Flags().Lookup("model"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	f, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}
	if err := logger.Configure(&f.Logging, os.Stderr); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	if err := f.Relay.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := buildRelayConfig(ctx, &f.Relay)
	if err != nil {
		return err
	}

	if endpoint := f.Telemetry.Endpoint; endpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, endpoint, f.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to create tracer provider: %w", err)
		}
		telemetry.SetupPropagation()
		cfg.TracerProvider = tp
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer provider shutdown", "error", err)
			}
		}()
	}

	srv, err := relay.New(cfg)
	if err != nil {
		return err
	}

	if pub, closeRedis := newRedisPublisher(f.Relay.Metrics.Redis); pub != nil {
		defer func() { _ = closeRedis() }()
		unsubscribe, err := srv.SubscribeMetrics(pub.Subscriber(), 0)
		if err != nil {
			logger.Warn("metrics publishing needs relay.metrics.enabled", "error", err)
		} else {
			defer unsubscribe()
		}
	}

	logger.Info("starting liverelay", "version", GetVersion(), "addr", f.Relay.Addr)
	return srv.ListenAndServe(ctx, f.Relay.Addr)
}
