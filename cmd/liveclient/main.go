// Command liveclient is a terminal client for a liverelay server.
//
// Lines typed on stdin are sent as text turns; lines starting with "/" are
// commands (see /help). With -tags portaudio the microphone and speakers are
// available through /mic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AltairaLabs/liverelay/config"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/media"
	"github.com/AltairaLabs/liverelay/session"
)

const envPrefix = "LIVECLIENT"

var rootCmd = &cobra.Command{
	Use:          "liveclient",
	Short:        "Terminal client for a liverelay server",
	SilenceUsage: true,
	Long: `liveclient connects to a liverelay endpoint and runs an interactive
session. Text typed on stdin is sent as a user turn; model text and
transcriptions are printed as they arrive.

Examples:
  liveclient --endpoint ws://localhost:8080/live
  liveclient --frames-dir ./frames --voice`,
	RunE: runClient,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("config", "c", "liverelay.yaml", "Configuration file path (client section)")
	f.String("endpoint", "", "Relay WebSocket endpoint")
	f.String("token", "", "Bearer token for the relay")
	f.String("frames-dir", "", "Directory of JPEG frames served as webcam and screen")
	f.Bool("voice", false, "Open audio devices (requires -tags portaudio)")
	f.BoolP("verbose", "v", false, "Enable debug logging")
	f.String("env-file", ".env", "Environment file loaded before the configuration")

	_ = viper.BindPFlag("endpoint", f.Lookup("endpoint"))
	_ = viper.BindPFlag("token", f.Lookup("token"))
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func loadClientConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	if path, _ := cmd.Flags().GetString("env-file"); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				logger.Warn("failed to load env file", "path", path, "error", err)
			}
		}
	}

	path, _ := cmd.Flags().GetString("config")
	f := config.Default()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return config.ClientConfig{}, err
		}
		f = loaded
	} else if cmd.Flags().Changed("config") {
		return config.ClientConfig{}, fmt.Errorf("config file not found: %s", path)
	}

	c := f.Client
	if v := viper.GetString("endpoint"); v != "" {
		c.Endpoint = v
	}
	if v := viper.GetString("token"); v != "" {
		c.Token = v
	}
	if c.Endpoint == "" {
		return c, &config.Error{Field: "client.endpoint", Detail: "required (--endpoint or LIVECLIENT_ENDPOINT)"}
	}
	return c, nil
}

func runClient(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		logger.SetVerbose(true)
	}
	c, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []session.Option
	if dir, _ := cmd.Flags().GetString("frames-dir"); dir != "" {
		opener := media.DirOpener{WebcamDir: dir, ScreenDir: dir}
		opts = append(opts, session.WithMediaHandler(media.NewSourceHandler(opener, media.DefaultFrameInterval)))
	}

	devices, closeDevices := noDevices()
	if voice, _ := cmd.Flags().GetBool("voice"); voice {
		if devices, closeDevices, err = openDevices(); err != nil {
			return err
		}
	}
	defer func() { _ = closeDevices() }()

	transport := session.NewWSTransport(session.WSConfig{
		Endpoint:          c.Endpoint,
		Token:             c.Token,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
	})
	sess := session.New(session.Config{
		SampleRate:        c.SampleRate,
		CaptureSampleRate: c.CaptureSampleRate,
		ReconnectAttempts: c.ReconnectAttempts,
		Debug:             verbose,
	}, transport, devices, opts...)
	defer func() { _ = sess.Close() }()

	events, unsubscribe := sess.Subscribe(64)
	defer unsubscribe()

	out := cmd.OutOrStdout()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(out, events)
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}

	con := &console{sess: sess, out: out}
	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-printed:
			return nil
		case line, ok := <-lines:
			if !ok || !con.handle(ctx, line) {
				closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = sess.Close()
				select {
				case <-printed:
				case <-closeCtx.Done():
				}
				return nil
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
