package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/liverelay/relay"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file without starting the server",
	Long: `Loads the configuration, validates tool declarations and required fields,
and builds the relay exactly as serve would.

Examples:
  liverelay validate --config liverelay.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	f, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}
	if err := f.Relay.Validate(); err != nil {
		return err
	}
	cfg, err := buildRelayConfig(cmd.Context(), &f.Relay)
	if err != nil {
		return err
	}
	if _, err := relay.New(cfg); err != nil {
		return err
	}

	decls, _ := f.Relay.ToolDeclarations()
	fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (model %s, %d tool declarations)\n", f.Relay.Model, len(decls))
	return nil
}
