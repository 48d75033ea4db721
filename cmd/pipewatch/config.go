package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/pipewatch/internal/config"
)

// createConfigCommand creates the config subcommand group
func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file format",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				b, err := config.Schema()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return err
			},
		},
		&cobra.Command{
			Use:   "show [config.toml]",
			Short: "Validate a configuration and print the effective result",
			Long: `Load a configuration file with defaults and PIPEWATCH_* overrides applied,
validate it and print the result.

Examples:
  pipewatch config show pipewatch.toml
  pipewatch config show -o json`,
			Args: cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := globalFlags.ConfigPath
				if len(args) > 0 {
					path = args[0]
				}
				cfg, err := config.LoadConfig(path)
				if err != nil {
					return err
				}
				if cfg.Server.Auth.JWTSecret != "" {
					cfg.Server.Auth.JWTSecret = "********"
				}
				format := globalFlags.Output
				if format == outputTable {
					format = outputYAML
				}
				if err := validateOutput(format); err != nil {
					return err
				}
				return printStructured(cmd.OutOrStdout(), format, cfg)
			},
		},
	)
	return cmd
}
