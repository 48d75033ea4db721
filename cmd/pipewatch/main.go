package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Output     string
	Username   string
	Password   string
	Token      string
}

// buildRoot creates the root command with all subcommands attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createReplayCommand(globalFlags),
		createSessionsCommand(globalFlags),
		createSummaryCommand(globalFlags),
		createResetCommand(globalFlags),
		createIngestCommand(globalFlags),
		createConfigCommand(globalFlags),
		createAuthCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pipewatch",
		Short: "Reconstruct pipeline sessions from log streams",
		Long: `Pipewatch follows the log output of a batch image pipeline and folds it
into sessions: which file was processed, how many variants were produced,
which artifact was published and whether the run completed or failed.

Examples:
  pipewatch serve pipewatch.toml              # Follow configured sources and serve the API
  pipewatch replay run.log                    # Fold a log file offline
  pipewatch sessions --status=error           # Query a running server
  pipewatch ingest --mode=replace run.log     # Push a log file to a running server`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8787/api", "server API URL for remote commands")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout for remote commands")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", outputTable, "output format: table, json or yaml")
	root.PersistentFlags().StringVar(&flags.Username, "username", "", "API username for servers with auth enabled")
	root.PersistentFlags().StringVar(&flags.Password, "password", os.Getenv("PIPEWATCH_PASSWORD"), "API password (default $PIPEWATCH_PASSWORD)")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("PIPEWATCH_TOKEN"), "API bearer token from 'pipewatch auth login' (default $PIPEWATCH_TOKEN)")

	return root
}
