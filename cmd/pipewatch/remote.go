package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/pipewatch/internal/tailer"
	"github.com/loykin/pipewatch/pkg/client"
)

// SessionsFlags holds flags for the sessions command
type SessionsFlags struct {
	Status string
	Limit  int
}

// IngestFlags holds flags for the ingest command
type IngestFlags struct {
	Mode string
}

func newAPIClient(f *GlobalFlags) *client.Client {
	return client.New(client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Username: f.Username,
		Password: f.Password,
		Token:    f.Token,
	})
}

// requireServer fails fast with a readable error when nothing is listening.
func requireServer(ctx context.Context, c *client.Client, url string) error {
	if !c.IsReachable(ctx) {
		return fmt.Errorf("pipewatch server not reachable at %s", url)
	}
	return nil
}

// createSessionsCommand creates the sessions subcommand
func createSessionsCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &SessionsFlags{}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions from a running server",
		Long: `List sessions from a running server, most recent first.

Examples:
  pipewatch sessions
  pipewatch sessions --status=error --limit=5 -o json
  pipewatch sessions --api-url=http://remote:8787/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(globalFlags.Output); err != nil {
				return err
			}
			c := newAPIClient(globalFlags)
			ctx := cmd.Context()
			if err := requireServer(ctx, c, globalFlags.APIUrl); err != nil {
				return err
			}
			ss, err := c.Sessions(ctx, client.SessionsQuery{Status: flags.Status, Limit: flags.Limit})
			if err != nil {
				return err
			}
			if globalFlags.Output != outputTable {
				return printStructured(cmd.OutOrStdout(), globalFlags.Output, ss)
			}
			renderSessions(cmd.OutOrStdout(), rowsFromClient(ss))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Status, "status", "", "filter by status: processing, complete or error")
	cmd.Flags().IntVar(&flags.Limit, "limit", 0, "maximum number of sessions (0 for all)")
	return cmd
}

// createSummaryCommand creates the summary subcommand
func createSummaryCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show the session summary of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(globalFlags.Output); err != nil {
				return err
			}
			c := newAPIClient(globalFlags)
			ctx := cmd.Context()
			if err := requireServer(ctx, c, globalFlags.APIUrl); err != nil {
				return err
			}
			sum, err := c.Summary(ctx)
			if err != nil {
				return err
			}
			if globalFlags.Output != outputTable {
				return printStructured(cmd.OutOrStdout(), globalFlags.Output, sum)
			}
			renderSummary(cmd.OutOrStdout(), summaryFromClient(sum.Summary), sum.Categories)
			return nil
		},
	}
}

// createResetCommand creates the reset subcommand
func createResetCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear all sessions and events on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(globalFlags)
			if err := c.Reset(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "reset ok")
			return nil
		},
	}
}

// createIngestCommand creates the ingest subcommand
func createIngestCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &IngestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Push log files to a running server",
		Long: `Send the lines of one or more log files to a running server. With
--mode=replace the first file replaces all server state and the rest append.

Examples:
  pipewatch ingest run.log
  pipewatch ingest --mode=replace day1.log day2.log`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(globalFlags)
			mode := flags.Mode
			total := 0
			for _, p := range args {
				events, err := tailer.ReadFile(p)
				if err != nil {
					return err
				}
				raws := make([]client.Raw, len(events))
				for i, ev := range events {
					raws[i] = client.Raw{Text: ev.Text, Timestamp: ev.Timestamp, Origin: string(ev.Origin)}
				}
				res, err := c.Ingest(cmd.Context(), mode, raws)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				total += res.Accepted
				mode = client.ModeAppend
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ingested %d lines from %d file(s)\n", total, len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Mode, "mode", client.ModeAppend, "append or replace")
	return cmd
}
