package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loykin/pipewatch"
	"github.com/loykin/pipewatch/internal/tailer"
)

// ReplayFlags holds flags for the replay command
type ReplayFlags struct {
	StripANSI    bool
	HistoryLimit int
	Events       int
}

type replayResult struct {
	Sessions   []pipewatch.Session  `json:"sessions"`
	Summary    pipewatch.Summary    `json:"summary"`
	Categories map[string]int       `json:"categories"`
	Stats      pipewatch.Stats      `json:"stats"`
	Events     []pipewatch.LogEvent `json:"events,omitempty"`
}

// createReplayCommand creates the replay subcommand
func createReplayCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ReplayFlags{}
	cmd := &cobra.Command{
		Use:   "replay <file>...",
		Short: "Fold log files offline and print the sessions",
		Long: `Read one or more log files in order, fold them into sessions and print
the result. Nothing is exported and no server is needed.

Examples:
  pipewatch replay run.log
  pipewatch replay --strip-ansi -o json day1.log day2.log`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(globalFlags.Output); err != nil {
				return err
			}
			res, err := replay(args, *flags)
			if err != nil {
				return err
			}
			return printReplay(cmd.OutOrStdout(), globalFlags.Output, res)
		},
	}
	cmd.Flags().BoolVar(&flags.StripANSI, "strip-ansi", false, "remove terminal escape sequences before folding")
	cmd.Flags().IntVar(&flags.HistoryLimit, "history-limit", 0, "retained event tail (0 uses the default)")
	cmd.Flags().IntVar(&flags.Events, "events", 0, "include the last N retained events in the output")
	return cmd
}

func replay(paths []string, flags ReplayFlags) (replayResult, error) {
	opts := []pipewatch.Option{pipewatch.WithHistoryLimit(flags.HistoryLimit)}
	if flags.StripANSI {
		opts = append(opts, pipewatch.WithStripANSI())
	}
	e := pipewatch.New(opts...)
	for _, p := range paths {
		events, err := tailer.ReadFile(p)
		if err != nil {
			return replayResult{}, err
		}
		if err := e.Ingest(events, pipewatch.ModeAppend); err != nil {
			return replayResult{}, fmt.Errorf("%s: %w", p, err)
		}
	}
	res := replayResult{
		Sessions:   e.Sessions(),
		Summary:    e.Summary(),
		Categories: categoryMap(e.Categories()),
		Stats:      e.Stats(),
	}
	if flags.Events > 0 {
		res.Events = e.Events(flags.Events)
	}
	return res, nil
}

func printReplay(w io.Writer, format string, res replayResult) error {
	if format != outputTable {
		return printStructured(w, format, res)
	}
	renderSessions(w, rowsFromSessions(res.Sessions))
	renderSummary(w, res.Summary, res.Categories)
	for _, ev := range res.Events {
		_, _ = fmt.Fprintf(w, "%s [%s] %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Origin, ev.Text)
	}
	return nil
}
