package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/loykin/pipewatch"
	"github.com/loykin/pipewatch/pkg/client"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

var (
	colorGreen  = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	colorRed    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorYellow = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	colorDim    = lipgloss.AdaptiveColor{Light: "242", Dark: "240"}

	headerStyle     = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle       = lipgloss.NewStyle().Padding(0, 1)
	completeStyle   = cellStyle.Foreground(colorGreen)
	errorStyle      = cellStyle.Foreground(colorRed)
	processingStyle = cellStyle.Foreground(colorYellow)
	mutedStyle      = lipgloss.NewStyle().Foreground(colorDim)
)

// sessionRow is the printable view shared by local and remote sessions.
type sessionRow struct {
	Seq        int
	Status     string
	SourceFile string
	ArtifactID string
	Variants   int
	Confidence *float64
	StartedAt  time.Time
	EndedAt    *time.Time
	Errors     []string
}

func rowsFromSessions(ss []pipewatch.Session) []sessionRow {
	out := make([]sessionRow, len(ss))
	for i, s := range ss {
		out[i] = sessionRow{s.Seq, string(s.Status), s.SourceFile, s.ArtifactID, s.ImageVariantCount, s.Confidence, s.StartedAt, s.EndedAt, s.Errors}
	}
	return out
}

func rowsFromClient(ss []client.Session) []sessionRow {
	out := make([]sessionRow, len(ss))
	for i, s := range ss {
		out[i] = sessionRow{s.Seq, s.Status, s.SourceFile, s.ArtifactID, s.ImageVariantCount, s.Confidence, s.StartedAt, s.EndedAt, s.Errors}
	}
	return out
}

func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
}

// printStructured writes v as JSON or YAML. YAML keys follow the JSON tags.
func printStructured(w io.Writer, format string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == outputJSON {
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(pipewatch.StatusComplete):
		return completeStyle
	case string(pipewatch.StatusError):
		return errorStyle
	default:
		return processingStyle
	}
}

func renderSessions(w io.Writer, rows []sessionRow) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("no sessions"))
		return
	}
	data := make([][]string, len(rows))
	for i, r := range rows {
		conf := "-"
		if r.Confidence != nil {
			conf = strconv.FormatFloat(*r.Confidence, 'f', 2, 64)
		}
		dur := "-"
		if r.EndedAt != nil {
			dur = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		data[i] = []string{
			strconv.Itoa(r.Seq), r.Status, dash(r.SourceFile), dash(r.ArtifactID),
			strconv.Itoa(r.Variants), conf, r.StartedAt.Format(time.DateTime), dur,
			dash(strings.Join(r.Errors, "; ")),
		}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("SEQ", "STATUS", "SOURCE", "ARTIFACT", "VARIANTS", "CONFIDENCE", "STARTED", "DURATION", "ERRORS").
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 {
				return statusStyle(data[row][1])
			}
			return cellStyle
		})
	_, _ = fmt.Fprintln(w, t.Render())
}

func renderSummary(w io.Writer, s pipewatch.Summary, categories map[string]int) {
	_, _ = fmt.Fprintf(w, "sessions: %d  %s  %s  %s  success: %.2f%%\n",
		s.Total,
		completeStyle.UnsetPadding().Render(fmt.Sprintf("completed: %d", s.Completed)),
		errorStyle.UnsetPadding().Render(fmt.Sprintf("errored: %d", s.Errored)),
		processingStyle.UnsetPadding().Render(fmt.Sprintf("processing: %d", s.Processing)),
		s.SuccessRate)
	if len(categories) == 0 {
		return
	}
	keys := make([]string, 0, len(categories))
	for k := range categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, categories[k])
	}
	_, _ = fmt.Fprintln(w, mutedStyle.Render("lines: "+strings.Join(parts, " ")))
}

func categoryMap(c pipewatch.Categories) map[string]int {
	out := make(map[string]int, len(c))
	for k, v := range c {
		out[string(k)] = v
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func summaryFromClient(s client.Summary) pipewatch.Summary {
	return pipewatch.Summary{
		Total:       s.Total,
		Completed:   s.Completed,
		Errored:     s.Errored,
		Processing:  s.Processing,
		SuccessRate: s.SuccessRate,
	}
}
