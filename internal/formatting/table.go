package formatting

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"testrig/internal/api"
	"testrig/internal/flaky"
	"testrig/internal/resilience"
	textutil "testrig/pkg/strings"
)

// TableFormatter provides rich table output formatting
type TableFormatter struct {
	options Options
}

// createTable creates a new table with standard styling
func (f *TableFormatter) createTable(headers ...string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(f.options.Writer)
	t.SetStyle(table.StyleRounded)

	row := make(table.Row, len(headers))
	for i, h := range headers {
		row[i] = f.paint(text.FgHiCyan, h)
	}
	t.AppendHeader(row)
	return t
}

func (f *TableFormatter) paint(c text.Color, s string) string {
	if !f.options.Color {
		return s
	}
	return c.Sprint(s)
}

func (f *TableFormatter) printf(format string, args ...any) {
	fmt.Fprintf(f.options.Writer, format, args...)
}

func (f *TableFormatter) emptyMessage(message string) error {
	f.printf("%s\n", f.paint(text.FgYellow, message))
	return nil
}

func (f *TableFormatter) status(s string) string {
	switch s {
	case string(api.StatusPassed), string(api.RunCompleted), string(resilience.FeatureAvailable), "closed":
		return f.paint(text.FgGreen, s)
	case string(api.StatusFailed), string(api.RunTimeout), string(resilience.FeatureUnavailable), "open":
		return f.paint(text.FgRed, s)
	case string(api.StatusRunning):
		return f.paint(text.FgHiBlue, s)
	default:
		return f.paint(text.FgYellow, s)
	}
}

func (f *TableFormatter) FormatResults(results []api.TestOutcome) error {
	if len(results) == 0 {
		return f.emptyMessage("No tests reported")
	}

	t := f.createTable("STATUS", "TEST", "DURATION", "FILE")
	for _, r := range results {
		name := r.FullName
		if name == "" {
			name = r.Name
		}
		t.AppendRow(table.Row{f.status(string(r.Status)), name, FormatDuration(r.Duration), location(r.File, r.Line)})
	}
	t.Render()

	for _, r := range results {
		if r.Status != api.StatusFailed || r.Error == nil {
			continue
		}
		f.printf("\n%s %s\n", f.paint(text.FgRed, "✗"), r.FullName)
		for _, line := range strings.Split(strings.TrimSpace(r.Error.Message), "\n") {
			f.printf("    %s\n", line)
		}
	}

	f.printf("\n%s\n", f.summaryLine(api.Summarize(results)))
	return nil
}

func (f *TableFormatter) summaryLine(s api.Summary) string {
	parts := []string{f.paint(text.FgGreen, fmt.Sprintf("%d passed", s.Passed))}
	if s.Failed > 0 {
		parts = append(parts, f.paint(text.FgRed, fmt.Sprintf("%d failed", s.Failed)))
	}
	if s.Skipped > 0 {
		parts = append(parts, f.paint(text.FgYellow, fmt.Sprintf("%d skipped", s.Skipped)))
	}
	if s.Pending > 0 {
		parts = append(parts, f.paint(text.FgYellow, fmt.Sprintf("%d pending", s.Pending)))
	}
	return fmt.Sprintf("%s %s (%d total) in %s",
		f.paint(text.FgHiBlue, "Tests:"), strings.Join(parts, ", "), s.Total, FormatDuration(s.Elapsed))
}

func (f *TableFormatter) FormatRun(run api.RunSnapshot) error {
	t := f.createTable("FIELD", "VALUE")
	t.AppendRow(table.Row{"Run ID", run.RunID})
	t.AppendRow(table.Row{"Framework", run.Framework})
	t.AppendRow(table.Row{"Status", f.status(string(run.Status))})
	if run.PID > 0 {
		t.AppendRow(table.Row{"PID", run.PID})
	}
	t.AppendRow(table.Row{"Started", run.StartedAt.Format(time.RFC3339)})
	t.AppendRow(table.Row{"Duration", FormatDuration(runDuration(run))})
	if run.ParentID != "" {
		t.AppendRow(table.Row{"Parent", run.ParentID})
	}
	if len(run.Children) > 0 {
		t.AppendRow(table.Row{"Chunks", strings.Join(run.Children, "\n")})
	}
	s := api.Summarize(run.Results)
	t.AppendRow(table.Row{"Tests", fmt.Sprintf("%d total, %d passed, %d failed", s.Total, s.Passed, s.Failed)})
	if run.Error != "" {
		t.AppendRow(table.Row{"Error", f.paint(text.FgRed, truncate(textutil.FirstLine(run.Error)))})
	}
	t.Render()
	return nil
}

func (f *TableFormatter) FormatRuns(runs []api.RunSnapshot) error {
	if len(runs) == 0 {
		return f.emptyMessage("No runs recorded")
	}

	t := f.createTable("RUN ID", "FRAMEWORK", "STATUS", "STARTED", "DURATION", "TESTS")
	for _, r := range runs {
		id := r.RunID
		if r.ParentID != "" {
			id = "  └ " + id
		}
		t.AppendRow(table.Row{
			id,
			r.Framework,
			f.status(string(r.Status)),
			r.StartedAt.Format(time.TimeOnly),
			FormatDuration(runDuration(r)),
			len(r.Results),
		})
	}
	t.Render()
	return nil
}

func (f *TableFormatter) FormatFlakyRecords(records []flaky.Record) error {
	if len(records) == 0 {
		return f.emptyMessage("No flaky tests detected")
	}

	t := f.createTable("TEST", "FAILURE RATE", "FAILURES", "RUNS", "LIKELY CAUSE", "CONFIDENCE")
	for _, r := range records {
		cause := string(flaky.CauseUnknown)
		if len(r.Causes) > 0 {
			cause = string(r.Causes[0].Type)
		}
		t.AppendRow(table.Row{
			r.TestID,
			f.paint(text.FgYellow, FormatPercent(r.FailureRate)),
			r.Failures,
			r.TotalRuns,
			cause,
			FormatPercent(r.Confidence),
		})
	}
	t.Render()

	f.printf("\n%s %s %s\n",
		f.paint(text.FgHiBlue, "Total:"),
		f.paint(text.FgHiWhite, fmt.Sprint(len(records))),
		f.paint(text.FgHiBlue, "flaky tests"))
	return nil
}

func (f *TableFormatter) FormatFixes(record flaky.Record, fixes []flaky.Fix) error {
	f.printf("%s %s\n", f.paint(text.FgHiBlue, "Suggested fixes for"), record.TestID)
	for _, c := range record.Causes {
		f.printf("  %s (%s): %s\n", c.Type, FormatPercent(c.Confidence), c.Description)
	}

	t := f.createTable("PRIORITY", "CAUSE", "FIX", "DETAILS")
	for _, fix := range fixes {
		details := fix.Description
		if fix.Example != "" {
			details += "\n" + f.paint(text.FgHiBlack, fix.Example)
		}
		t.AppendRow(table.Row{f.priority(fix.Priority), fix.Cause, fix.Title, details})
	}
	t.Render()
	return nil
}

func (f *TableFormatter) priority(p flaky.Priority) string {
	switch p {
	case flaky.PriorityHigh:
		return f.paint(text.FgRed, string(p))
	case flaky.PriorityMedium:
		return f.paint(text.FgYellow, string(p))
	default:
		return string(p)
	}
}

func (f *TableFormatter) FormatFeatures(features []resilience.Feature, circuits []resilience.CircuitBreakerStats) error {
	t := f.createTable("FEATURE", "STATUS", "SINCE", "REASON")
	for _, ft := range features {
		t.AppendRow(table.Row{ft.Name, f.status(string(ft.Status)), ft.Since.Format(time.TimeOnly), truncate(ft.Reason)})
	}
	t.Render()

	if len(circuits) == 0 {
		return f.emptyMessage("No circuits created yet")
	}

	c := f.createTable("CIRCUIT", "STATE", "CALLS", "FAILURES", "REJECTIONS")
	for _, s := range circuits {
		c.AppendRow(table.Row{s.Name, f.status(s.State), s.TotalCalls, s.TotalFailures, s.TotalRejections})
	}
	c.Render()
	return nil
}

// FormatDuration renders d rounded to a readable precision.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// FormatPercent renders a ratio in [0,1] as a percentage.
func FormatPercent(r float64) string {
	return fmt.Sprintf("%.0f%%", r*100)
}

func runDuration(r api.RunSnapshot) time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

func location(file string, line int) string {
	if line > 0 {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return file
}

func truncate(s string) string {
	return textutil.Truncate(s, textutil.DefaultCellMaxLen)
}
