// Package formatting renders test results, runs, flaky records and feature
// health for the command line.
//
// Two output formats are supported: rounded go-pretty tables for people and
// indented JSON for scripts. The JSON payload types are shared with the MCP
// server so both surfaces report the same shapes.
package formatting

import (
	"fmt"
	"io"
	"os"
	"strings"

	"testrig/internal/api"
	"testrig/internal/flaky"
	"testrig/internal/resilience"
)

// OutputFormat represents the desired output format
type OutputFormat string

const (
	FormatTable OutputFormat = "table" // Rich table output
	FormatJSON  OutputFormat = "json"  // JSON output
)

// ParseFormat resolves a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case FormatTable, "":
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use table or json)", s)
	}
}

// Options configures the formatter behavior
type Options struct {
	Format OutputFormat
	Writer io.Writer // Defaults to os.Stdout
	Color  bool      // Enable colored output
}

// Formatter renders the domain types of testrig.
type Formatter interface {
	FormatResults(results []api.TestOutcome) error
	FormatRun(run api.RunSnapshot) error
	FormatRuns(runs []api.RunSnapshot) error
	FormatFlakyRecords(records []flaky.Record) error
	FormatFixes(record flaky.Record, fixes []flaky.Fix) error
	FormatFeatures(features []resilience.Feature, circuits []resilience.CircuitBreakerStats) error
}

// New creates the formatter selected by options.Format.
func New(options Options) Formatter {
	if options.Writer == nil {
		options.Writer = os.Stdout
	}
	switch options.Format {
	case FormatJSON:
		return &JSONFormatter{w: options.Writer}
	default:
		return &TableFormatter{options: options}
	}
}
