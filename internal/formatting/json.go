package formatting

import (
	"fmt"
	"io"

	"testrig/internal/api"
	"testrig/internal/flaky"
	"testrig/internal/resilience"
)

// JSONFormatter writes indented JSON documents, one per call.
type JSONFormatter struct {
	w io.Writer
}

func (f *JSONFormatter) write(v any) error {
	s, err := ToJSON(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(f.w, s)
	return err
}

func (f *JSONFormatter) FormatResults(results []api.TestOutcome) error {
	return f.write(NewResultsPayload(results, nil))
}

func (f *JSONFormatter) FormatRun(run api.RunSnapshot) error {
	return f.write(run)
}

func (f *JSONFormatter) FormatRuns(runs []api.RunSnapshot) error {
	if runs == nil {
		runs = []api.RunSnapshot{}
	}
	return f.write(runs)
}

func (f *JSONFormatter) FormatFlakyRecords(records []flaky.Record) error {
	if records == nil {
		records = []flaky.Record{}
	}
	return f.write(FlakyPayload{FlakyTests: records, Count: len(records)})
}

func (f *JSONFormatter) FormatFixes(record flaky.Record, fixes []flaky.Fix) error {
	return f.write(FixesPayload{TestID: record.TestID, Causes: record.Causes, Fixes: fixes})
}

func (f *JSONFormatter) FormatFeatures(features []resilience.Feature, circuits []resilience.CircuitBreakerStats) error {
	return f.write(FeaturesPayload{Features: features, Circuits: circuits})
}
