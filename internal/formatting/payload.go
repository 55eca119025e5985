package formatting

import (
	"encoding/json"

	"testrig/internal/api"
	"testrig/internal/flaky"
	"testrig/internal/resilience"
)

// ResultsPayload is the JSON shape of a finished run.
type ResultsPayload struct {
	Summary api.Summary       `json:"summary"`
	Results []api.TestOutcome `json:"results"`
	Error   string            `json:"error,omitempty"`
	Hint    string            `json:"hint,omitempty"`
}

// NewResultsPayload summarizes results. A non-nil err is reported with its
// remediation hint next to whatever results were collected.
func NewResultsPayload(results []api.TestOutcome, err error) ResultsPayload {
	if results == nil {
		results = []api.TestOutcome{}
	}
	p := ResultsPayload{Summary: api.Summarize(results), Results: results}
	if err != nil {
		p.Error = err.Error()
		p.Hint = api.RemediationHint(err)
	}
	return p
}

// FlakyPayload is the JSON shape of a detection pass. Fixes is keyed by
// test ID and only filled on request.
type FlakyPayload struct {
	FlakyTests []flaky.Record         `json:"flakyTests"`
	Count      int                    `json:"count"`
	Fixes      map[string][]flaky.Fix `json:"fixes,omitempty"`
}

// FixesPayload is the JSON shape of fix suggestions for one test.
type FixesPayload struct {
	TestID string        `json:"testId"`
	Causes []flaky.Cause `json:"causes"`
	Fixes  []flaky.Fix   `json:"fixes"`
}

// FeaturesPayload is the JSON shape of the feature and breaker health report.
type FeaturesPayload struct {
	Features []resilience.Feature             `json:"features"`
	Circuits []resilience.CircuitBreakerStats `json:"circuits"`
}

// ToJSON marshals v with two-space indentation.
func ToJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
