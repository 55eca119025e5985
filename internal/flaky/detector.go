package flaky

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"testrig/internal/api"
	"testrig/pkg/logging"
)

func tracer() trace.Tracer { return otel.Tracer("testrig.flaky") }

// syntheticTag marks outcomes made up for runs that reported nothing usable.
const syntheticTag = "synthetic"

// DefaultIterations is used when neither the options nor the detector
// configuration name an iteration count.
const DefaultIterations = 10

// Runner executes one test run. The execution engine implements it.
type Runner interface {
	Execute(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error)
}

// Options selects what DetectFlakyTests examines and how.
type Options struct {
	Framework api.Framework `json:"framework"`

	// TestID selects a single test. IDs have the form "<file or package>::<name>";
	// a bare name is accepted too.
	TestID string `json:"testId,omitempty"`

	// TestPath selects a file or package, examined as one logical unit when
	// TestID is empty.
	TestPath string `json:"testPath,omitempty"`

	// Pattern is accepted for compatibility but does not resolve to candidates.
	Pattern string `json:"pattern,omitempty"`

	Dir        string            `json:"dir,omitempty"`
	Iterations int               `json:"iterations,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Candidate is one logical test examined by the detector.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// Config configures a Detector.
type Config struct {
	DefaultIterations int

	// OnRecord is called after every detection pass with the updated record.
	OnRecord func(Record)
}

// Detector runs tests repeatedly through a Runner and keeps an append-only
// history of the results per test.
type Detector struct {
	runner Runner
	config Config

	// passMu serializes detection passes.
	passMu sync.Mutex

	history *historyStore
}

// NewDetector creates a detector on top of runner.
func NewDetector(runner Runner, config Config) *Detector {
	if config.DefaultIterations <= 0 {
		config.DefaultIterations = DefaultIterations
	}
	return &Detector{
		runner:  runner,
		config:  config,
		history: newHistoryStore(),
	}
}

// Candidates resolves the tests a detection pass examines: the single test
// named by TestID, else the unit named by TestPath, else nothing.
func Candidates(opts Options) []Candidate {
	switch {
	case opts.TestID != "":
		path, name, ok := strings.Cut(opts.TestID, "::")
		if !ok {
			path, name = "", opts.TestID
		}
		if opts.TestPath != "" {
			path = opts.TestPath
		}
		return []Candidate{{ID: opts.TestID, Name: name, Path: path}}
	case opts.TestPath != "":
		return []Candidate{{ID: opts.TestPath, Path: opts.TestPath}}
	default:
		return nil
	}
}

// DetectFlakyTests runs every candidate Iterations times and returns the
// records of the candidates found flaky. History is appended for every
// candidate, flaky or not.
func (d *Detector) DetectFlakyTests(ctx context.Context, opts Options) ([]Record, error) {
	if opts.Framework == "" {
		return nil, api.NewValidationError("framework is required")
	}
	if opts.Iterations < 0 {
		return nil, api.NewValidationError(fmt.Sprintf("iterations must not be negative, got %d", opts.Iterations))
	}
	iterations := opts.Iterations
	if iterations == 0 {
		iterations = d.config.DefaultIterations
	}

	d.passMu.Lock()
	defer d.passMu.Unlock()

	ctx, span := tracer().Start(ctx, "flaky.DetectFlakyTests", trace.WithAttributes(
		attribute.String("flaky.framework", string(opts.Framework)),
		attribute.Int("flaky.iterations", iterations),
	))
	defer span.End()

	candidates := Candidates(opts)
	if len(candidates) == 0 {
		logging.Info("Flaky", "No candidates for pattern %q; pattern resolution is not supported", opts.Pattern)
		return []Record{}, nil
	}

	flaky := []Record{}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return flaky, err
		}

		outcomes := d.RunTestMultipleTimes(ctx, c, iterations, opts)
		analysis := AnalyzeFlakiness(outcomes)
		record := d.history.append(c, outcomes, analysis, time.Now())

		logging.Info("Flaky", "Test %s: %d/%d failed in this pass, flaky=%t", c.ID, analysis.Failures, analysis.TotalRuns, analysis.IsFlaky)
		if d.config.OnRecord != nil {
			d.config.OnRecord(record)
		}
		if analysis.IsFlaky {
			flaky = append(flaky, record)
		}
	}

	span.SetAttributes(attribute.Int("flaky.found", len(flaky)))
	return flaky, nil
}

// RunTestMultipleTimes executes c iterations times, one run after the other.
// A run that fails, or that does not report c, becomes a synthetic failed
// outcome so the loop always yields exactly iterations outcomes.
func (d *Detector) RunTestMultipleTimes(ctx context.Context, c Candidate, iterations int, opts Options) []api.TestOutcome {
	req := api.RunRequest{
		Framework: opts.Framework,
		TestPath:  c.Path,
		TestName:  c.Name,
		Dir:       opts.Dir,
		Timeout:   opts.Timeout,
		Env:       opts.Env,
	}

	outcomes := make([]api.TestOutcome, 0, iterations)
	for i := range iterations {
		start := time.Now()
		results, err := d.runner.Execute(ctx, req)
		if err != nil {
			logging.Debug("Flaky", "Iteration %d of %s failed: %v", i+1, c.ID, err)
			outcomes = append(outcomes, syntheticFailure(c, opts.Framework, failureMessage(err), time.Since(start)))
			continue
		}
		outcomes = append(outcomes, pick(c, opts.Framework, results, time.Since(start)))
	}
	return outcomes
}

// GetHistory returns the accumulated record for a test.
func (d *Detector) GetHistory(testID string) (Record, error) {
	r, ok := d.history.get(testID)
	if !ok {
		return Record{}, api.NewHistoryNotFoundError(testID)
	}
	return r, nil
}

// Records returns all accumulated records ordered by test ID.
func (d *Detector) Records() []Record {
	return d.history.all()
}

// pick selects the outcome for c from one run. A unit candidate (no name)
// folds all outcomes of the run into one: failed when any test failed.
func pick(c Candidate, fw api.Framework, results []api.TestOutcome, elapsed time.Duration) api.TestOutcome {
	if len(results) == 0 {
		return syntheticFailure(c, fw, "no results reported", elapsed)
	}

	if c.Name == "" {
		unit := api.TestOutcome{
			ID:       c.ID,
			Name:     c.Path,
			FullName: c.Path,
			Status:   api.StatusPassed,
			File:     c.Path,
			Metadata: api.OutcomeMetadata{Framework: fw},
		}
		skipped := 0
		for _, r := range results {
			unit.Duration += r.Duration
			switch r.Status {
			case api.StatusFailed:
				if unit.Status != api.StatusFailed {
					unit.Status = api.StatusFailed
					unit.Error = r.Error
				}
			case api.StatusSkipped, api.StatusPending:
				skipped++
			}
		}
		if unit.Status == api.StatusPassed && skipped == len(results) {
			unit.Status = api.StatusSkipped
		}
		return api.NormalizeOutcome(unit)
	}

	for _, r := range results {
		if r.ID == c.ID || r.FullName == c.Name || r.Name == c.Name {
			return r
		}
	}
	return syntheticFailure(c, fw, fmt.Sprintf("test %q was not reported by the run", c.Name), elapsed)
}

// runIDPattern matches the uuid run IDs the engine puts into its errors.
var runIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// failureMessage is the error text of a failed run without its run ID, so
// that classifiers see the same text for the same failure.
func failureMessage(err error) string {
	return runIDPattern.ReplaceAllString(err.Error(), "<run>")
}

func syntheticFailure(c Candidate, fw api.Framework, msg string, elapsed time.Duration) api.TestOutcome {
	name := c.Name
	if name == "" {
		name = c.Path
	}
	return api.TestOutcome{
		ID:       c.ID,
		Name:     name,
		FullName: name,
		Status:   api.StatusFailed,
		Duration: elapsed,
		Error:    &api.TestError{Message: msg},
		File:     c.Path,
		Tags:     []string{syntheticTag},
		Metadata: api.OutcomeMetadata{Framework: fw},
	}
}
