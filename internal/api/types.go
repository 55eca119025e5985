package api

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Framework identifies a supported test framework.
type Framework string

const (
	FrameworkGoTest Framework = "gotest"
	FrameworkJest   Framework = "jest"
	FrameworkVitest Framework = "vitest"
)

// RunRequest describes a single test execution. It is treated as immutable
// once handed to the engine; derived requests are built from a Clone.
type RunRequest struct {
	// Framework selects the command builder and result parser.
	Framework Framework `json:"framework" yaml:"framework" validate:"required"`

	// TestPath is a file, directory or package pattern to run.
	TestPath string `json:"testPath,omitempty" yaml:"testPath,omitempty" validate:"omitempty,max=4096"`

	// TestName narrows the run to one test (framework name filter).
	TestName string `json:"testName,omitempty" yaml:"testName,omitempty" validate:"omitempty,max=1024"`

	// Pattern is a free-form name pattern passed to the framework filter.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty" validate:"omitempty,max=1024"`

	// Files is an explicit file list. Parallel chunks and watch re-runs use it.
	Files []string `json:"files,omitempty" yaml:"files,omitempty" validate:"omitempty,dive,required"`

	// Dir is the working directory of the spawned process. Empty means the
	// current directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	Watch    bool `json:"watch,omitempty" yaml:"watch,omitempty"`
	Coverage bool `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`

	MaxWorkers int `json:"maxWorkers,omitempty" yaml:"maxWorkers,omitempty" validate:"gte=0"`

	// Timeout bounds the run. Zero selects the configured default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`

	// Env is overlaid on the inherited environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Clone returns a deep copy of the request.
func (r RunRequest) Clone() RunRequest {
	c := r
	c.Files = slices.Clone(r.Files)
	if r.Env != nil {
		c.Env = maps.Clone(r.Env)
	}
	return c
}

// TestStatus is the outcome of a single test.
type TestStatus string

const (
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
	StatusPending TestStatus = "pending"
	StatusRunning TestStatus = "running"
)

// TestError carries failure details of a failed test.
type TestError struct {
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

// OutcomeMetadata is per-run information attached to an outcome.
type OutcomeMetadata struct {
	Framework  Framework `json:"framework"`
	RetryCount int       `json:"retryCount,omitempty"`
	Flaky      bool      `json:"flaky,omitempty"`
	Slow       bool      `json:"slow,omitempty"`
}

// TestOutcome is the result of one test in one execution. Outcomes are never
// mutated after creation; flakiness is derived by comparing several of them.
type TestOutcome struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	FullName  string          `json:"fullName"`
	Status    TestStatus      `json:"status"`
	Duration  time.Duration   `json:"duration"`
	Error     *TestError      `json:"error,omitempty"`
	File      string          `json:"file,omitempty"`
	Line      int             `json:"line,omitempty"`
	SuitePath []string        `json:"suitePath,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Metadata  OutcomeMetadata `json:"metadata"`
}

// Validate checks the structural invariants of an outcome.
func (o TestOutcome) Validate() error {
	if o.Duration < 0 {
		return fmt.Errorf("test %q has negative duration %s", o.FullName, o.Duration)
	}
	if o.Status == StatusFailed && o.Error == nil {
		return fmt.Errorf("failed test %q has no error", o.FullName)
	}
	if o.Status != StatusFailed && o.Error != nil {
		return fmt.Errorf("test %q with status %s carries an error", o.FullName, o.Status)
	}
	return nil
}

// NormalizeOutcome enforces the failed-iff-error rule on parsed output.
func NormalizeOutcome(o TestOutcome) TestOutcome {
	if o.Duration < 0 {
		o.Duration = 0
	}
	switch {
	case o.Status == StatusFailed && o.Error == nil:
		o.Error = &TestError{Message: "test failed without a reported message"}
	case o.Status != StatusFailed && o.Error != nil:
		o.Error = nil
	}
	return o
}

// RunStatus is the lifecycle state of an execution handle.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunTimeout
}

// RunSnapshot is a read-only view of an execution handle.
type RunSnapshot struct {
	RunID     string        `json:"runId"`
	PID       int           `json:"pid,omitempty"`
	Framework Framework     `json:"framework"`
	Request   RunRequest    `json:"request"`
	Status    RunStatus     `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt,omitzero"`
	Results   []TestOutcome `json:"results"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	ParentID  string        `json:"parentId,omitempty"`
	Children  []string      `json:"children,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Summary counts outcomes by status.
type Summary struct {
	Total   int           `json:"total"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
	Pending int           `json:"pending"`
	Elapsed time.Duration `json:"elapsed"`
}

// Summarize builds a Summary over a result list.
func Summarize(results []TestOutcome) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusPending:
			s.Pending++
		}
		s.Elapsed += r.Duration
	}
	return s
}
