package framework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"testrig/internal/api"
)

var jsTestFile = regexp.MustCompile(`\.(test|spec)\.(js|jsx|ts|tsx|mjs|cjs|mts|cts)$`)

// JSRunner covers jest and vitest. Both emit the same JSON report shape and
// both can be driven through a project's own `npm test` script.
type JSRunner struct {
	name api.Framework
	// runArgs are the framework arguments that force a single JSON run.
	runArgs []string
	// binary is the npx package used when no test script exists.
	binary string
}

// NewJest creates the jest framework.
func NewJest() *JSRunner {
	return &JSRunner{
		name:    api.FrameworkJest,
		binary:  "jest",
		runArgs: []string{"--json", "--testLocationInResults"},
	}
}

// NewVitest creates the vitest framework.
func NewVitest() *JSRunner {
	return &JSRunner{
		name:    api.FrameworkVitest,
		binary:  "vitest",
		runArgs: []string{"run", "--reporter=json"},
	}
}

func (j *JSRunner) Name() api.Framework { return j.name }

func (j *JSRunner) IsTestFile(path string) bool {
	if strings.Contains(filepath.ToSlash(path), "/node_modules/") {
		return false
	}
	if jsTestFile.MatchString(path) {
		return true
	}
	dir := filepath.Base(filepath.Dir(path))
	ext := filepath.Ext(path)
	return dir == "__tests__" && (ext == ".js" || ext == ".ts" || ext == ".jsx" || ext == ".tsx")
}

// BuildCommand delegates to `npm test --` when package.json in the working
// directory defines a test script, and calls the runner through npx otherwise.
func (j *JSRunner) BuildCommand(req api.RunRequest) (CommandSpec, error) {
	script, err := testScript(req.Dir)
	if err != nil {
		return CommandSpec{}, err
	}

	args := append([]string(nil), j.runArgs...)
	if j.name == api.FrameworkVitest && strings.Contains(script, "vitest run") {
		// the script already selects run mode
		args = args[1:]
	}
	if req.Coverage {
		args = append(args, "--coverage")
	}
	switch {
	case req.TestName != "":
		args = append(args, "-t", regexp.QuoteMeta(req.TestName))
	case req.Pattern != "":
		args = append(args, "-t", req.Pattern)
	}
	if len(req.Files) > 0 {
		args = append(args, req.Files...)
	} else if req.TestPath != "" {
		args = append(args, req.TestPath)
	}

	spec := CommandSpec{
		Dir: req.Dir,
		Env: map[string]string{
			"CI":          "true",
			"FORCE_COLOR": "0",
		},
	}
	if script != "" {
		spec.Executable = "npm"
		spec.Args = append([]string{"test", "--silent", "--"}, args...)
	} else {
		spec.Executable = "npx"
		spec.Args = append([]string{j.binary}, args...)
	}
	return spec, nil
}

// testScript returns scripts.test from package.json in dir, or "" when absent.
func testScript(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read package.json: %w", err)
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", fmt.Errorf("failed to parse package.json in %s: %w", dir, err)
	}
	script := strings.TrimSpace(pkg.Scripts["test"])
	// npm init writes a placeholder that always fails
	if strings.Contains(script, "no test specified") {
		return "", nil
	}
	return script, nil
}

// jsReport is the JSON report shared by jest and vitest.
type jsReport struct {
	NumFailedTests  int            `json:"numFailedTests"`
	NumPassedTests  int            `json:"numPassedTests"`
	NumPendingTests int            `json:"numPendingTests"`
	NumTotalTests   int            `json:"numTotalTests"`
	Success         bool           `json:"success"`
	TestResults     []jsFileResult `json:"testResults"`
}

type jsFileResult struct {
	Name             string              `json:"name"`
	Status           string              `json:"status"`
	Message          string              `json:"message"`
	AssertionResults []jsAssertionResult `json:"assertionResults"`
}

type jsAssertionResult struct {
	AncestorTitles  []string    `json:"ancestorTitles"`
	FullName        string      `json:"fullName"`
	Status          string      `json:"status"`
	Title           string      `json:"title"`
	Duration        *float64    `json:"duration"`
	FailureMessages []string    `json:"failureMessages"`
	Location        *jsLocation `json:"location"`
}

type jsLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

var (
	ansiEscape    = regexp.MustCompile("\x1b\\[[0-9;]*m")
	expectedLine  = regexp.MustCompile(`(?m)^\s*Expected(?: value)?:\s*(.+)$`)
	receivedLine  = regexp.MustCompile(`(?m)^\s*Received(?: value)?:\s*(.+)$`)
	stackFrameAt  = regexp.MustCompile(`(?m)^\s+at `)
	diffMarkerTop = regexp.MustCompile(`(?m)^\s*- Expected`)
)

// ParseOutput finds the JSON report in stdout (npm may print a banner first)
// and converts every assertion into an outcome.
func (j *JSRunner) ParseOutput(stdout, stderr []byte) ([]api.TestOutcome, error) {
	report, err := extractReport(stdout)
	if err != nil {
		return nil, &ParseError{
			Framework: j.name,
			Message:   err.Error(),
			Action:    "Ensure the runner prints its JSON report to stdout and that the test script forwards extra arguments.",
		}
	}

	var outcomes []api.TestOutcome
	for i, file := range report.TestResults {
		if file.Name == "" {
			return nil, &ParseError{
				Framework: j.name,
				Message:   fmt.Sprintf("testResults[%d].name is missing or empty", i),
				Action:    "Each test result must have a 'name' field containing the file path.",
			}
		}

		if len(file.AssertionResults) == 0 && file.Status == "failed" {
			// The suite itself failed to load.
			msg := cleanMessage(file.Message)
			outcomes = append(outcomes, newOutcome(j.name, api.TestOutcome{
				ID:       file.Name,
				Name:     filepath.Base(file.Name),
				FullName: file.Name,
				Status:   api.StatusFailed,
				File:     file.Name,
				Error:    &api.TestError{Message: firstNonEmpty(msg), Stack: msg},
				Tags:     []string{"suite"},
			}))
			continue
		}

		for k, a := range file.AssertionResults {
			fullName := a.FullName
			if fullName == "" {
				fullName = strings.TrimSpace(strings.Join(append(append([]string{}, a.AncestorTitles...), a.Title), " "))
			}
			if fullName == "" {
				return nil, &ParseError{
					Framework: j.name,
					Message:   fmt.Sprintf("testResults[%d].assertionResults[%d] has no name", i, k),
					Action:    "Each assertion result must have a 'fullName' or 'title' field.",
				}
			}

			status, ok := mapJSStatus(a.Status)
			if !ok {
				return nil, &ParseError{
					Framework: j.name,
					Message:   fmt.Sprintf("testResults[%d].assertionResults[%d].status has unknown value: %q", i, k, a.Status),
					Action:    "Expected: 'passed', 'failed', 'pending', 'skipped', 'todo' or 'disabled'.",
				}
			}

			o := api.TestOutcome{
				ID:        file.Name + "::" + fullName,
				Name:      a.Title,
				FullName:  fullName,
				Status:    status,
				File:      file.Name,
				SuitePath: a.AncestorTitles,
			}
			if o.Name == "" {
				o.Name = fullName
			}
			if a.Duration != nil {
				o.Duration = time.Duration(*a.Duration * float64(time.Millisecond))
			}
			if a.Location != nil {
				o.Line = a.Location.Line
			}
			if status == api.StatusFailed {
				o.Error = jsFailure(a.FailureMessages)
			}
			outcomes = append(outcomes, newOutcome(j.name, o))
		}
	}
	return outcomes, nil
}

func extractReport(stdout []byte) (*jsReport, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("output is empty")
	}

	// The report is the last object a runner prints, so lines that open a
	// JSON object are tried from the end.
	var starts []int
	for i, c := range stdout {
		if c == '{' && (i == 0 || stdout[i-1] == '\n') {
			starts = append(starts, i)
		}
	}

	var firstErr error
	for i := len(starts) - 1; i >= 0; i-- {
		var report jsReport
		dec := json.NewDecoder(bytes.NewReader(stdout[starts[i]:]))
		err := dec.Decode(&report)
		if err == nil && report.TestResults != nil {
			return &report, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("invalid JSON report: %v", firstErr)
	}
	return nil, fmt.Errorf("no JSON report found in output")
}

func mapJSStatus(status string) (api.TestStatus, bool) {
	switch status {
	case "passed":
		return api.StatusPassed, true
	case "failed":
		return api.StatusFailed, true
	case "pending":
		return api.StatusPending, true
	case "skipped", "todo", "disabled":
		return api.StatusSkipped, true
	default:
		return "", false
	}
}

func jsFailure(messages []string) *api.TestError {
	full := cleanMessage(strings.Join(messages, "\n"))
	te := &api.TestError{Stack: full}

	// The message is everything before the first stack frame.
	msg := full
	if loc := stackFrameAt.FindStringIndex(full); loc != nil {
		msg = full[:loc[0]]
	}
	te.Message = strings.TrimSpace(msg)
	if te.Message == "" {
		te.Message = firstNonEmpty(full)
	}

	if m := expectedLine.FindStringSubmatch(full); m != nil {
		te.Expected = strings.TrimSpace(m[1])
	}
	if m := receivedLine.FindStringSubmatch(full); m != nil {
		te.Actual = strings.TrimSpace(m[1])
	}
	if loc := diffMarkerTop.FindStringIndex(full); loc != nil {
		diff := full[loc[0]:]
		if end := stackFrameAt.FindStringIndex(diff); end != nil {
			diff = diff[:end[0]]
		}
		te.Diff = strings.TrimSpace(diff)
	}
	return te
}

func cleanMessage(s string) string {
	return strings.TrimSpace(ansiEscape.ReplaceAllString(s, ""))
}
