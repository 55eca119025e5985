package framework

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"testrig/internal/api"
)

// GoTest runs `go test -json` and parses its event stream.
type GoTest struct{}

// NewGoTest creates the go test framework.
func NewGoTest() *GoTest {
	return &GoTest{}
}

func (g *GoTest) Name() api.Framework { return api.FrameworkGoTest }

func (g *GoTest) IsTestFile(path string) bool {
	return strings.HasSuffix(path, "_test.go")
}

// BuildCommand produces `go test -json -count=1 [-cover] [-run expr] targets...`.
// The test cache is always bypassed so that repeated runs really execute.
func (g *GoTest) BuildCommand(req api.RunRequest) (CommandSpec, error) {
	args := []string{"test", "-json", "-count=1"}
	if req.Coverage {
		args = append(args, "-cover")
	}
	if req.TestName != "" {
		args = append(args, "-run", anchoredRunExpr(req.TestName))
	} else if req.Pattern != "" {
		args = append(args, "-run", req.Pattern)
	}

	var targets []string
	switch {
	case len(req.Files) > 0:
		targets = g.GroupUnits(req.Files)
	case req.TestPath != "":
		targets = g.GroupUnits([]string{req.TestPath})
	default:
		targets = []string{"./..."}
	}
	args = append(args, targets...)

	return CommandSpec{
		Executable: "go",
		Args:       args,
		Dir:        req.Dir,
	}, nil
}

// GroupUnits maps test files to their package directories, keeping order and
// dropping duplicates. Entries that are not _test.go files pass through.
func (g *GoTest) GroupUnits(files []string) []string {
	seen := make(map[string]bool)
	var units []string
	for _, f := range files {
		unit := f
		if g.IsTestFile(f) {
			unit = filepath.Dir(f)
		}
		unit = packagePath(unit)
		if !seen[unit] {
			seen[unit] = true
			units = append(units, unit)
		}
	}
	return units
}

func packagePath(p string) string {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") {
		return p
	}
	if p == "." {
		return "./"
	}
	return "./" + filepath.ToSlash(p)
}

// anchoredRunExpr matches exactly one test, including subtests given as A/B.
func anchoredRunExpr(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = "^" + regexp.QuoteMeta(p) + "$"
	}
	return strings.Join(parts, "/")
}

// goTestEvent is a single event from go test -json output.
type goTestEvent struct {
	Time       time.Time `json:"Time"`
	Action     string    `json:"Action"`
	Package    string    `json:"Package"`
	ImportPath string    `json:"ImportPath"`
	Test       string    `json:"Test"`
	Elapsed    float64   `json:"Elapsed"`
	Output     string    `json:"Output"`
}

type goTestState struct {
	pkg      string
	name     string
	action   string
	elapsed  float64
	output   []string
	finished bool
}

type goPackageState struct {
	output  []string
	failed  bool
	hasTest bool
}

var goFailureLine = regexp.MustCompile(`^\s+([\w\-.]+_test\.go):(\d+):\s?(.*)$`)

// ParseOutput aggregates the event stream into one outcome per test. Tests
// that started but never finished are reported as running.
func (g *GoTest) ParseOutput(stdout, stderr []byte) ([]api.TestOutcome, error) {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	tests := make(map[string]*goTestState)
	var order []string
	packages := make(map[string]*goPackageState)
	var pkgOrder []string
	events, malformed := 0, 0

	pkgState := func(name string) *goPackageState {
		if p, ok := packages[name]; ok {
			return p
		}
		p := &goPackageState{}
		packages[name] = p
		pkgOrder = append(pkgOrder, name)
		return p
	}

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e goTestEvent
		if line[0] != '{' || json.Unmarshal(line, &e) != nil {
			malformed++
			continue
		}
		events++

		switch e.Action {
		case "build-output":
			p := pkgState(e.ImportPath)
			p.output = append(p.output, strings.TrimRight(e.Output, "\n"))
			continue
		case "build-fail":
			pkgState(e.ImportPath).failed = true
			continue
		}

		if e.Test == "" {
			p := pkgState(e.Package)
			switch e.Action {
			case "output":
				p.output = append(p.output, strings.TrimRight(e.Output, "\n"))
			case "fail":
				p.failed = true
			}
			continue
		}

		pkgState(e.Package).hasTest = true
		key := e.Package + "::" + e.Test
		ts, ok := tests[key]
		if !ok {
			ts = &goTestState{pkg: e.Package, name: e.Test}
			tests[key] = ts
			order = append(order, key)
		}

		switch e.Action {
		case "output":
			ts.output = append(ts.output, strings.TrimRight(e.Output, "\n"))
		case "pass", "fail", "skip":
			ts.action = e.Action
			ts.elapsed = e.Elapsed
			ts.finished = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{
			Framework: api.FrameworkGoTest,
			Message:   fmt.Sprintf("failed to scan output: %v", err),
			Action:    "Output lines may exceed 1MB; reduce verbose logging in the tests.",
		}
	}
	if events == 0 && malformed > 0 {
		return nil, &ParseError{
			Framework: api.FrameworkGoTest,
			Message:   fmt.Sprintf("no JSON events in %d output lines", malformed),
			Action:    "Ensure the command ran with -json and that nothing else writes to stdout.",
		}
	}

	outcomes := make([]api.TestOutcome, 0, len(order))
	for _, key := range order {
		outcomes = append(outcomes, g.toOutcome(key, tests[key]))
	}

	// Packages that failed without running a test did not build.
	for _, name := range pkgOrder {
		p := packages[name]
		if !p.failed || p.hasTest {
			continue
		}
		msg := strings.TrimSpace(strings.Join(p.output, "\n"))
		if msg == "" {
			msg = "package failed without running tests"
		}
		outcomes = append(outcomes, newOutcome(api.FrameworkGoTest, api.TestOutcome{
			ID:       name,
			Name:     name,
			FullName: name,
			Status:   api.StatusFailed,
			File:     name,
			Error:    &api.TestError{Message: firstNonEmpty(msg), Stack: msg},
			Tags:     []string{"build"},
		}))
	}

	return outcomes, nil
}

func (g *GoTest) toOutcome(key string, ts *goTestState) api.TestOutcome {
	segments := strings.Split(ts.name, "/")
	o := api.TestOutcome{
		ID:       key,
		Name:     segments[len(segments)-1],
		FullName: ts.name,
		File:     ts.pkg,
		Duration: time.Duration(ts.elapsed * float64(time.Second)),
	}
	if len(segments) > 1 {
		o.SuitePath = segments[:len(segments)-1]
	}

	switch {
	case !ts.finished:
		o.Status = api.StatusRunning
	case ts.action == "pass":
		o.Status = api.StatusPassed
	case ts.action == "skip":
		o.Status = api.StatusSkipped
	default:
		o.Status = api.StatusFailed
		o.Error = goFailure(ts.output)
		for _, l := range ts.output {
			if m := goFailureLine.FindStringSubmatch(l); m != nil {
				o.File = filepath.Join(ts.pkg, m[1])
				o.Line, _ = strconv.Atoi(m[2])
				break
			}
		}
	}
	return newOutcome(api.FrameworkGoTest, o)
}

// goFailure extracts the assertion messages from a failed test's output.
func goFailure(output []string) *api.TestError {
	var messages []string
	var stack []string
	for _, l := range output {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || strings.HasPrefix(trimmed, "=== ") || strings.HasPrefix(trimmed, "--- ") {
			continue
		}
		stack = append(stack, l)
		if m := goFailureLine.FindStringSubmatch(l); m != nil {
			messages = append(messages, m[3])
		}
	}

	full := strings.Join(stack, "\n")
	msg := strings.Join(messages, "\n")
	if msg == "" {
		msg = firstNonEmpty(full)
	}
	if msg == "" {
		msg = "test failed"
	}

	te := &api.TestError{Message: msg, Stack: full}
	for _, l := range stack {
		t := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(t, "expected:") && te.Expected == "":
			te.Expected = strings.TrimSpace(strings.TrimPrefix(t, "expected:"))
		case strings.HasPrefix(t, "actual") && te.Actual == "":
			te.Actual = strings.TrimSpace(t[strings.IndexByte(t, ':')+1:])
		case strings.HasPrefix(t, "Diff:") && te.Diff == "":
			te.Diff = strings.TrimSpace(strings.TrimPrefix(t, "Diff:"))
		}
	}
	return te
}

func firstNonEmpty(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			return t
		}
	}
	return ""
}
