package framework

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"testrig/internal/api"
)

// SlowThreshold marks outcomes whose duration exceeds it as slow.
const SlowThreshold = 5 * time.Second

// MaxLineSize bounds a single line of runner output. JSON reporters print
// the whole report on one line.
const MaxLineSize = 64 * 1024 * 1024

// CommandSpec is a fully resolved command line for one test run.
type CommandSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        map[string]string
}

// String renders the command for logs.
func (c CommandSpec) String() string {
	s := c.Executable
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// Framework builds commands for and parses output of one test framework.
type Framework interface {
	// Name returns the identifier used in run requests.
	Name() api.Framework

	// BuildCommand resolves the command line for req.
	BuildCommand(req api.RunRequest) (CommandSpec, error)

	// ParseOutput converts captured output into outcomes. It must tolerate
	// truncated output from runs that were stopped or timed out.
	ParseOutput(stdout, stderr []byte) ([]api.TestOutcome, error)

	// IsTestFile reports whether path names a test file of this framework.
	IsTestFile(path string) bool
}

// UnitGrouper is implemented by frameworks that run tests per unit (such as a
// Go package) rather than per file. Parallel chunks are built from units.
type UnitGrouper interface {
	GroupUnits(files []string) []string
}

// ParseError provides actionable error information for parsing failures.
type ParseError struct {
	Framework api.Framework
	Message   string
	Action    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s output: %s. %s", e.Framework, e.Message, e.Action)
}

// Registry is the lookup table from framework name to implementation.
type Registry struct {
	mu         sync.RWMutex
	frameworks map[api.Framework]Framework
}

// NewRegistry creates a registry containing the given frameworks.
func NewRegistry(frameworks ...Framework) *Registry {
	r := &Registry{frameworks: make(map[api.Framework]Framework)}
	for _, f := range frameworks {
		r.Register(f)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in framework.
func DefaultRegistry() *Registry {
	return NewRegistry(NewGoTest(), NewJest(), NewVitest())
}

// Register adds or replaces a framework.
func (r *Registry) Register(f Framework) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameworks[f.Name()] = f
}

// Get returns the framework registered under name.
func (r *Registry) Get(name api.Framework) (Framework, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frameworks[name]
	if !ok {
		return nil, api.NewFrameworkNotFoundError(string(name))
	}
	return f, nil
}

// Names returns all registered framework names, sorted.
func (r *Registry) Names() []api.Framework {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]api.Framework, 0, len(r.frameworks))
	for n := range r.frameworks {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func newOutcome(fw api.Framework, o api.TestOutcome) api.TestOutcome {
	o.Metadata.Framework = fw
	o.Metadata.Slow = o.Duration > SlowThreshold
	return api.NormalizeOutcome(o)
}
