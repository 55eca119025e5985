package execution

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"testrig/internal/api"
	"testrig/internal/events"
	"testrig/internal/framework"
	"testrig/internal/security"
)

const fakeFramework api.Framework = "fake"

// lineFramework understands lines of the form "PASS name" and "FAIL name".
// Test files end in ".t".
type lineFramework struct {
	command *framework.CommandSpec
}

func (f *lineFramework) Name() api.Framework { return fakeFramework }

func (f *lineFramework) IsTestFile(path string) bool { return strings.HasSuffix(path, ".t") }

func (f *lineFramework) BuildCommand(req api.RunRequest) (framework.CommandSpec, error) {
	if f.command != nil {
		spec := *f.command
		spec.Dir = req.Dir
		return spec, nil
	}
	args := req.Files
	if len(args) == 0 && req.TestPath != "" {
		args = []string{req.TestPath}
	}
	return framework.CommandSpec{
		Executable: "fake",
		Args:       args,
		Dir:        req.Dir,
		Env:        map[string]string{"CI": "true"},
	}, nil
}

func (f *lineFramework) ParseOutput(stdout, _ []byte) ([]api.TestOutcome, error) {
	if strings.TrimSpace(string(stdout)) == "" {
		return nil, &framework.ParseError{Framework: fakeFramework, Message: "no output"}
	}
	var out []api.TestOutcome
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		if line == "" {
			continue
		}
		status, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, &framework.ParseError{Framework: fakeFramework, Message: "bad line " + line}
		}
		o := api.TestOutcome{ID: name, Name: name, FullName: name, Metadata: api.OutcomeMetadata{Framework: fakeFramework}}
		switch status {
		case "PASS":
			o.Status = api.StatusPassed
		case "FAIL":
			o.Status = api.StatusFailed
			o.Error = &api.TestError{Message: "failed"}
		default:
			return nil, &framework.ParseError{Framework: fakeFramework, Message: "bad status " + status}
		}
		out = append(out, o)
	}
	return out, nil
}

// fakeBehavior drives one fake process.
type fakeBehavior func(req SpawnRequest, p *fakeProcess)

// emit prints lines and exits with code.
func emit(code int, lines ...string) fakeBehavior {
	return func(req SpawnRequest, p *fakeProcess) {
		for _, l := range lines {
			fmt.Fprintln(req.Stdout, l)
		}
		p.exit(code)
	}
}

// passArgs prints a PASS line per argument after delay.
func passArgs(delay time.Duration) fakeBehavior {
	return func(req SpawnRequest, p *fakeProcess) {
		time.Sleep(delay)
		for _, a := range req.Command.Args {
			fmt.Fprintln(req.Stdout, "PASS "+a)
		}
		p.exit(0)
	}
}

// hang prints lines and runs until signalled.
func hang(lines ...string) fakeBehavior {
	return func(req SpawnRequest, p *fakeProcess) {
		for _, l := range lines {
			fmt.Fprintln(req.Stdout, l)
		}
	}
}

type fakeProcess struct {
	pid        int
	ignoreTerm bool
	done       chan struct{}
	once       sync.Once
	code       int
	onExit     func()

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		if p.onExit != nil {
			p.onExit()
		}
		close(p.done)
	})
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
	return nil
}

type fakeSpawner struct {
	behavior   fakeBehavior
	ignoreTerm bool
	fail       func(req SpawnRequest) error

	mu        sync.Mutex
	nextPID   int
	requests  []SpawnRequest
	processes []*fakeProcess
	active    int
	maxActive int
}

func newFakeSpawner(b fakeBehavior) *fakeSpawner {
	return &fakeSpawner{behavior: b, nextPID: 1000}
}

func (s *fakeSpawner) Spawn(req SpawnRequest) (Process, error) {
	if s.fail != nil {
		if err := s.fail(req); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.nextPID++
	p := &fakeProcess{pid: s.nextPID, ignoreTerm: s.ignoreTerm, done: make(chan struct{})}
	p.onExit = func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}
	s.requests = append(s.requests, req)
	s.processes = append(s.processes, p)
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	s.mu.Unlock()

	go s.behavior(req, p)
	return p, nil
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSpawner) peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func testLimits() security.Limits {
	limits := security.DefaultLimits()
	limits.AllowedFrameworks = append(limits.AllowedFrameworks, fakeFramework)
	limits.SpawnRate = 0
	return limits
}

func newTestEngine(t *testing.T, spawner Spawner, fw framework.Framework, mutate ...func(*Config)) (*Engine, *security.DefaultValidator) {
	t.Helper()

	if fw == nil {
		fw = &lineFramework{}
	}
	config := Config{
		DefaultTimeout:  5 * time.Second,
		KillGracePeriod: 50 * time.Millisecond,
		Retention:       time.Minute,
		MaxWorkers:      2,
		WatchDebounce:   10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&config)
	}

	validator := security.NewDefaultValidator(testLimits())
	engine := NewEngine(config, Options{
		Registry:  framework.NewRegistry(fw),
		Validator: validator,
		Spawner:   spawner,
	})
	return engine, validator
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.ExecutionEvent
}

func (r *eventRecorder) record(e events.ExecutionEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) reasons(runID string) []events.EventReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventReason
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e.Reason)
		}
	}
	return out
}

var errSpawn = errors.New("exec: \"fake\": executable file not found in $PATH")
