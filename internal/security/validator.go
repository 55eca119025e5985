package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"testrig/internal/api"
	"testrig/pkg/logging"
)

// requestValidate checks the struct tags on api.RunRequest.
var requestValidate = validator.New()

// Limits are the resource limits enforced on run requests.
type Limits struct {
	MaxTestDuration        time.Duration   `json:"maxTestDuration" yaml:"maxTestDuration"`
	AllowedFrameworks      []api.Framework `json:"allowedFrameworks" yaml:"allowedFrameworks"`
	MaxWorkers             int             `json:"maxWorkers" yaml:"maxWorkers"`
	MaxConcurrentProcesses int             `json:"maxConcurrentProcesses" yaml:"maxConcurrentProcesses"`

	// SpawnRate is the sustained number of process spawns per second.
	// Zero disables spawn rate limiting.
	SpawnRate  float64 `json:"spawnRate" yaml:"spawnRate"`
	SpawnBurst int     `json:"spawnBurst" yaml:"spawnBurst"`

	// Advisory caps reported to callers; not enforced on the child process.
	MaxCPUPercent int `json:"maxCPUPercent" yaml:"maxCPUPercent"`
	MaxMemoryMB   int `json:"maxMemoryMB" yaml:"maxMemoryMB"`
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxTestDuration:        10 * time.Minute,
		AllowedFrameworks:      []api.Framework{api.FrameworkGoTest, api.FrameworkJest, api.FrameworkVitest},
		MaxWorkers:             16,
		MaxConcurrentProcesses: 32,
		SpawnRate:              10,
		SpawnBurst:             20,
		MaxCPUPercent:          80,
		MaxMemoryMB:            2048,
	}
}

// ValidationResult is the outcome of ValidateExecution.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err converts an invalid result into an *api.ValidationError.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return api.NewValidationError(r.Errors...)
}

// Validator is the security collaborator of the execution engine.
type Validator interface {
	ValidateExecution(req api.RunRequest) ValidationResult
	RegisterProcess(pid int, framework api.Framework) error
	UnregisterProcess(pid int)
	Limits() Limits
}

// SpawnGate is optionally implemented by validators that throttle spawns.
type SpawnGate interface {
	WaitSpawn(ctx context.Context) error
}

// ProcessInfo describes a registered child process.
type ProcessInfo struct {
	PID       int           `json:"pid"`
	Framework api.Framework `json:"framework"`
	StartedAt time.Time     `json:"startedAt"`
}

// ErrProcessLimit is returned by RegisterProcess when the concurrent process cap is reached.
var ErrProcessLimit = errors.New("concurrent process limit reached")

var (
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// Characters with shell meaning. Arguments are never passed through a
	// shell, but npm scripts forward them to one.
	shellMeta = ";&|`$<>\n\r\x00"

	blockedEnv = map[string]bool{
		"LD_PRELOAD":            true,
		"LD_AUDIT":              true,
		"LD_LIBRARY_PATH":       true,
		"DYLD_INSERT_LIBRARIES": true,
		"DYLD_LIBRARY_PATH":     true,
		"PATH":                  true,
		"NODE_OPTIONS":          true,
	}
)

// DefaultValidator enforces Limits and keeps a registry of live processes.
type DefaultValidator struct {
	limits  Limits
	limiter *rate.Limiter

	mu        sync.Mutex
	processes map[int]ProcessInfo
}

// NewDefaultValidator creates a validator for the given limits.
func NewDefaultValidator(limits Limits) *DefaultValidator {
	v := &DefaultValidator{
		limits:    limits,
		processes: make(map[int]ProcessInfo),
	}
	if limits.SpawnRate > 0 {
		burst := limits.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(rate.Limit(limits.SpawnRate), burst)
	}
	return v
}

// Limits returns the configured limits.
func (v *DefaultValidator) Limits() Limits {
	l := v.limits
	l.AllowedFrameworks = slices.Clone(v.limits.AllowedFrameworks)
	return l
}

// ValidateExecution checks req against the struct rules and the limits. All
// problems are collected rather than stopping at the first.
func (v *DefaultValidator) ValidateExecution(req api.RunRequest) ValidationResult {
	var problems []string

	if err := requestValidate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q rule", fe.Field(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if req.Framework != "" && len(v.limits.AllowedFrameworks) > 0 && !slices.Contains(v.limits.AllowedFrameworks, req.Framework) {
		problems = append(problems, fmt.Sprintf("framework %q is not allowed", req.Framework))
	}

	problems = append(problems, checkPath("testPath", req.TestPath)...)
	for i, f := range req.Files {
		problems = append(problems, checkPath(fmt.Sprintf("files[%d]", i), f)...)
	}
	if strings.ContainsAny(req.TestName, shellMeta) {
		problems = append(problems, "testName contains shell metacharacters")
	}
	if strings.ContainsAny(req.Pattern, "\n\r\x00") {
		problems = append(problems, "pattern contains control characters")
	}

	for k := range req.Env {
		switch {
		case !envKeyPattern.MatchString(k):
			problems = append(problems, fmt.Sprintf("env key %q is invalid", k))
		case blockedEnv[strings.ToUpper(k)]:
			problems = append(problems, fmt.Sprintf("env key %q may not be overridden", k))
		}
	}
	for k, val := range req.Env {
		if strings.ContainsRune(val, 0) {
			problems = append(problems, fmt.Sprintf("env value of %q contains a NUL byte", k))
		}
	}

	if v.limits.MaxWorkers > 0 && req.MaxWorkers > v.limits.MaxWorkers {
		problems = append(problems, fmt.Sprintf("maxWorkers %d exceeds limit %d", req.MaxWorkers, v.limits.MaxWorkers))
	}
	if v.limits.MaxTestDuration > 0 && req.Timeout > v.limits.MaxTestDuration {
		problems = append(problems, fmt.Sprintf("timeout %s exceeds limit %s", req.Timeout, v.limits.MaxTestDuration))
	}

	if req.Dir != "" {
		info, err := os.Stat(req.Dir)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("dir %q does not exist", req.Dir))
		case !info.IsDir():
			problems = append(problems, fmt.Sprintf("dir %q is not a directory", req.Dir))
		}
	}

	if v.limits.MaxConcurrentProcesses > 0 && v.ProcessCount() >= v.limits.MaxConcurrentProcesses {
		problems = append(problems, fmt.Sprintf("%d test processes already running", v.ProcessCount()))
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		logging.Debug("Security", "Rejected %s request: %s", req.Framework, strings.Join(problems, "; "))
		return ValidationResult{Valid: false, Errors: problems}
	}
	return ValidationResult{Valid: true}
}

func checkPath(field, p string) []string {
	if p == "" {
		return nil
	}
	var problems []string
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			problems = append(problems, fmt.Sprintf("%s %q escapes the working directory", field, p))
			break
		}
	}
	if strings.ContainsAny(p, shellMeta) {
		problems = append(problems, fmt.Sprintf("%s %q contains shell metacharacters", field, p))
	}
	return problems
}

// WaitSpawn blocks until the spawn rate limiter admits one more process.
func (v *DefaultValidator) WaitSpawn(ctx context.Context) error {
	if v.limiter == nil {
		return nil
	}
	return v.limiter.Wait(ctx)
}

// RegisterProcess records a live child process.
func (v *DefaultValidator) RegisterProcess(pid int, framework api.Framework) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.limits.MaxConcurrentProcesses > 0 && len(v.processes) >= v.limits.MaxConcurrentProcesses {
		return fmt.Errorf("register pid %d: %w", pid, ErrProcessLimit)
	}
	v.processes[pid] = ProcessInfo{PID: pid, Framework: framework, StartedAt: time.Now()}
	return nil
}

// UnregisterProcess forgets a child process. Unknown pids are ignored.
func (v *DefaultValidator) UnregisterProcess(pid int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.processes, pid)
}

// ProcessCount returns the number of registered processes.
func (v *DefaultValidator) ProcessCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.processes)
}

// Processes returns the registered processes ordered by pid.
func (v *DefaultValidator) Processes() []ProcessInfo {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]ProcessInfo, 0, len(v.processes))
	for _, p := range v.processes {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b ProcessInfo) int { return a.PID - b.PID })
	return out
}
