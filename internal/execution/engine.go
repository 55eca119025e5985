package execution

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"testrig/internal/api"
	"testrig/internal/events"
	"testrig/internal/framework"
	"testrig/internal/security"
	"testrig/pkg/logging"
)

func tracer() trace.Tracer { return otel.Tracer("testrig.execution") }

// Config holds the engine settings.
type Config struct {
	// DefaultTimeout applies to requests without a timeout.
	DefaultTimeout time.Duration

	// KillGracePeriod is the time between the graceful signal and the forced
	// kill on stop and timeout.
	KillGracePeriod time.Duration

	// Retention is how long a finished handle stays queryable.
	Retention time.Duration

	// MaxWorkers is used for parallel requests that do not set maxWorkers.
	MaxWorkers int

	// WatchDebounce coalesces bursts of file changes in watch mode.
	WatchDebounce time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  5 * time.Minute,
		KillGracePeriod: 5 * time.Second,
		Retention:       60 * time.Second,
		MaxWorkers:      runtime.NumCPU(),
		WatchDebounce:   300 * time.Millisecond,
	}
}

// Options carries the collaborators of an Engine. Nil fields take defaults.
type Options struct {
	Registry  *framework.Registry
	Validator security.Validator
	Spawner   Spawner
	Impact    framework.ImpactAnalyzer
	Watcher   WatcherFactory
}

// Engine spawns, supervises and parses test runs. Every run is tracked by a
// handle in the active-handle table until its retention window expires.
type Engine struct {
	config    Config
	registry  *framework.Registry
	validator security.Validator
	spawner   Spawner
	impact    framework.ImpactAnalyzer
	watcher   WatcherFactory
	events    *events.Broadcaster[events.ExecutionEvent]

	mu      sync.RWMutex
	handles map[string]*handle
}

// NewEngine creates an engine.
func NewEngine(config Config, opts Options) *Engine {
	defaults := DefaultConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.KillGracePeriod <= 0 {
		config.KillGracePeriod = defaults.KillGracePeriod
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaults.MaxWorkers
	}
	if config.WatchDebounce <= 0 {
		config.WatchDebounce = defaults.WatchDebounce
	}

	if opts.Registry == nil {
		opts.Registry = framework.DefaultRegistry()
	}
	if opts.Validator == nil {
		opts.Validator = security.NewDefaultValidator(security.DefaultLimits())
	}
	if opts.Spawner == nil {
		opts.Spawner = NewOSSpawner()
	}
	if opts.Impact == nil {
		opts.Impact = framework.DirectoryImpact{}
	}
	if opts.Watcher == nil {
		opts.Watcher = NewFSWatcher
	}

	return &Engine{
		config:    config,
		registry:  opts.Registry,
		validator: opts.Validator,
		spawner:   opts.Spawner,
		impact:    opts.Impact,
		watcher:   opts.Watcher,
		events:    events.NewBroadcaster[events.ExecutionEvent]("execution"),
		handles:   make(map[string]*handle),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Subscribe registers a listener for run lifecycle events.
func (e *Engine) Subscribe(l func(events.ExecutionEvent)) (unsubscribe func()) {
	return e.events.Subscribe(l)
}

// Execute validates req and runs it to completion.
//
// A request that fails validation returns an *api.ValidationError and never
// spawns a process. A run that exceeds its deadline returns the outcomes
// parsed so far together with an *api.TimeoutError. A process that cannot
// start, or that fails without producing parseable output, returns an
// *api.ProcessError. A non-zero exit code on its own is not an error: it is
// how test frameworks report failing tests.
func (e *Engine) Execute(ctx context.Context, req api.RunRequest) ([]api.TestOutcome, error) {
	ctx, span := tracer().Start(ctx, "execution.Execute", trace.WithAttributes(
		attribute.String("run.framework", string(req.Framework)),
		attribute.Bool("run.parallel", req.Parallel),
	))
	defer span.End()

	results, err := e.execute(ctx, req, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("run.results", len(results)))
	return results, err
}

func (e *Engine) execute(ctx context.Context, req api.RunRequest, validate bool) ([]api.TestOutcome, error) {
	if validate {
		if res := e.validator.ValidateExecution(req); !res.Valid {
			return nil, res.Err()
		}
	}

	fw, err := e.registry.Get(req.Framework)
	if err != nil {
		return nil, err
	}

	req = req.Clone()
	if req.Parallel {
		if workers := e.workers(req); workers > 1 {
			return e.executeParallel(ctx, fw, req, workers)
		}
	}
	return e.run(ctx, fw, req, nil)
}

// Stop terminates a run with the same grace policy as a timeout, marks it
// completed and returns the results accumulated so far. Stopping a parallel
// run stops all of its chunks. Stopping a finished run returns its results.
func (e *Engine) Stop(ctx context.Context, runID string) ([]api.TestOutcome, error) {
	h, ok := e.lookup(runID)
	if !ok {
		return nil, api.NewRunNotFoundError(runID)
	}
	if h.terminal() {
		return h.resultsCopy(), nil
	}

	logging.Info("Execution", "Stopping run %s", runID)
	h.requestStop()
	for _, childID := range h.childIDs() {
		if child, ok := e.lookup(childID); ok {
			child.requestStop()
		}
	}

	select {
	case <-h.done:
		return h.resultsCopy(), nil
	case <-ctx.Done():
		return h.resultsCopy(), ctx.Err()
	}
}

// GetStatus returns a snapshot of a run.
func (e *Engine) GetStatus(runID string) (api.RunSnapshot, error) {
	h, ok := e.lookup(runID)
	if !ok {
		return api.RunSnapshot{}, api.NewRunNotFoundError(runID)
	}
	return h.snapshot(), nil
}

// ListRuns returns snapshots of all retained runs, oldest first.
func (e *Engine) ListRuns() []api.RunSnapshot {
	e.mu.RLock()
	handles := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	runs := make([]api.RunSnapshot, 0, len(handles))
	for _, h := range handles {
		runs = append(runs, h.snapshot())
	}
	slices.SortFunc(runs, func(a, b api.RunSnapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.RunID < b.RunID {
			return -1
		}
		if a.RunID > b.RunID {
			return 1
		}
		return 0
	})
	return runs
}

func (e *Engine) lookup(runID string) (*handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[runID]
	return h, ok
}

func (e *Engine) workers(req api.RunRequest) int {
	if req.MaxWorkers > 0 {
		return req.MaxWorkers
	}
	return e.config.MaxWorkers
}

func (e *Engine) timeout(req api.RunRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.config.DefaultTimeout
}

// register allocates a handle, adds it to the table and announces it.
func (e *Engine) register(req api.RunRequest, parent *handle) *handle {
	h := newHandle(uuid.NewString(), req, parent)

	e.mu.Lock()
	e.handles[h.id] = h
	e.mu.Unlock()

	if parent != nil {
		parent.addChild(h.id)
		if parent.stopRequested() {
			h.requestStop()
		}
	}

	logging.Debug("Execution", "Registered run %s (%s)", h.id, h.framework)
	e.publish(h, events.ReasonRunStarted, "")
	return h
}

// finish marks h terminal, publishes the transition and schedules removal.
func (e *Engine) finish(h *handle, status api.RunStatus, results []api.TestOutcome, errMsg string, reason events.EventReason) {
	if !h.finish(status, results, errMsg) {
		return
	}
	logging.Info("Execution", "Run %s %s with %d results", h.id, status, len(results))
	e.publish(h, reason, errMsg)

	time.AfterFunc(e.config.Retention, func() {
		e.mu.Lock()
		delete(e.handles, h.id)
		e.mu.Unlock()
		logging.Debug("Execution", "Released run %s", h.id)
	})
}

func (e *Engine) fail(h *handle, err error) error {
	e.finish(h, api.RunFailed, nil, err.Error(), events.ReasonRunFailed)
	return err
}

func (e *Engine) publish(h *handle, reason events.EventReason, msg string) {
	snap := h.snapshot()
	e.events.Publish(events.ExecutionEvent{
		Type:      events.TypeFor(reason),
		Reason:    reason,
		RunID:     h.id,
		ParentID:  h.parentID,
		Framework: h.framework,
		Status:    snap.Status,
		Results:   snap.Results,
		Message:   msg,
		Timestamp: time.Now(),
	})
}

type exitResult struct {
	code int
	err  error
}

// run executes one subprocess for req.
func (e *Engine) run(ctx context.Context, fw framework.Framework, req api.RunRequest, parent *handle) ([]api.TestOutcome, error) {
	h := e.register(req, parent)

	ctx, span := tracer().Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("run.id", h.id),
		attribute.String("run.framework", string(h.framework)),
	))
	defer span.End()

	results, err := e.runHandle(ctx, fw, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, err
}

func (e *Engine) runHandle(ctx context.Context, fw framework.Framework, h *handle) ([]api.TestOutcome, error) {
	if h.stopRequested() {
		e.finish(h, api.RunCompleted, nil, "", events.ReasonRunStopped)
		return nil, nil
	}

	spec, err := fw.BuildCommand(h.req)
	if err != nil {
		return nil, e.fail(h, &api.ProcessError{RunID: h.id, Executable: string(h.framework), Cause: fmt.Errorf("build command: %w", err)})
	}

	if gate, ok := e.validator.(security.SpawnGate); ok {
		if err := gate.WaitSpawn(ctx); err != nil {
			return nil, e.fail(h, &api.ProcessError{RunID: h.id, Executable: spec.Executable, Cause: err})
		}
	}

	capture := newOutputCapture(h.appendStdout, h.appendStderr)
	proc, err := e.spawner.Spawn(SpawnRequest{
		Command: spec,
		Env:     buildEnv(inheritedEnv(), spec.Env, h.req.Env),
		Stdout:  capture.stdoutWriter,
		Stderr:  capture.stderrWriter,
	})
	if err != nil {
		capture.close()
		return nil, e.fail(h, &api.ProcessError{RunID: h.id, Executable: spec.Executable, Cause: err})
	}

	exited := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		capture.close()
		exited <- exitResult{code: code, err: err}
	}()

	pid := proc.PID()
	h.setPID(pid)
	if err := e.validator.RegisterProcess(pid, h.framework); err != nil {
		_ = proc.Kill()
		<-exited
		return nil, e.fail(h, &api.ProcessError{RunID: h.id, Executable: spec.Executable, Cause: err})
	}
	defer e.validator.UnregisterProcess(pid)

	logging.Info("Execution", "Run %s started PID %d: %s", h.id, pid, spec)

	timeout := e.timeout(h.req)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-exited:
		return e.complete(h, fw, spec, res)

	case <-timer.C:
		logging.Warn("Execution", "Run %s exceeded its %s timeout", h.id, timeout)
		e.terminate(h, proc, exited)
		partial := e.parsePartial(h, fw)
		terr := &api.TimeoutError{RunID: h.id, Timeout: timeout, Partial: partial}
		e.finish(h, api.RunTimeout, partial, terr.Error(), events.ReasonRunTimedOut)
		return partial, terr

	case <-h.stopCh:
		e.terminate(h, proc, exited)
		partial := e.parsePartial(h, fw)
		e.finish(h, api.RunCompleted, partial, "", events.ReasonRunStopped)
		return partial, nil

	case <-ctx.Done():
		e.terminate(h, proc, exited)
		partial := e.parsePartial(h, fw)
		err := fmt.Errorf("run %s cancelled: %w", h.id, ctx.Err())
		e.finish(h, api.RunFailed, partial, err.Error(), events.ReasonRunFailed)
		return partial, err
	}
}

// complete handles a natural exit.
func (e *Engine) complete(h *handle, fw framework.Framework, spec framework.CommandSpec, res exitResult) ([]api.TestOutcome, error) {
	if res.err != nil {
		return nil, e.fail(h, &api.ProcessError{RunID: h.id, Executable: spec.Executable, ExitCode: res.code, Cause: res.err})
	}

	stdout, stderr := h.output()
	results, err := fw.ParseOutput(stdout, stderr)
	if err != nil {
		if res.code != 0 && len(bytes.TrimSpace(stdout)) == 0 && len(bytes.TrimSpace(stderr)) > 0 {
			return nil, e.fail(h, &api.ProcessError{
				RunID:      h.id,
				Executable: spec.Executable,
				ExitCode:   res.code,
				Stderr:     string(stderr),
				Cause:      err,
			})
		}
		logging.Warn("Execution", "Run %s: discarding unparseable output (exit code %d): %v", h.id, res.code, err)
		e.publish(h, events.ReasonOutputParseFailed, err.Error())
		results = nil
	}

	e.finish(h, api.RunCompleted, results, "", events.ReasonRunCompleted)
	return results, nil
}

// terminate sends the graceful signal, then forces a kill once the grace
// period has passed. It never waits longer than two grace periods.
func (e *Engine) terminate(h *handle, proc Process, exited <-chan exitResult) {
	grace := e.config.KillGracePeriod

	if err := proc.Terminate(); err != nil {
		logging.Debug("Execution", "Failed to send graceful signal to run %s: %v", h.id, err)
	}

	select {
	case <-exited:
		// Ensure any remaining child processes are killed
		_ = proc.Kill()
		return
	case <-time.After(grace):
		logging.Warn("Execution", "Run %s did not exit within %s, killing process group", h.id, grace)
		if err := proc.Kill(); err != nil {
			logging.Error("Execution", err, "Failed to kill run %s", h.id)
		}
	}

	select {
	case <-exited:
	case <-time.After(grace):
		logging.Warn("Execution", "Run %s: process %d still running after kill, abandoning it", h.id, proc.PID())
	}
}

// parsePartial parses whatever output was captured so far. Failures yield
// no results.
func (e *Engine) parsePartial(h *handle, fw framework.Framework) []api.TestOutcome {
	stdout, stderr := h.output()
	if len(bytes.TrimSpace(stdout)) == 0 {
		return nil
	}
	results, err := fw.ParseOutput(stdout, stderr)
	if err != nil {
		logging.Debug("Execution", "Run %s: no partial results: %v", h.id, err)
		return nil
	}
	return results
}
