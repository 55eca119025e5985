package execution

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
	"testrig/internal/events"
)

func fakeRequest() api.RunRequest {
	return api.RunRequest{Framework: fakeFramework, TestPath: "suite.t"}
}

func TestExecute_Completes(t *testing.T) {
	spawner := newFakeSpawner(emit(1, "PASS a", "FAIL b"))
	engine, validator := newTestEngine(t, spawner, nil)
	rec := &eventRecorder{}
	engine.Subscribe(rec.record)

	req := fakeRequest()
	req.Env = map[string]string{"CI": "false", "FOO": "bar"}

	results, err := engine.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, api.StatusPassed, results[0].Status)
	assert.Equal(t, api.StatusFailed, results[1].Status)

	// The request overlay wins over the command environment
	env := spawner.requests[0].Env
	assert.Equal(t, "CI=false", env[len(env)-2])
	assert.Equal(t, "FOO=bar", env[len(env)-1])
	assert.Contains(t, env, "CI=true")

	runs := engine.ListRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, api.RunCompleted, runs[0].Status)
	assert.Equal(t, 1001, runs[0].PID)
	assert.Contains(t, runs[0].Stdout, "PASS a\n")
	assert.False(t, runs[0].EndedAt.IsZero())

	assert.Equal(t, []events.EventReason{events.ReasonRunStarted, events.ReasonRunCompleted}, rec.reasons(runs[0].RunID))
	assert.Zero(t, validator.ProcessCount())
}

func TestExecute_ValidationNeverSpawns(t *testing.T) {
	spawner := newFakeSpawner(emit(0, "PASS a"))
	engine, _ := newTestEngine(t, spawner, nil)

	req := fakeRequest()
	req.TestPath = "../outside.t"

	results, err := engine.Execute(context.Background(), req)
	assert.Nil(t, results)
	assert.True(t, api.IsValidation(err))
	assert.Zero(t, spawner.spawnCount())
	assert.Empty(t, engine.ListRuns())
}

func TestExecute_UnparseableOutputDegrades(t *testing.T) {
	spawner := newFakeSpawner(emit(1, "garbage"))
	engine, _ := newTestEngine(t, spawner, nil)
	rec := &eventRecorder{}
	engine.Subscribe(rec.record)

	results, err := engine.Execute(context.Background(), fakeRequest())
	require.NoError(t, err)
	assert.Empty(t, results)

	run := engine.ListRuns()[0]
	assert.Equal(t, api.RunCompleted, run.Status)
	assert.Contains(t, rec.reasons(run.RunID), events.ReasonOutputParseFailed)
}

func TestExecute_CrashWithoutOutputIsProcessError(t *testing.T) {
	spawner := newFakeSpawner(func(req SpawnRequest, p *fakeProcess) {
		fmt.Fprintln(req.Stderr, "fake: cannot find module 'jest'")
		p.exit(2)
	})
	engine, _ := newTestEngine(t, spawner, nil)

	_, err := engine.Execute(context.Background(), fakeRequest())
	require.Error(t, err)
	assert.True(t, api.IsProcess(err))
	assert.Contains(t, err.Error(), "cannot find module")

	assert.Equal(t, api.RunFailed, engine.ListRuns()[0].Status)
}

func TestExecute_SpawnFailure(t *testing.T) {
	spawner := newFakeSpawner(emit(0))
	spawner.fail = func(SpawnRequest) error { return errSpawn }
	engine, _ := newTestEngine(t, spawner, nil)

	_, err := engine.Execute(context.Background(), fakeRequest())
	assert.True(t, api.IsProcess(err))
	assert.ErrorIs(t, err, errSpawn)
	assert.Equal(t, api.RunFailed, engine.ListRuns()[0].Status)
}

func TestExecute_Timeout(t *testing.T) {
	spawner := newFakeSpawner(hang("PASS fast"))
	engine, validator := newTestEngine(t, spawner, nil)
	rec := &eventRecorder{}
	engine.Subscribe(rec.record)

	req := fakeRequest()
	req.Timeout = 50 * time.Millisecond

	start := time.Now()
	results, err := engine.Execute(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, api.IsTimeout(err))
	assert.Len(t, results, 1)
	assert.Len(t, api.PartialResults(err), 1)
	assert.Less(t, elapsed, 2*time.Second)

	run := engine.ListRuns()[0]
	assert.Equal(t, api.RunTimeout, run.Status)
	assert.Contains(t, rec.reasons(run.RunID), events.ReasonRunTimedOut)

	p := spawner.processes[0]
	assert.True(t, p.terminated)
	assert.Zero(t, validator.ProcessCount())
}

func TestExecute_TimeoutForcesKill(t *testing.T) {
	spawner := newFakeSpawner(hang())
	spawner.ignoreTerm = true
	engine, _ := newTestEngine(t, spawner, nil)

	req := fakeRequest()
	req.Timeout = 20 * time.Millisecond

	start := time.Now()
	_, err := engine.Execute(context.Background(), req)
	assert.True(t, api.IsTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)

	p := spawner.processes[0]
	assert.True(t, p.terminated)
	assert.True(t, p.killed)
}

func TestExecute_ContextCancel(t *testing.T) {
	spawner := newFakeSpawner(hang())
	engine, _ := newTestEngine(t, spawner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := engine.Execute(ctx, fakeRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, api.RunFailed, engine.ListRuns()[0].Status)
}

func TestStop(t *testing.T) {
	spawner := newFakeSpawner(hang("PASS first"))
	engine, _ := newTestEngine(t, spawner, nil)
	rec := &eventRecorder{}
	engine.Subscribe(rec.record)

	type result struct {
		outcomes []api.TestOutcome
		err      error
	}
	done := make(chan result, 1)
	go func() {
		r, err := engine.Execute(context.Background(), fakeRequest())
		done <- result{r, err}
	}()

	var runID string
	require.Eventually(t, func() bool {
		runs := engine.ListRuns()
		if len(runs) == 1 && runs[0].PID != 0 && runs[0].Stdout != "" {
			runID = runs[0].RunID
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	stopped, err := engine.Stop(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, stopped, 1)

	r := <-done
	assert.NoError(t, r.err)
	assert.Len(t, r.outcomes, 1)

	status, err := engine.GetStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, api.RunCompleted, status.Status)
	assert.Contains(t, rec.reasons(runID), events.ReasonRunStopped)

	// Stopping a finished run returns its results again
	again, err := engine.Stop(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestStop_Unknown(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeSpawner(emit(0)), nil)

	_, err := engine.Stop(context.Background(), "does-not-exist")
	assert.True(t, api.IsNotFound(err))

	_, err = engine.GetStatus("does-not-exist")
	assert.True(t, api.IsNotFound(err))
}

func TestRetention(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeSpawner(emit(0, "PASS a")), nil, func(c *Config) {
		c.Retention = 20 * time.Millisecond
	})
	rec := &eventRecorder{}
	engine.Subscribe(rec.record)

	_, err := engine.Execute(context.Background(), fakeRequest())
	require.NoError(t, err)
	runID := rec.events[0].RunID

	require.Eventually(t, func() bool {
		_, err := engine.GetStatus(runID)
		return api.IsNotFound(err)
	}, time.Second, 5*time.Millisecond)
}

func TestStatusIsTerminalOnce(t *testing.T) {
	h := newHandle("r1", fakeRequest(), nil)
	assert.True(t, h.finish(api.RunTimeout, nil, "late"))
	assert.False(t, h.finish(api.RunCompleted, nil, ""))
	assert.Equal(t, api.RunTimeout, h.snapshot().Status)
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv([]string{"HOME=/root"}, map[string]string{"B": "2", "A": "1"}, nil, map[string]string{"A": "3"})
	assert.Equal(t, []string{"HOME=/root", "A=1", "B=2", "A=3"}, env)
}

func TestListRunsOrdered(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeSpawner(emit(0, "PASS a")), nil)
	for range 3 {
		_, err := engine.Execute(context.Background(), fakeRequest())
		require.NoError(t, err)
	}
	runs := engine.ListRuns()
	require.Len(t, runs, 3)
	assert.True(t, slices.IsSortedFunc(runs, func(a, b api.RunSnapshot) int {
		return a.StartedAt.Compare(b.StartedAt)
	}))
}
