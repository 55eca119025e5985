//go:build !windows

package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
	"testrig/internal/framework"
)

func TestOSSpawner_CapturesOutputAndEnv(t *testing.T) {
	fw := &lineFramework{command: &framework.CommandSpec{
		Executable: "sh",
		Args:       []string{"-c", `echo "PASS $GREETING"; echo "FAIL second"; echo noise >&2; exit 1`},
	}}
	engine, _ := newTestEngine(t, NewOSSpawner(), fw)

	req := fakeRequest()
	req.Env = map[string]string{"GREETING": "first"}

	results, err := engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names(results))

	run := engine.ListRuns()[0]
	assert.Equal(t, "noise\n", run.Stderr)
	assert.NotZero(t, run.PID)
}

func TestOSSpawner_TimeoutDoesNotHang(t *testing.T) {
	fw := &lineFramework{command: &framework.CommandSpec{
		Executable: "sh",
		Args:       []string{"-c", "echo PASS before; sleep 60"},
	}}
	engine, validator := newTestEngine(t, NewOSSpawner(), fw, func(c *Config) {
		c.KillGracePeriod = 200 * time.Millisecond
	})

	req := fakeRequest()
	req.Timeout = 100 * time.Millisecond

	start := time.Now()
	results, err := engine.Execute(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, api.IsTimeout(err))
	assert.LessOrEqual(t, len(results), 1)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, api.RunTimeout, engine.ListRuns()[0].Status)
	assert.Zero(t, validator.ProcessCount())
}

func TestOSSpawner_MissingExecutable(t *testing.T) {
	fw := &lineFramework{command: &framework.CommandSpec{Executable: "testrig-no-such-binary"}}
	engine, _ := newTestEngine(t, NewOSSpawner(), fw)

	_, err := engine.Execute(context.Background(), fakeRequest())
	assert.True(t, api.IsProcess(err))
}
