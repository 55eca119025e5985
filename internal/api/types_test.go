package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTestOutcome_Validate(t *testing.T) {
	tests := []struct {
		name    string
		outcome TestOutcome
		wantErr bool
	}{
		{"passed without error", TestOutcome{Status: StatusPassed, Duration: time.Millisecond}, false},
		{"failed with error", TestOutcome{Status: StatusFailed, Error: &TestError{Message: "boom"}}, false},
		{"failed without error", TestOutcome{Status: StatusFailed}, true},
		{"skipped with error", TestOutcome{Status: StatusSkipped, Error: &TestError{Message: "x"}}, true},
		{"negative duration", TestOutcome{Status: StatusPassed, Duration: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.outcome.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeOutcome(t *testing.T) {
	failed := NormalizeOutcome(TestOutcome{Status: StatusFailed, Duration: -5})
	assert.NotNil(t, failed.Error)
	assert.Equal(t, time.Duration(0), failed.Duration)
	assert.NoError(t, failed.Validate())

	passed := NormalizeOutcome(TestOutcome{Status: StatusPassed, Error: &TestError{Message: "stale"}})
	assert.Nil(t, passed.Error)
	assert.NoError(t, passed.Validate())
}

func TestRunRequest_Clone(t *testing.T) {
	orig := RunRequest{
		Framework: FrameworkJest,
		Files:     []string{"a.test.js"},
		Env:       map[string]string{"CI": "1"},
	}

	c := orig.Clone()
	c.Files[0] = "b.test.js"
	c.Env["CI"] = "0"

	assert.Equal(t, "a.test.js", orig.Files[0])
	assert.Equal(t, "1", orig.Env["CI"])
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunRunning.IsTerminal())
	assert.True(t, RunCompleted.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunTimeout.IsTerminal())
}

func TestSummarize(t *testing.T) {
	s := Summarize([]TestOutcome{
		{Status: StatusPassed, Duration: time.Second},
		{Status: StatusFailed, Duration: 2 * time.Second, Error: &TestError{Message: "x"}},
		{Status: StatusSkipped},
		{Status: StatusPending},
	})

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 3*time.Second, s.Elapsed)
}
