package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testrig/internal/api"
)

func TestSetVersion(t *testing.T) {
	original := GetVersion()
	defer SetVersion(original)

	SetVersion("1.2.3-test")
	assert.Equal(t, "1.2.3-test", rootCmd.Version)
	assert.Equal(t, "1.2.3-test", GetVersion())
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "testrig", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.True(t, rootCmd.SilenceUsage)

	for _, name := range []string{"config-path", "log-level", "debug"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
}

func TestSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		found[c.Name()] = true
	}

	for _, expected := range []string{"run", "watch", "flaky", "serve", "config", "version"} {
		assert.True(t, found[expected], "expected subcommand %s to be registered", expected)
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"generic", errors.New("boom"), ExitCodeError},
		{"process", &api.ProcessError{Executable: "go", Cause: errors.New("exec: not found")}, ExitCodeError},
		{"validation", api.NewValidationError("framework is required"), ExitCodeValidation},
		{"wrapped validation", fmt.Errorf("run: %w", api.NewValidationError("bad")), ExitCodeValidation},
		{"timeout", &api.TimeoutError{RunID: "r1", Timeout: time.Second}, ExitCodeTimeout},
		{"timeout with hint", withHint(&api.TimeoutError{RunID: "r1", Timeout: time.Second}), ExitCodeTimeout},
		{"tests failed", &TestsFailedError{Failed: 1, Total: 3}, ExitCodeTestsFailed},
		{"cancelled", context.Canceled, ExitCodeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, getExitCode(tt.err))
		})
	}
}

func TestTestsFailedError(t *testing.T) {
	err := &TestsFailedError{Failed: 2, Total: 5}
	assert.Equal(t, "2 of 5 tests failed", err.Error())
}

func TestVersionFlag(t *testing.T) {
	original := GetVersion()
	defer SetVersion(original)
	SetVersion("1.0.0")

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	rootCmd.SetVersionTemplate(`{{printf "testrig version %s\n" .Version}}`)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "testrig version 1.0.0\n", buf.String())
}
