package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeConfigCmd(t *testing.T, dir string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	original := rootConfigPath
	rootConfigPath = dir
	defer func() { rootConfigPath = original }()

	var out, errOut bytes.Buffer
	c := newConfigCmd()
	c.SetOut(&out)
	c.SetErr(&errOut)
	c.SetArgs(args)
	c.SilenceUsage = true
	c.SilenceErrors = true
	err = c.Execute()
	return out.String(), errOut.String(), err
}

func TestConfigCmd_InitShowValidate(t *testing.T) {
	dir := t.TempDir()

	out, _, err := executeConfigCmd(t, dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))

	_, _, err = executeConfigCmd(t, dir, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = executeConfigCmd(t, dir, "init", "--force")
	require.NoError(t, err)

	out, _, err = executeConfigCmd(t, dir, "show")
	require.NoError(t, err)
	assert.Contains(t, out, "logLevel: info")
	assert.Contains(t, out, "defaultIterations: 10")

	out, _, err = executeConfigCmd(t, dir, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestConfigCmd_ShowWithoutFileUsesDefaults(t *testing.T) {
	out, _, err := executeConfigCmd(t, t.TempDir(), "show")
	require.NoError(t, err)
	assert.Contains(t, out, "execution:")
	assert.Contains(t, out, "security:")
}

func TestConfigCmd_ValidateReportsDetails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("logLevel: info\nexecution:\n  defaultTimeout: soon\n"), 0o644))

	_, stderr, err := executeConfigCmd(t, dir, "validate")
	require.Error(t, err)
	assert.Contains(t, stderr, "Configuration Error in config.yaml")
	assert.Contains(t, stderr, "Line: 3")
}
