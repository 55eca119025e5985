package execution

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"testrig/internal/framework"
)

// SpawnRequest is everything a Spawner needs to start one test process.
type SpawnRequest struct {
	Command framework.CommandSpec

	// Env is the complete environment of the child.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started child process.
type Process interface {
	PID() int

	// Wait blocks until the process exits. A non-zero exit code is not an
	// error; err is set only when the exit status could not be determined.
	Wait() (exitCode int, err error)

	// Terminate asks the process and its children to shut down.
	Terminate() error

	// Kill forcibly ends the process and its children.
	Kill() error
}

// Spawner starts test processes. Tests substitute a fake.
type Spawner interface {
	Spawn(req SpawnRequest) (Process, error)
}

// OSSpawner starts real processes in their own process group so that the
// whole tree can be signalled on stop and timeout.
type OSSpawner struct {
	// WaitDelay bounds how long Wait keeps reading output after the process
	// exited, for grandchildren that escaped the group but hold the pipes.
	WaitDelay time.Duration
}

// NewOSSpawner creates the default spawner.
func NewOSSpawner() *OSSpawner {
	return &OSSpawner{WaitDelay: 5 * time.Second}
}

// Spawn starts the command with stdin closed.
func (s *OSSpawner) Spawn(req SpawnRequest) (Process, error) {
	cmd := exec.Command(req.Command.Executable, req.Command.Args...)
	cmd.Dir = req.Command.Dir
	cmd.Env = req.Env
	cmd.Stdin = nil
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.WaitDelay = s.WaitDelay

	// Configure the process attributes (platform-specific)
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", req.Command.Executable, err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *osProcess) Terminate() error {
	return signalGroup(p.cmd.Process, false)
}

func (p *osProcess) Kill() error {
	return signalGroup(p.cmd.Process, true)
}

// buildEnv overlays the command environment and the request environment on
// the inherited one. Later entries win.
func buildEnv(base []string, overlays ...map[string]string) []string {
	env := slices.Clone(base)
	for _, overlay := range overlays {
		for _, k := range slices.Sorted(maps.Keys(overlay)) {
			env = append(env, k+"="+overlay[k])
		}
	}
	return env
}

func inheritedEnv() []string {
	return os.Environ()
}
