//go:build !windows

package execution

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"testrig/pkg/logging"
)

// configureProcAttr runs the child as leader of a new process group.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup signals the whole process group (negative pid), falling back to
// the process itself when the group is already gone.
func signalGroup(p *os.Process, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		if err2 := syscall.Kill(p.Pid, sig); err2 != nil {
			return fmt.Errorf("failed to signal process group -%d: %v, also failed to signal process %d: %v", p.Pid, err, p.Pid, err2)
		}
		logging.Debug("Execution", "Process group signal failed, signalled PID %d directly", p.Pid)
	}
	return nil
}
