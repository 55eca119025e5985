//go:build windows

package execution

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup terminates the process. Windows has no graceful signal for
// console-less children, so both phases end the process.
func signalGroup(p *os.Process, _ bool) error {
	handle, _, err := procOpenProcess.Call(
		uintptr(processTerminate|processQueryInformation),
		uintptr(0),
		uintptr(p.Pid),
	)
	if handle == 0 {
		// Fall back to the runtime implementation
		if killErr := p.Kill(); killErr != nil {
			return fmt.Errorf("failed to open process %d: %v", p.Pid, err)
		}
		return nil
	}
	defer procCloseHandle.Call(handle)

	if ok, _, err := procTerminateProcess.Call(handle, uintptr(1)); ok == 0 {
		return fmt.Errorf("failed to terminate process %d: %v", p.Pid, err)
	}
	return nil
}
