//go:build windows

package service

import (
	"errors"
	"os/exec"
	"strconv"
	"syscall"
)

// setProcGroup starts the command in a new process group, its children
// stay attached so taskkill /T reaches them.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// terminateProcessGroup asks the tree to close. Without /F taskkill sends
// WM_CLOSE, the closest equivalent of SIGTERM.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killProcessGroup force kills the whole tree.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// sweepProcessGroup is a no-op: once the root has exited its pid may be
// reused, and taskkill has no other handle on the orphans.
func sweepProcessGroup(int) error {
	return errors.ErrUnsupported
}
