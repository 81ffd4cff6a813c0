//go:build !windows

package service

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the command in its own process group, so the whole
// tree it forks can be signalled at once.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the process group led by pid.
func terminateProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the process group led by pid.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// sweepProcessGroup kills what is left of the group after its leader has
// exited. The group id stays reserved while members are alive.
func sweepProcessGroup(pid int) error {
	return killProcessGroup(pid)
}
