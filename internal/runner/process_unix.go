//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// configureProcAttr isolates the child in its own process group so the
// whole tree can be signaled together.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the child's process group. Escalation
// to SIGKILL is handled by exec.Cmd.WaitDelay, which also guarantees the
// child is reaped.
func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Process already gone.
		return nil
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}
