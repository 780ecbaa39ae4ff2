//go:build windows

package runner

import "os/exec"

// configureProcAttr is a no-op on Windows; process groups are not used.
func configureProcAttr(_ *exec.Cmd) {}

// terminateGroup kills the child directly; WaitDelay reaps it.
func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
