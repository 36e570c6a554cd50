//go:build windows

package executor

import "os/exec"

// Windows has no process groups in os/exec; only the direct child is killed.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
