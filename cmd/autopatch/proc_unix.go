//go:build !windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// restartSelf replaces the current process with a fresh copy of the binary so
// code applied by an update takes effect.
func restartSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
