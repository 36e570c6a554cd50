//go:build windows

package main

import (
	"fmt"
	"os"
	"os/exec"
)

func configureDaemonProc(cmd *exec.Cmd) {
	// Windows doesn't use Setsid.
}

func restartSelf() error {
	fmt.Println("Please restart autopatch to use the updated code.")
	os.Exit(0)
	return nil
}
