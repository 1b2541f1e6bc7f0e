//go:build !windows
// +build !windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// detachDaemon puts the daemon in its own process group so a Ctrl-C in the
// launching shell does not reach it
func detachDaemon(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// terminateProcess asks the server to drain running executions and exit
func terminateProcess(process *os.Process) error {
	return process.Signal(syscall.SIGTERM)
}
