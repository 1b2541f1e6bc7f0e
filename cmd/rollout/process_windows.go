//go:build windows
// +build windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

func detachDaemon(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// isProcessRunning relies on FindProcess opening a handle, which fails for
// exited processes on Windows
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = process.Release()
	return true
}

// terminateProcess has no graceful signal to send on Windows
func terminateProcess(process *os.Process) error {
	return process.Kill()
}
