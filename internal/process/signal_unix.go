//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// killProcess sends a signal to a Unix process
func killProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// KillPID sends SIGKILL to pid. ESRCH (already gone) is treated as success.
func KillPID(pid int) error {
	err := killProcess(pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
