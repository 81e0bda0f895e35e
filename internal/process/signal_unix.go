//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// requestStop asks the child's process group to exit.
func requestStop(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// forceKill kills the child's process group.
func forceKill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group leader may have left its group already; fall back to the pid
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
