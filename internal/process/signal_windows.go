//go:build windows

package process

import "os"

// Windows has no SIGTERM for arbitrary processes; both requests terminate.
func requestStop(pid int) error { return forceKill(pid) }

func forceKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
