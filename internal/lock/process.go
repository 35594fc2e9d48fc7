package lock

import (
	"os"
	"syscall"
)

// processExists checks if a process with the given PID exists.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds. Signal 0 probes for existence.
	err = process.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
