//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulTerminate asks the process to exit with SIGTERM.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// IsProcessAlive reports whether a process with the given pid exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// IsRoot reports whether the current process runs with euid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}
