//go:build windows

package procutil

import (
	"os"
	"syscall"
)

const processQueryLimitedInformation = 0x1000

// GracefulTerminate terminates the process. Process.Signal only supports
// os.Kill on Windows.
func GracefulTerminate(p *os.Process) error {
	return p.Kill()
}

// IsProcessAlive opens a query handle to check that pid still exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(h)
	return true
}

// IsRoot is always false on Windows; managed-service mode is Linux only.
func IsRoot() bool {
	return false
}
