// Package driver spawns and signals the tunnel agent. Two backends share
// one contract: Direct runs the agent as a child under a pseudo-terminal,
// Systemd runs it as a managed system service and tails its journal.
package driver

import (
	"context"
	"errors"
	"os"
)

var (
	// ErrPrivilegeRequired is returned when a privileged operation is
	// needed and neither root nor an elevated credential is available.
	ErrPrivilegeRequired = errors.New("elevated privileges required: run as root or set PLAYWIRE_SUDO_PASSWORD")
	// ErrInputUnsupported is returned by Handle.Write on backends without
	// an interactive terminal.
	ErrInputUnsupported = errors.New("agent input is not supported by this backend")
)

// Command is the agent invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// ExitStatus describes how the agent ended. Code is -1 when no exit code
// is available.
type ExitStatus struct {
	Code int
	Err  error
}

// Listener receives agent output and exit. OnData is called from a single
// goroutine per handle; OnExit is called once, after the last OnData.
type Listener interface {
	OnData(data []byte)
	OnExit(status ExitStatus)
}

// Handle is a running agent.
type Handle interface {
	Pid() int
	// Write sends text to the agent's terminal.
	Write(text string) error
	Kill(sig os.Signal) error
	// Done is closed after the Listener's OnExit has returned.
	Done() <-chan struct{}
}

// Backend is the process strategy selected at supervisor construction.
type Backend interface {
	Name() string
	Spawn(ctx context.Context, cmd Command, l Listener) (Handle, error)
	// Stop ends the agent: graceful first, forced after a bounded wait.
	Stop(ctx context.Context, h Handle) error
	Alive(ctx context.Context, h Handle) bool
}
