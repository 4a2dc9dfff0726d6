package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/codewiresh/playwire/internal/procutil"
)

// Direct runs the agent as a child process attached to a pseudo-terminal,
// so its colored, interactive output matches what a user would see.
type Direct struct {
	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration
	// KillTimeout is how long Stop waits after SIGKILL.
	KillTimeout time.Duration
	// PollInterval is the liveness polling interval during Stop.
	PollInterval time.Duration
	Rows, Cols   uint16
	Logger       *slog.Logger
}

// NewDirect returns a Direct backend with default timeouts.
func NewDirect(log *slog.Logger) *Direct {
	return &Direct{
		StopTimeout:  5 * time.Second,
		KillTimeout:  2 * time.Second,
		PollInterval: 100 * time.Millisecond,
		Rows:         24,
		Cols:         120,
		Logger:       log,
	}
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type directHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	writeMu sync.Mutex
}

func (h *directHandle) Pid() int { return h.cmd.Process.Pid }

func (h *directHandle) Done() <-chan struct{} { return h.done }

func (h *directHandle) Kill(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *directHandle) Write(text string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	select {
	case <-h.done:
		return errors.New("agent has exited")
	default:
	}
	_, err := io.WriteString(h.ptmx, text)
	return err
}

// Spawn starts the agent under a PTY. The read loop and exit wait run on
// their own goroutines.
func (d *Direct) Spawn(_ context.Context, c Command, l Listener) (Handle, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, c.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: d.Rows, Cols: d.Cols})
	if err != nil {
		return nil, fmt.Errorf("opening PTY: %w", err)
	}
	h := &directHandle{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	log := d.log().With("pid", cmd.Process.Pid)
	log.Info("agent process started", "path", c.Path)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				l.OnData(data)
			}
			if readErr != nil {
				if readErr != io.EOF && !isEIO(readErr) && !errors.Is(readErr, os.ErrClosed) {
					log.Error("PTY read error", "err", readErr)
				}
				return
			}
		}
	}()

	go func() {
		status := ExitStatus{}
		if waitErr := cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				status.Code = exitErr.ExitCode()
			} else {
				status.Code = -1
			}
			status.Err = waitErr
		}
		// Drain remaining output; a leftover grandchild may still hold the
		// terminal open, so the drain is bounded.
		select {
		case <-readerDone:
		case <-time.After(time.Second):
		}
		ptmx.Close()
		<-readerDone

		log.Info("agent process exited", "code", status.Code)
		l.OnExit(status)
		close(h.done)
	}()

	return h, nil
}

// Stop sends SIGTERM, polls for exit, and escalates to SIGKILL once
// StopTimeout elapses. It never waits longer than StopTimeout+KillTimeout.
func (d *Direct) Stop(ctx context.Context, h Handle) error {
	dh, ok := h.(*directHandle)
	if !ok {
		return fmt.Errorf("direct backend cannot stop %T", h)
	}
	select {
	case <-dh.done:
		return nil
	default:
	}

	if err := procutil.GracefulTerminate(dh.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		d.log().Warn("SIGTERM failed", "pid", dh.Pid(), "err", err)
	}
	if d.waitDone(ctx, dh, d.StopTimeout) {
		return nil
	}

	d.log().Warn("agent did not exit after SIGTERM, killing", "pid", dh.Pid(), "timeout", d.StopTimeout)
	if err := dh.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing agent: %w", err)
	}
	if d.waitDone(ctx, dh, d.KillTimeout) {
		return nil
	}
	return fmt.Errorf("agent pid %d did not exit after SIGKILL", dh.Pid())
}

func (d *Direct) waitDone(ctx context.Context, h *directHandle, timeout time.Duration) bool {
	interval := d.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-h.done:
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}

func (d *Direct) Alive(_ context.Context, h Handle) bool {
	select {
	case <-h.Done():
		return false
	default:
	}
	return procutil.IsProcessAlive(h.Pid())
}

// isEIO reports whether err is EIO, which Linux returns from a PTY master
// read once the child side is closed.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}
