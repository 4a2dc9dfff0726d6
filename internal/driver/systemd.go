package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codewiresh/playwire/internal/procutil"
)

// Systemd runs the agent as a system service. Unit management goes
// through systemctl; output comes from following the unit's journal.
type Systemd struct {
	Unit    string
	UnitDir string
	// User the service runs as. Empty means root.
	User string
	// Credential is the sudo password used when not running as root.
	Credential     string
	Runner         procutil.Runner
	CommandTimeout time.Duration
	// StopTimeout bounds waiting for the journal tail to end after stop.
	StopTimeout time.Duration
	// TailCommand returns the command that streams the unit's output.
	TailCommand func(unit string) []string
	IsRoot      func() bool
	Logger      *slog.Logger
}

// NewSystemd returns a Systemd backend for unit (without ".service").
func NewSystemd(unit, credential string, log *slog.Logger) *Systemd {
	return &Systemd{
		Unit:           unit,
		UnitDir:        "/etc/systemd/system",
		Credential:     credential,
		Runner:         procutil.ExecRunner{},
		CommandTimeout: 30 * time.Second,
		StopTimeout:    5 * time.Second,
		TailCommand:    journalTail,
		IsRoot:         procutil.IsRoot,
		Logger:         log,
	}
}

func journalTail(unit string) []string {
	return []string{"journalctl", "-u", unit, "-f", "-n", "0", "-o", "cat", "--no-pager"}
}

func (s *Systemd) Name() string { return "systemd" }

func (s *Systemd) unitName() string { return s.Unit + ".service" }

func (s *Systemd) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// wrap returns name+args run with privileges: directly as root, through
// sudo with the credential on stdin otherwise.
func (s *Systemd) wrap(name string, args ...string) (procutil.Cmd, error) {
	c := procutil.Cmd{Name: name, Args: args, Timeout: s.CommandTimeout}
	if s.IsRoot != nil && s.IsRoot() {
		return c, nil
	}
	if s.Credential == "" {
		return c, ErrPrivilegeRequired
	}
	c.Args = append([]string{"-S", "-p", "", name}, args...)
	c.Name = "sudo"
	c.Stdin = s.Credential + "\n"
	return c, nil
}

func (s *Systemd) priv(ctx context.Context, name string, args ...string) ([]byte, error) {
	c, err := s.wrap(name, args...)
	if err != nil {
		return nil, err
	}
	return s.Runner.Run(ctx, c)
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) error {
	out, err := s.priv(ctx, "systemctl", args...)
	if err != nil {
		if errors.Is(err, ErrPrivilegeRequired) {
			return err
		}
		return fmt.Errorf("systemctl %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CheckPrivileges fails fast when privileged commands cannot run.
func (s *Systemd) CheckPrivileges() error {
	_, err := s.wrap("true")
	return err
}

// Install writes the unit file, reloads systemd, and enables the unit.
func (s *Systemd) Install(ctx context.Context, c Command) error {
	if err := s.CheckPrivileges(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "playwire-unit-*")
	if err != nil {
		return fmt.Errorf("creating unit temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(RenderUnit(c, s.User)); err != nil {
		tmp.Close()
		return fmt.Errorf("writing unit: %w", err)
	}
	tmp.Close()

	dest := filepath.Join(s.UnitDir, s.unitName())
	if out, err := s.priv(ctx, "install", "-m", "0644", tmp.Name(), dest); err != nil {
		return fmt.Errorf("installing %s: %w (%s)", dest, err, strings.TrimSpace(string(out)))
	}
	if err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	if err := s.systemctl(ctx, "enable", s.unitName()); err != nil {
		return err
	}
	s.log().Info("installed agent service", "unit", dest)
	return nil
}

// Uninstall stops and disables the unit and removes its file.
func (s *Systemd) Uninstall(ctx context.Context) error {
	if err := s.CheckPrivileges(); err != nil {
		return err
	}
	_ = s.systemctl(ctx, "stop", s.unitName())
	_ = s.systemctl(ctx, "disable", s.unitName())
	dest := filepath.Join(s.UnitDir, s.unitName())
	if out, err := s.priv(ctx, "rm", "-f", dest); err != nil {
		return fmt.Errorf("removing %s: %w (%s)", dest, err, strings.TrimSpace(string(out)))
	}
	return s.systemctl(ctx, "daemon-reload")
}

type serviceHandle struct {
	s    *Systemd
	tail *exec.Cmd
	stop context.CancelFunc
	done chan struct{}
	pid  int
}

func (h *serviceHandle) Pid() int { return h.pid }

func (h *serviceHandle) Done() <-chan struct{} { return h.done }

func (h *serviceHandle) Write(string) error { return ErrInputUnsupported }

func (h *serviceHandle) Kill(sig os.Signal) error {
	name := "SIGKILL"
	switch sig {
	case os.Interrupt:
		name = "SIGINT"
	case syscall.SIGTERM:
		name = "SIGTERM"
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.s.CommandTimeout)
	defer cancel()
	return h.s.systemctl(ctx, "kill", "-s", name, h.s.unitName())
}

// Spawn installs and (re)starts the unit, then follows its journal.
func (s *Systemd) Spawn(ctx context.Context, c Command, l Listener) (Handle, error) {
	if err := s.Install(ctx, c); err != nil {
		return nil, err
	}
	if err := s.systemctl(ctx, "restart", s.unitName()); err != nil {
		return nil, err
	}

	tailArgs := s.TailCommand(s.unitName())
	tc, err := s.wrap(tailArgs[0], tailArgs[1:]...)
	if err != nil {
		return nil, err
	}
	tailCtx, cancel := context.WithCancel(context.Background())
	tail := exec.CommandContext(tailCtx, tc.Name, tc.Args...)
	if tc.Stdin != "" {
		tail.Stdin = strings.NewReader(tc.Stdin)
	}
	stdout, err := tail.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("journal pipe: %w", err)
	}
	tail.Stderr = tail.Stdout
	if err := tail.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting journal tail: %w", err)
	}

	h := &serviceHandle{s: s, tail: tail, stop: cancel, done: make(chan struct{})}
	h.pid = s.mainPID(ctx)
	s.log().Info("agent service started", "unit", s.unitName(), "pid", h.pid)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				l.OnData(data)
			}
			if readErr != nil {
				if readErr != io.EOF && !errors.Is(readErr, os.ErrClosed) {
					s.log().Error("journal read error", "err", readErr)
				}
				break
			}
		}
		tail.Wait()
		cancel()

		qctx, qcancel := context.WithTimeout(context.Background(), s.CommandTimeout)
		status := ExitStatus{Code: s.exitStatus(qctx)}
		qcancel()
		s.log().Info("agent service output ended", "unit", s.unitName(), "code", status.Code)
		l.OnExit(status)
		close(h.done)
	}()
	return h, nil
}

// Stop stops the unit and ends the journal tail.
func (s *Systemd) Stop(ctx context.Context, h Handle) error {
	sh, ok := h.(*serviceHandle)
	if !ok {
		return fmt.Errorf("systemd backend cannot stop %T", h)
	}
	stopErr := s.systemctl(ctx, "stop", s.unitName())
	sh.stop()

	timer := time.NewTimer(s.StopTimeout)
	defer timer.Stop()
	select {
	case <-sh.done:
	case <-timer.C:
		return fmt.Errorf("journal tail for %s did not exit", s.unitName())
	case <-ctx.Done():
		return ctx.Err()
	}
	return stopErr
}

// Alive asks systemd whether the unit is active.
func (s *Systemd) Alive(ctx context.Context, _ Handle) bool {
	return s.IsActive(ctx)
}

// IsActive reports `systemctl is-active` for the unit.
func (s *Systemd) IsActive(ctx context.Context) bool {
	_, err := s.priv(ctx, "systemctl", "is-active", "--quiet", s.unitName())
	return err == nil
}

func (s *Systemd) show(ctx context.Context, prop string) string {
	out, err := s.priv(ctx, "systemctl", "show", "-p", prop, "--value", s.unitName())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (s *Systemd) mainPID(ctx context.Context) int {
	pid, _ := strconv.Atoi(s.show(ctx, "MainPID"))
	return pid
}

func (s *Systemd) exitStatus(ctx context.Context) int {
	code, err := strconv.Atoi(s.show(ctx, "ExecMainStatus"))
	if err != nil {
		return -1
	}
	return code
}

// RenderUnit produces the systemd unit for c. Restart policy stays with
// the supervisor, so the unit never restarts on its own.
func RenderUnit(c Command, user string) string {
	var b bytes.Buffer
	b.WriteString("[Unit]\n")
	b.WriteString("Description=playit.gg tunnel agent (managed by playwire)\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")
	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	argv := []string{quoteUnitArg(c.Path)}
	for _, a := range c.Args {
		argv = append(argv, quoteUnitArg(a))
	}
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(argv, " "))
	if c.Dir != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", quoteUnitArg(c.Dir))
	}
	if user != "" {
		fmt.Fprintf(&b, "User=%s\n", user)
	}
	b.WriteString("Environment=TERM=xterm-256color\n")
	for _, e := range c.Env {
		fmt.Fprintf(&b, "Environment=%s\n", quoteUnitArg(e))
	}
	b.WriteString("Restart=no\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}

func quoteUnitArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$%;") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `$$`, `%`, `%%`)
	return `"` + r.Replace(s) + `"`
}
