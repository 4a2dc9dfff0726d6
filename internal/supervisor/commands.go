package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/parser"
	"github.com/codewiresh/playwire/internal/procutil"
)

// ErrNotRunning is returned by SendInput when no agent is live.
var ErrNotRunning = errors.New("agent is not running")

// Snapshot returns a copy of the session.
func (s *Supervisor) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.clone()
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Status
}

// Logs returns the buffered log entries, oldest first.
func (s *Supervisor) Logs() []LogEntry {
	return s.logs.Entries()
}

// Tunnels returns the most recent tunnel listing.
func (s *Supervisor) Tunnels() []event.Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Tunnel, len(s.tunnels))
	copy(out, s.tunnels)
	return out
}

// SendInput writes a line to the agent's terminal.
func (s *Supervisor) SendInput(text string) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return ErrNotRunning
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := h.Write(text); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// runAgent runs a one-shot agent command and returns its cleaned output.
func (s *Supervisor) runAgent(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	res := s.locator.Resolve(ctx, s.opts.AutoInstall)
	if !res.OK() {
		return "", errors.New(res.Error)
	}
	out, err := s.runner.Run(ctx, procutil.Cmd{Name: res.Path, Args: args, Timeout: timeout})
	return cleanOutput(out), err
}

func cleanOutput(out []byte) string {
	var lines []string
	for _, l := range strings.FieldsFunc(string(out), func(r rune) bool { return r == '\n' || r == '\r' }) {
		if c := parser.Clean(l); c != "" {
			lines = append(lines, c)
		}
	}
	return strings.Join(lines, "\n")
}

// commandFailed logs and publishes a failed command.
func (s *Supervisor) commandFailed(msg string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorLocked(msg, false)
	return failure(msg)
}

func (s *Supervisor) publish(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(ev)
}

func (s *Supervisor) system(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemLocked(msg)
}

// Login claims the agent: it generates a claim code, publishes the claim
// URL, waits for the user to approve it and stores the resulting secret.
// Only one login runs at a time.
func (s *Supervisor) Login(ctx context.Context) Result {
	s.mu.Lock()
	if s.loginActive {
		s.mu.Unlock()
		return failure("login already in progress")
	}
	s.loginActive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loginActive = false
		s.mu.Unlock()
	}()

	out, err := s.runAgent(ctx, s.opts.CommandTimeout, "claim", "generate")
	if err != nil {
		return s.commandFailed(fmt.Sprintf("generating claim code: %v", err))
	}
	code, err := parser.ExtractClaimCode(out)
	if err != nil {
		return s.commandFailed(fmt.Sprintf("generating claim code: %v", err))
	}

	out, err = s.runAgent(ctx, s.opts.CommandTimeout, "claim", "url", code)
	if err != nil {
		return s.commandFailed(fmt.Sprintf("building claim url: %v", err))
	}
	url := parser.ExtractURL(out)
	if url == "" {
		url = "https://playit.gg/claim/" + code
	}

	s.mu.Lock()
	s.session.Claim = &Claim{Code: code, URL: url}
	s.publishLocked(event.Claim{Code: code, URL: url})
	s.publishLocked(event.Exchanging{Code: code})
	s.systemLocked("waiting for claim approval at " + url)
	if s.history != nil {
		s.history.Record("claim", code)
	}
	s.mu.Unlock()

	out, err = s.runAgent(ctx, s.opts.ClaimTimeout, "claim", "exchange", code)
	if err != nil {
		return s.commandFailed(fmt.Sprintf("exchanging claim code: %v", err))
	}
	key, err := parser.ExtractSecret(out)
	if err != nil {
		return s.commandFailed(fmt.Sprintf("exchanging claim code: %v", err))
	}
	path, err := s.agent.WriteSecret(key)
	if err != nil {
		return s.commandFailed(fmt.Sprintf("storing secret: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Claim = nil
	s.session.Secret = &Secret{Path: path, Key: key}
	s.publishLocked(event.Secret{Path: path, Key: key})
	s.publishLocked(event.SecretPath{Path: path})
	s.systemLocked("agent claimed, secret stored at " + path)
	if s.history != nil {
		s.history.Record("secret", path)
	}
	return success("agent claimed")
}

// Reset stops the agent, runs the agent's own reset and removes the
// stored secret.
func (s *Supervisor) Reset(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.publish(event.Resetting{})
	s.system("resetting agent")
	if s.Status() != StatusStopped {
		if r := s.stop(ctx); !r.Success {
			return s.commandFailed("reset: " + r.Message)
		}
	}

	code := 0
	if path, err := s.agent.SecretPath(); err == nil {
		_, runErr := s.runAgent(ctx, s.opts.CommandTimeout, "--secret_path", path, "reset")
		code = procutil.ExitCode(runErr)
		if runErr != nil {
			s.log.Warn("agent reset command failed", "err", runErr)
		}
	}
	removed, err := s.agent.ClearSecret()
	if err != nil {
		return s.commandFailed(fmt.Sprintf("reset: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Secret = nil
	s.session.Claim = nil
	s.tunnels = nil
	s.publishLocked(event.ResetComplete{ExitCode: code})
	s.systemLocked(fmt.Sprintf("reset complete (secret removed: %t)", removed))
	if s.history != nil {
		s.history.Record("reset", fmt.Sprintf("exit code %d", code))
	}
	return success("reset complete")
}

// Version queries the agent binary's version.
func (s *Supervisor) Version(ctx context.Context) Result {
	out, err := s.runAgent(ctx, s.opts.CommandTimeout, "version")
	if err != nil {
		return s.commandFailed(fmt.Sprintf("querying agent version: %v", err))
	}
	v, _, _ := strings.Cut(out, "\n")
	v = strings.TrimSpace(strings.TrimPrefix(v, "playit"))
	if v == "" {
		return s.commandFailed("querying agent version: empty output")
	}
	s.publish(event.Version{Version: v})
	return success(v)
}

// Help fetches the agent's usage text.
func (s *Supervisor) Help(ctx context.Context) Result {
	out, err := s.runAgent(ctx, s.opts.CommandTimeout, "--help")
	if err != nil && out == "" {
		return s.commandFailed(fmt.Sprintf("querying agent help: %v", err))
	}
	s.publish(event.Help{Text: out})
	return success("help fetched")
}

// SecretPath publishes the configured secret file path.
func (s *Supervisor) SecretPath(ctx context.Context) Result {
	path, err := s.agent.SecretPath()
	if err != nil {
		return s.commandFailed(fmt.Sprintf("reading agent config: %v", err))
	}
	s.publish(event.SecretPath{Path: path})
	return success(path)
}

// ListTunnels refreshes the tunnel listing. It asks a claimed agent for
// its tunnels and falls back to the tunnels declared in the agent config.
func (s *Supervisor) ListTunnels(ctx context.Context) ([]event.Tunnel, error) {
	conf, err := s.agent.Load()
	if err != nil {
		s.commandFailed(fmt.Sprintf("listing tunnels: %v", err))
		return nil, err
	}

	var list []event.Tunnel
	if key, _ := s.agent.ReadSecret(); key != "" {
		out, err := s.runAgent(ctx, s.opts.CommandTimeout, "--secret_path", conf.SecretPath, "tunnels", "list")
		if err == nil {
			list = parseTunnelList(out)
		} else {
			s.log.Warn("agent tunnel listing failed, using config", "err", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if list == nil {
		for _, t := range conf.Tunnels {
			list = append(list, event.Tunnel{
				Name:    t.Name,
				Proto:   t.Proto,
				Port:    t.Port,
				Address: s.session.TunnelURL,
				Status:  string(s.session.Status),
			})
		}
	}
	s.tunnels = list
	s.publishLocked(event.Tunnels{List: list})
	out := make([]event.Tunnel, len(list))
	copy(out, list)
	return out, nil
}

// parseTunnelList decodes a JSON tunnel array from agent output. It
// returns nil when the output holds none.
func parseTunnelList(out string) []event.Tunnel {
	start := strings.IndexByte(out, '[')
	end := strings.LastIndexByte(out, ']')
	if start < 0 || end < start {
		return nil
	}
	var list []event.Tunnel
	if err := json.Unmarshal([]byte(out[start:end+1]), &list); err != nil {
		return nil
	}
	return list
}

// ConfigChanged is called when the agent config or secret file changes on
// disk. The tunnel listing is dropped, and a live agent gets a warning that
// it still runs with the old settings.
func (s *Supervisor) ConfigChanged(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnels = nil
	s.systemLocked("agent config changed: " + path)
	switch s.session.Status {
	case StatusStarting, StatusRunning:
		s.publishLocked(event.Warning{Message: "agent config changed, restart the agent to apply it"})
	}
}
