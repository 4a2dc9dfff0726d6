package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/gateway"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// replies maps query commands to the event carrying their answer.
var replies = map[string]string{
	"version":     "version",
	"help":        "help",
	"secret-path": "secret-path",
	"reset":       "reset-complete",
}

// errorMessage returns the message of an "error" frame.
func errorMessage(f gateway.Frame) string {
	var e event.Error
	json.Unmarshal(f.Data, &e)
	return e.Message
}

// Query triggers op and waits for the event carrying its result. An error
// event published before the answer fails the query.
func (c *Client) Query(ctx context.Context, op string) (gateway.Frame, error) {
	want, ok := replies[op]
	if !ok {
		return gateway.Frame{}, fmt.Errorf("%q has no reply event", op)
	}
	s, err := c.Subscribe(ctx)
	if err != nil {
		return gateway.Frame{}, err
	}
	defer s.Close()

	if _, err := c.Command(ctx, op); err != nil {
		return gateway.Frame{}, err
	}
	f, err := s.WaitFor(ctx, nil, want, "error")
	if err != nil {
		return f, err
	}
	if f.Event == "error" {
		return f, errors.New(errorMessage(f))
	}
	return f, nil
}

// Version returns the installed agent version.
func (c *Client) Version(ctx context.Context) (string, error) {
	f, err := c.Query(ctx, "version")
	if err != nil {
		return "", err
	}
	var v event.Version
	if err := json.Unmarshal(f.Data, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// SecretPath returns the path of the agent's secret file.
func (c *Client) SecretPath(ctx context.Context) (string, error) {
	f, err := c.Query(ctx, "secret-path")
	if err != nil {
		return "", err
	}
	var p event.SecretPath
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return "", err
	}
	return p.Path, nil
}

// Help returns the agent's usage text.
func (c *Client) Help(ctx context.Context) (string, error) {
	f, err := c.Query(ctx, "help")
	if err != nil {
		return "", err
	}
	var h event.Help
	if err := json.Unmarshal(f.Data, &h); err != nil {
		return "", err
	}
	return h.Text, nil
}

// Reset clears the agent's secret and returns the agent's exit code.
func (c *Client) Reset(ctx context.Context) (int, error) {
	f, err := c.Query(ctx, "reset")
	if err != nil {
		return 0, err
	}
	var r event.ResetComplete
	if err := json.Unmarshal(f.Data, &r); err != nil {
		return 0, err
	}
	return r.ExitCode, nil
}

// Login runs the claim flow. onClaim is called with the claim URL the
// user must open; Login returns the stored secret path once the claim is
// approved.
func (c *Client) Login(ctx context.Context, onClaim func(event.Claim)) (string, error) {
	s, err := c.Subscribe(ctx)
	if err != nil {
		return "", err
	}
	defer s.Close()

	if _, err := c.Command(ctx, "login"); err != nil {
		return "", err
	}
	for {
		f, err := s.WaitFor(ctx, nil, "claim", "secret", "error")
		if err != nil {
			return "", err
		}
		switch f.Event {
		case "claim":
			var cl event.Claim
			json.Unmarshal(f.Data, &cl)
			if onClaim != nil {
				onClaim(cl)
			}
		case "secret":
			var sec event.Secret
			json.Unmarshal(f.Data, &sec)
			return sec.Path, nil
		case "error":
			return "", errors.New(errorMessage(f))
		}
	}
}

// StartAndWait starts the agent and waits until it reports a tunnel
// address or an auth URL. It fails if the start is refused or the agent
// ends up stopped or in error. It returns the final frame.
func (c *Client) StartAndWait(ctx context.Context, each func(gateway.Frame)) (gateway.Frame, error) {
	s, err := c.Subscribe(ctx)
	if err != nil {
		return gateway.Frame{}, err
	}
	defer s.Close()

	if _, err := c.Command(ctx, "start"); err != nil {
		return gateway.Frame{}, err
	}
	started := false
	for {
		f, err := s.WaitFor(ctx, each, "tunnel_created", "auth_url", "status", "error")
		if err != nil {
			return f, err
		}
		switch f.Event {
		case "tunnel_created", "auth_url":
			return f, nil
		case "error":
			// Before the agent is spawned an error means the start was aborted.
			if !started {
				return f, errors.New(errorMessage(f))
			}
		case "status":
			var st gateway.StatusData
			json.Unmarshal(f.Data, &st)
			switch supervisor.Status(st.To) {
			case supervisor.StatusStarting:
				started = true
			case supervisor.StatusError, supervisor.StatusStopped:
				return f, fmt.Errorf("agent %s", st.To)
			}
		}
	}
}

// Follow streams log entries until ctx ends. The buffered entries are
// delivered first.
func (c *Client) Follow(ctx context.Context, fn func(supervisor.LogEntry)) error {
	s, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	// Subscribed first, so no entry falls between the backlog and the stream.
	backlog, err := c.Logs(ctx, 0)
	if err != nil {
		return err
	}
	var last supervisor.LogEntry
	for _, e := range backlog {
		fn(e)
		last = e
	}
	for {
		f, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if f.Event != "log" {
			continue
		}
		var e supervisor.LogEntry
		if err := json.Unmarshal(f.Data, &e); err != nil {
			continue
		}
		// Entries already in the backlog can arrive again on the stream.
		if len(backlog) > 0 && !e.Time.After(last.Time) {
			continue
		}
		fn(e)
	}
}
