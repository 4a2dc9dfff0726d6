package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/gateway"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// scriptedController publishes a canned event sequence for each command.
type scriptedController struct {
	bus *event.Bus

	mu      sync.Mutex
	status  supervisor.Status
	logs    []supervisor.LogEntry
	scripts map[string][]event.Event
	input   []string
}

func (c *scriptedController) run(op string) supervisor.Result {
	c.mu.Lock()
	evs := c.scripts[op]
	c.mu.Unlock()
	for _, ev := range evs {
		c.bus.Publish(ev)
	}
	return supervisor.Result{Success: true}
}

func (c *scriptedController) Start(context.Context) supervisor.Result   { return c.run("start") }
func (c *scriptedController) Stop(context.Context) supervisor.Result    { return c.run("stop") }
func (c *scriptedController) Restart(context.Context) supervisor.Result { return c.run("restart") }
func (c *scriptedController) Login(context.Context) supervisor.Result   { return c.run("login") }
func (c *scriptedController) Reset(context.Context) supervisor.Result   { return c.run("reset") }
func (c *scriptedController) Version(context.Context) supervisor.Result { return c.run("version") }
func (c *scriptedController) Help(context.Context) supervisor.Result    { return c.run("help") }
func (c *scriptedController) SecretPath(context.Context) supervisor.Result {
	return c.run("secret-path")
}
func (c *scriptedController) ListTunnels(context.Context) ([]event.Tunnel, error) { return nil, nil }
func (c *scriptedController) Tunnels() []event.Tunnel {
	return []event.Tunnel{{Name: "minecraft", Proto: "tcp", Port: 25565}}
}

func (c *scriptedController) SendInput(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != supervisor.StatusRunning {
		return supervisor.ErrNotRunning
	}
	c.input = append(c.input, text)
	return nil
}

func (c *scriptedController) Snapshot() supervisor.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return supervisor.Session{Status: c.status, Backend: "direct"}
}

func (c *scriptedController) Logs() []supervisor.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logs
}

func newTestClient(t *testing.T, scripts map[string][]event.Event) (*Client, *scriptedController) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus()
	ctrl := &scriptedController{bus: bus, status: supervisor.StatusStopped, scripts: scripts}
	gw := gateway.New(ctx, ctrl, bus, nil, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		gw.Wait()
	})
	return New(srv.URL), ctrl
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewNormalizesAddress(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:9180":         "http://127.0.0.1:9180",
		"http://localhost:9180/": "http://localhost:9180",
		"https://panel.example":  "https://panel.example",
	}
	for in, want := range tests {
		if got := New(in).BaseURL; got != want {
			t.Errorf("New(%q).BaseURL = %q, want %q", in, got, want)
		}
	}
	if got := New("https://panel.example").wsURL(); got != "wss://panel.example/api/tunnel/ws" {
		t.Errorf("wsURL = %q", got)
	}
}

func TestStatusAndTunnels(t *testing.T) {
	c, _ := newTestClient(t, nil)
	ctx := testContext(t)

	s, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != supervisor.StatusStopped || s.Backend != "direct" {
		t.Fatalf("status = %+v", s)
	}

	tunnels, err := c.Tunnels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tunnels) != 1 || tunnels[0].Port != 25565 {
		t.Fatalf("tunnels = %+v", tunnels)
	}
}

func TestCommandRejected(t *testing.T) {
	c, _ := newTestClient(t, nil)
	_, err := c.Command(testContext(t), "stop")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 409 || apiErr.Message != "already stopped" {
		t.Fatalf("err = %v", err)
	}
	if _, err := c.Command(testContext(t), "explode"); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestInput(t *testing.T) {
	c, ctrl := newTestClient(t, nil)
	if err := c.Input(testContext(t), "help"); err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("err = %v", err)
	}
	ctrl.mu.Lock()
	ctrl.status = supervisor.StatusRunning
	ctrl.mu.Unlock()
	if err := c.Input(testContext(t), "help"); err != nil {
		t.Fatal(err)
	}
}

func TestHistoryUnavailable(t *testing.T) {
	c, _ := newTestClient(t, nil)
	_, err := c.History(testContext(t), 10)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("err = %v", err)
	}
}

func TestQueries(t *testing.T) {
	c, _ := newTestClient(t, map[string][]event.Event{
		"version":     {event.Log{Message: "noise"}, event.Version{Version: "0.15.26"}},
		"secret-path": {event.SecretPath{Path: "/data/playit.toml"}},
		"help":        {event.Help{Text: "Usage: playit [OPTIONS]"}},
		"reset":       {event.Resetting{}, event.ResetComplete{ExitCode: 0}},
	})
	ctx := testContext(t)

	if v, err := c.Version(ctx); err != nil || v != "0.15.26" {
		t.Fatalf("version = %q, %v", v, err)
	}
	if p, err := c.SecretPath(ctx); err != nil || p != "/data/playit.toml" {
		t.Fatalf("secret path = %q, %v", p, err)
	}
	if h, err := c.Help(ctx); err != nil || !strings.HasPrefix(h, "Usage") {
		t.Fatalf("help = %q, %v", h, err)
	}
	if code, err := c.Reset(ctx); err != nil || code != 0 {
		t.Fatalf("reset = %d, %v", code, err)
	}
}

func TestQueryError(t *testing.T) {
	c, _ := newTestClient(t, map[string][]event.Event{
		"version": {event.Error{Message: "playit binary not found"}},
	})
	_, err := c.Version(testContext(t))
	if err == nil || err.Error() != "playit binary not found" {
		t.Fatalf("err = %v", err)
	}
}

func TestLogin(t *testing.T) {
	c, _ := newTestClient(t, map[string][]event.Event{
		"login": {
			event.Claim{Code: "abc123", URL: "https://playit.gg/claim/abc123"},
			event.Exchanging{Code: "abc123"},
			event.Secret{Path: "/data/playit.toml"},
		},
	})
	var claimed event.Claim
	path, err := c.Login(testContext(t), func(cl event.Claim) { claimed = cl })
	if err != nil {
		t.Fatal(err)
	}
	if claimed.URL != "https://playit.gg/claim/abc123" || path != "/data/playit.toml" {
		t.Fatalf("claim = %+v, path = %q", claimed, path)
	}
}

func TestLoginFailure(t *testing.T) {
	c, _ := newTestClient(t, map[string][]event.Event{
		"login": {event.Error{Message: "no claim code in agent output"}},
	})
	if _, err := c.Login(testContext(t), nil); err == nil || !strings.Contains(err.Error(), "claim code") {
		t.Fatalf("err = %v", err)
	}
}

func TestStartAndWait(t *testing.T) {
	c, _ := newTestClient(t, map[string][]event.Event{
		"start": {
			event.Status{From: "stopped", To: "starting"},
			event.Starting{},
			event.Error{Message: "agent printed an error line"},
			event.TunnelCreated{URL: "brave-fox.gl.at.ply.gg:31337"},
		},
	})
	var seen []string
	f, err := c.StartAndWait(testContext(t), func(f gateway.Frame) { seen = append(seen, f.Event) })
	if err != nil {
		t.Fatal(err)
	}
	if f.Event != "tunnel_created" {
		t.Fatalf("final frame = %+v", f)
	}
	want := []string{"status", "starting", "error", "tunnel_created"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
}

func TestStartAndWaitAborted(t *testing.T) {
	c, _ := newTestClient(t, map[string][]event.Event{
		"start": {event.Error{Message: "cannot start agent: playit binary not found"}},
	})
	if _, err := c.StartAndWait(testContext(t), nil); err == nil || !strings.Contains(err.Error(), "binary not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestFollow(t *testing.T) {
	t0 := time.Now().UTC()
	c, ctrl := newTestClient(t, nil)
	ctrl.logs = []supervisor.LogEntry{
		{Time: t0, Source: supervisor.SourceSystem, Message: "starting agent"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := make(chan supervisor.LogEntry, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Follow(ctx, func(e supervisor.LogEntry) { got <- e })
	}()

	if e := <-got; e.Message != "starting agent" {
		t.Fatalf("backlog entry = %+v", e)
	}
	ctrl.bus.Publish(event.Log{Time: t0, Source: "system", Message: "duplicate"})
	ctrl.bus.Publish(event.Log{Time: t0.Add(time.Second), Source: "agent", Message: "tunnel running"})

	select {
	case e := <-got:
		if e.Message != "tunnel running" {
			t.Fatalf("streamed entry = %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("no streamed entry")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
}
