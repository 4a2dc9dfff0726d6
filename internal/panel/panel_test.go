package panel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codewiresh/playwire/internal/config"
	"github.com/codewiresh/playwire/internal/driver"
)

func testConfig(dir string) *config.Config {
	cfg := config.Defaults(dir)
	no := false
	cfg.Agent.AutoInstall = &no
	cfg.Listen = "127.0.0.1:0"
	return cfg
}

func TestNewBackend(t *testing.T) {
	cfg := testConfig(t.TempDir())
	if _, ok := NewBackend(cfg, nil).(*driver.Direct); !ok {
		t.Fatal("expected direct backend by default")
	}

	cfg.Service.Managed = true
	cfg.Service.User = "playit"
	cfg.SudoPassword = "hunter2"
	sd, ok := NewBackend(cfg, nil).(*driver.Systemd)
	if !ok {
		t.Fatal("expected systemd backend for a managed service")
	}
	if sd.Unit != "playwire-agent" || sd.User != "playit" || sd.Credential != "hunter2" {
		t.Fatalf("systemd backend = %+v", sd)
	}
}

func TestSupervisorOptions(t *testing.T) {
	cfg := testConfig(t.TempDir())
	off := false
	five := 5
	cfg.Supervisor.AutoRestart = &off
	cfg.Supervisor.MaxRestartAttempts = &five
	cfg.Supervisor.Backoff = []config.Duration{{Duration: time.Second}}
	cfg.Supervisor.MaxLogs = 42

	opts := SupervisorOptions(cfg)
	if opts.AutoRestart || opts.AutoInstall {
		t.Fatalf("flags = %+v", opts)
	}
	if opts.MaxRestartAttempts != 5 || opts.MaxLogs != 42 {
		t.Fatalf("opts = %+v", opts)
	}
	if len(opts.Backoff) != 1 || opts.Backoff[0] != time.Second {
		t.Fatalf("backoff = %v", opts.Backoff)
	}
	if opts.HealthInterval != 30*time.Second || opts.StableReset != 5*time.Minute {
		t.Fatalf("defaults lost: %+v", opts)
	}
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPanelWithConfig(dir, testConfig(dir), nil)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/api/tunnel/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Success bool `json:"success"`
		Data    struct {
			Status  string `json:"status"`
			Backend string `json:"backend"`
		} `json:"data"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if !status.Success || status.Data.Status != "stopped" || status.Data.Backend != "direct" {
		t.Fatalf("status = %+v", status)
	}

	resp, err = http.Get(base + "/api/tunnel/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history = %d", resp.StatusCode)
	}

	pid, err := ReadPid(dir)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("pid = %d, %v", pid, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if _, err := os.Stat(filepath.Join(dir, PidFile)); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	off := false
	cfg.History.Enabled = &off
	p, err := NewPanelWithConfig(dir, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Cleanup()
	if p.historyReader() != nil {
		t.Fatal("history reader set while disabled")
	}
	if _, err := os.Stat(filepath.Join(dir, "history.db")); !os.IsNotExist(err) {
		t.Fatal("history database created while disabled")
	}
}

func TestNewLogger(t *testing.T) {
	if !NewLogger("debug").Enabled(context.Background(), -4) {
		t.Fatal("debug logger drops debug records")
	}
	if NewLogger("bogus").Enabled(context.Background(), -4) {
		t.Fatal("unknown level should fall back to info")
	}
}
