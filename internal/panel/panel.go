// Package panel wires the tunnel supervisor, its backends and the HTTP
// gateway into the playwire daemon.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codewiresh/playwire/internal/agentconf"
	"github.com/codewiresh/playwire/internal/config"
	"github.com/codewiresh/playwire/internal/driver"
	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/gateway"
	"github.com/codewiresh/playwire/internal/locator"
	"github.com/codewiresh/playwire/internal/store"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// PidFile is the daemon's pid file name inside the data directory.
const PidFile = "playwire.pid"

// Panel is the daemon that supervises the tunnel agent and serves the
// tunnel API.
type Panel struct {
	Supervisor *supervisor.Supervisor
	Bus        *event.Bus
	Agent      *agentconf.Store
	Locator    *locator.Locator

	config   *config.Config
	dataDir  string
	pidPath  string
	log      *slog.Logger
	history  *store.SQLiteStore
	recorder *store.Recorder
}

// NewPanel loads the configuration from dataDir and builds a panel.
func NewPanel(dataDir string, log *slog.Logger) (*Panel, error) {
	cfg, err := config.LoadConfig(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return NewPanelWithConfig(dataDir, cfg, log)
}

// NewPanelWithConfig builds a panel from an already loaded configuration.
func NewPanelWithConfig(dataDir string, cfg *config.Config, log *slog.Logger) (*Panel, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	p := &Panel{
		Bus:     event.NewBus(),
		Agent:   agentconf.NewStore(cfg.AgentConfigPath(dataDir), cfg.AgentSecretPath(dataDir), log),
		Locator: NewLocator(cfg, log),
		config:  cfg,
		dataDir: dataDir,
		pidPath: PidPath(dataDir),
		log:     log,
	}

	var history supervisor.Recorder
	if cfg.History.Enabled == nil || *cfg.History.Enabled {
		st, err := store.NewSQLiteStore(dataDir, cfg.History.Retention.Duration)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		p.history = st
		p.recorder = store.NewRecorder(st, 0, log)
		history = p.recorder
	}

	p.Supervisor = supervisor.New(SupervisorOptions(cfg), supervisor.Deps{
		Locator: p.Locator,
		Backend: NewBackend(cfg, log),
		Agent:   p.Agent,
		Bus:     p.Bus,
		History: history,
		Logger:  log,
	})
	return p, nil
}

// NewLocator returns the binary locator described by cfg.
func NewLocator(cfg *config.Config, log *slog.Logger) *locator.Locator {
	return locator.New(locator.Options{
		InstallDir: cfg.Agent.InstallDir,
		Logger:     log,
	})
}

// NewBackend selects the process backend: the systemd unit when the agent
// runs as a managed service, a direct child otherwise.
func NewBackend(cfg *config.Config, log *slog.Logger) driver.Backend {
	if cfg.Service.Managed {
		sd := driver.NewSystemd(cfg.Service.Unit, cfg.SudoPassword, log)
		sd.User = cfg.Service.User
		return sd
	}
	return driver.NewDirect(log)
}

// SupervisorOptions maps the configuration onto supervisor options.
func SupervisorOptions(cfg *config.Config) supervisor.Options {
	opts := supervisor.DefaultOptions()
	sc := cfg.Supervisor
	if sc.AutoRestart != nil {
		opts.AutoRestart = *sc.AutoRestart
	}
	if cfg.Agent.AutoInstall != nil {
		opts.AutoInstall = *cfg.Agent.AutoInstall
	}
	if sc.MaxRestartAttempts != nil {
		opts.MaxRestartAttempts = *sc.MaxRestartAttempts
	}
	if len(sc.Backoff) > 0 {
		opts.Backoff = sc.BackoffDurations()
	}
	if sc.HealthInterval.Duration > 0 {
		opts.HealthInterval = sc.HealthInterval.Duration
	}
	if sc.StallGrace.Duration > 0 {
		opts.StallGrace = sc.StallGrace.Duration
	}
	if sc.StableReset.Duration > 0 {
		opts.StableReset = sc.StableReset.Duration
	}
	if sc.MaxLogs > 0 {
		opts.MaxLogs = sc.MaxLogs
	}
	if sc.ClaimTimeout.Duration > 0 {
		opts.ClaimTimeout = sc.ClaimTimeout.Duration
	}
	return opts
}

// Run writes a pid file, listens on the configured address and serves
// until ctx is cancelled.
func (p *Panel) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.config.Listen, err)
	}
	return p.Serve(ctx, ln)
}

// Serve runs the panel on ln. On return the agent has been stopped and
// the history flushed.
func (p *Panel) Serve(ctx context.Context, ln net.Listener) error {
	if err := os.WriteFile(p.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		ln.Close()
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer p.Cleanup()

	gw := gateway.New(ctx, p.Supervisor, p.Bus, p.historyReader(), p.log)
	mux := http.NewServeMux()
	gw.Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	go p.Supervisor.Run(ctx)
	go func() {
		if err := p.Agent.Watch(ctx, p.Supervisor.ConfigChanged); err != nil {
			p.log.Warn("agent config watcher stopped", "err", err)
		}
	}()

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	p.log.Info("tunnel api listening", "addr", ln.Addr().String(), "backend", p.Supervisor.Snapshot().Backend)

	// Shut down gracefully when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		err = nil
	} else if err != nil {
		err = fmt.Errorf("tunnel api server: %w", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	p.Supervisor.Shutdown(stopCtx)
	gw.Wait()
	return err
}

func (p *Panel) historyReader() gateway.History {
	if p.recorder == nil {
		return nil
	}
	return p.recorder
}

// Cleanup removes the pid file and closes the history store.
func (p *Panel) Cleanup() {
	_ = os.Remove(p.pidPath)
	if p.recorder != nil {
		p.recorder.Close()
	}
	if p.history != nil {
		p.history.Close()
	}
}

// PidPath returns the pid file path for dataDir.
func PidPath(dataDir string) string {
	return filepath.Join(dataDir, PidFile)
}

// ReadPid returns the pid recorded in dataDir's pid file.
func ReadPid(dataDir string) (int, error) {
	data, err := os.ReadFile(PidPath(dataDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file: %w", err)
	}
	return pid, nil
}

// NewLogger returns a text logger on stderr at the given level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
