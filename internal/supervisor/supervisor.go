// Package supervisor owns the tunnel agent's lifecycle: it starts and stops
// the agent through a driver backend, turns agent output into domain
// events, restarts the agent with backoff after unexpected exits, and
// watches its health.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/codewiresh/playwire/internal/agentconf"
	"github.com/codewiresh/playwire/internal/driver"
	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/locator"
	"github.com/codewiresh/playwire/internal/parser"
	"github.com/codewiresh/playwire/internal/procutil"
)

// Status is the lifecycle state of the agent.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusError      Status = "error"
)

// Claim is the outstanding claim code from a login flow.
type Claim struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// Secret is the stored agent secret. The key is never serialized.
type Secret struct {
	Path string `json:"path"`
	Key  string `json:"-"`
}

// Session is the supervisor's view of the agent.
type Session struct {
	Status          Status     `json:"status"`
	Backend         string     `json:"backend"`
	Pid             int        `json:"pid,omitempty"`
	TunnelURL       string     `json:"tunnelUrl,omitempty"`
	AuthURL         string     `json:"authUrl,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	RestartAttempts int        `json:"restartAttempts"`
	Claim           *Claim     `json:"claim,omitempty"`
	Secret          *Secret    `json:"secret,omitempty"`
}

func (s Session) clone() Session {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.Claim != nil {
		c := *s.Claim
		s.Claim = &c
	}
	if s.Secret != nil {
		sec := *s.Secret
		s.Secret = &sec
	}
	return s
}

// Result is the outcome of a lifecycle command.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func success(msg string) Result { return Result{Success: true, Message: msg} }
func failure(msg string) Result { return Result{Success: false, Message: msg} }

// Resolver finds (and optionally installs) the agent binary.
type Resolver interface {
	Resolve(ctx context.Context, autoInstall bool) locator.Result
}

// Recorder receives lifecycle history. Record must not block.
type Recorder interface {
	Record(kind, detail string)
}

// Options tune the supervisor's policies.
type Options struct {
	AutoRestart        bool
	AutoInstall        bool
	MaxRestartAttempts int
	// Backoff is indexed by the restart attempt; the last delay repeats.
	Backoff        []time.Duration
	HealthInterval time.Duration
	// StallGrace is how long a started agent may go without reporting a
	// tunnel address before it is restarted.
	StallGrace time.Duration
	// StableReset is how long the agent must run before the restart
	// counter resets.
	StableReset    time.Duration
	MaxLogs        int
	StartRetries   int
	StartBackoff   []time.Duration
	ClaimTimeout   time.Duration
	CommandTimeout time.Duration
}

// DefaultOptions returns the production policy.
func DefaultOptions() Options {
	return Options{
		AutoRestart:        true,
		AutoInstall:        true,
		MaxRestartAttempts: 3,
		Backoff:            []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second},
		HealthInterval:     30 * time.Second,
		StallGrace:         30 * time.Second,
		StableReset:        5 * time.Minute,
		MaxLogs:            500,
		StartRetries:       3,
		StartBackoff:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		ClaimTimeout:       10 * time.Minute,
		CommandTimeout:     30 * time.Second,
	}
}

// Deps are the supervisor's collaborators. Locator, Backend, Agent and Bus
// are required.
type Deps struct {
	Locator Resolver
	Backend driver.Backend
	Runner  procutil.Runner
	Agent   *agentconf.Store
	Bus     *event.Bus
	History Recorder
	Clock   Clock
	Rules   *parser.Rules
	Logger  *slog.Logger
}

// Supervisor drives one tunnel agent.
type Supervisor struct {
	opts    Options
	locator Resolver
	backend driver.Backend
	runner  procutil.Runner
	agent   *agentconf.Store
	bus     *event.Bus
	history Recorder
	clock   Clock
	rules   *parser.Rules
	log     *slog.Logger
	logs    *LogBuffer

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes lifecycle commands (start, stop, restart, reset and
	// timer-driven starts). It is never taken while holding mu.
	opMu sync.Mutex

	mu           sync.Mutex
	session      Session
	handle       driver.Handle
	gen          uint64 // incremented per spawn
	exited       bool   // current generation has exited
	shuttingDown bool
	pstate       parser.State
	runningSince time.Time
	// stallRestarted is set once a stalled start has been restarted, and
	// cleared by user commands or a reported tunnel address.
	stallRestarted bool
	timer          Timer
	timerGen       uint64
	loginActive    bool
	tunnels        []event.Tunnel
	lastExit       int
}

// New returns a stopped supervisor.
func New(opts Options, deps Deps) *Supervisor {
	def := DefaultOptions()
	if len(opts.Backoff) == 0 {
		opts.Backoff = def.Backoff
	}
	if len(opts.StartBackoff) == 0 {
		opts.StartBackoff = def.StartBackoff
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = def.HealthInterval
	}
	if opts.StallGrace <= 0 {
		opts.StallGrace = def.StallGrace
	}
	if opts.StableReset <= 0 {
		opts.StableReset = def.StableReset
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = def.MaxLogs
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = def.ClaimTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Rules == nil {
		deps.Rules = parser.DefaultRules()
	}
	if deps.Runner == nil {
		deps.Runner = procutil.ExecRunner{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:    opts,
		locator: deps.Locator,
		backend: deps.Backend,
		runner:  deps.Runner,
		agent:   deps.Agent,
		bus:     deps.Bus,
		history: deps.History,
		clock:   deps.Clock,
		rules:   deps.Rules,
		log:     deps.Logger,
		logs:    NewLogBuffer(opts.MaxLogs),
		ctx:     ctx,
		cancel:  cancel,
		session: Session{Status: StatusStopped, Backend: deps.Backend.Name()},
	}
}

// Start launches the agent. It is refused while the agent is starting or
// running; a pending restart is cancelled and replaced by this start.
func (s *Supervisor) Start(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if s.session.Status != StatusStarting && s.session.Status != StatusRunning {
		s.stallRestarted = false
	}
	s.mu.Unlock()
	return s.start(ctx)
}

// Stop ends the agent and cancels any pending restart.
func (s *Supervisor) Stop(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	r := s.stop(ctx)
	s.mu.Lock()
	s.stallRestarted = false
	s.mu.Unlock()
	return r
}

// Restart stops the agent if it is live, cancels a pending restart timer
// and starts it again. It behaves the same for every backend.
func (s *Supervisor) Restart(ctx context.Context) Result {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	s.stallRestarted = false
	s.mu.Unlock()
	return s.restart(ctx)
}

func (s *Supervisor) restart(ctx context.Context) Result {
	s.mu.Lock()
	if s.session.Status == StatusRestarting {
		s.cancelTimerLocked()
		s.setStatusLocked(StatusStopped)
	}
	live := s.handle != nil
	s.mu.Unlock()

	if live {
		if r := s.stop(ctx); !r.Success {
			return r
		}
	}
	return s.start(ctx)
}

// start runs with opMu held.
func (s *Supervisor) start(ctx context.Context) Result {
	s.mu.Lock()
	from := s.session.Status
	switch from {
	case StatusStarting, StatusRunning:
		s.mu.Unlock()
		return failure("already running")
	case StatusRestarting:
		s.cancelTimerLocked()
	}
	s.mu.Unlock()

	abort := func(msg string) Result {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.errorLocked(msg, false)
		if from == StatusRestarting {
			s.setStatusLocked(StatusError)
		}
		return failure(msg)
	}

	bin, err := s.resolveBinary(ctx)
	if err != nil {
		return abort(fmt.Sprintf("cannot start agent: %v", err))
	}
	conf, err := s.agent.Load()
	if err != nil {
		return abort(fmt.Sprintf("cannot start agent: %v", err))
	}
	key, err := s.agent.ReadSecret()
	if err != nil {
		return abort(fmt.Sprintf("cannot start agent: %v", err))
	}

	cmd := AgentCommand(bin, conf.SecretPath, s.agent.Path())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.exited = false
	s.shuttingDown = false
	s.pstate = parser.State{}
	s.session.TunnelURL = ""
	s.session.AuthURL = ""
	s.session.Pid = 0
	now := s.clock.Now()
	s.session.StartedAt = &now
	s.runningSince = time.Time{}
	if key != "" {
		s.session.Secret = &Secret{Path: conf.SecretPath, Key: key}
	} else {
		s.systemLocked("no agent secret stored, the agent will print a claim link")
	}
	s.setStatusLocked(StatusStarting)
	s.publishLocked(event.Starting{})
	s.systemLocked(fmt.Sprintf("starting agent (%s backend): %s", s.backend.Name(), bin))
	s.mu.Unlock()

	h, err := s.backend.Spawn(ctx, cmd, &agentListener{s: s, gen: gen})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.session.StartedAt = nil
		msg := fmt.Sprintf("spawning agent: %v", err)
		if errors.Is(err, driver.ErrPrivilegeRequired) {
			msg = err.Error()
		}
		s.errorLocked(msg, false)
		s.setStatusLocked(StatusError)
		return failure(msg)
	}
	if gen == s.gen && !s.exited {
		s.handle = h
		s.session.Pid = h.Pid()
	}
	return success("agent starting")
}

// AgentCommand is the agent invocation for a binary, secret file and
// agent config path. The agent runs from the config's directory.
func AgentCommand(bin, secretPath, configPath string) driver.Command {
	return driver.Command{
		Path: bin,
		Args: []string{"--secret_path", secretPath, "start"},
		Dir:  filepath.Dir(configPath),
	}
}

// resolveBinary retries transient install failures. Without auto-install
// a missing binary is final.
func (s *Supervisor) resolveBinary(ctx context.Context) (string, error) {
	for attempt := 0; ; attempt++ {
		res := s.locator.Resolve(ctx, s.opts.AutoInstall)
		if res.OK() {
			return res.Path, nil
		}
		if !s.opts.AutoInstall || attempt >= s.opts.StartRetries {
			return "", errors.New(res.Error)
		}
		delay := s.opts.StartBackoff[min(attempt, len(s.opts.StartBackoff)-1)]
		s.log.Warn("agent binary unavailable, retrying", "err", res.Error, "attempt", attempt+1, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// stop runs with opMu held.
func (s *Supervisor) stop(ctx context.Context) Result {
	s.mu.Lock()
	switch s.session.Status {
	case StatusStopped:
		s.mu.Unlock()
		return failure("already stopped")
	case StatusRestarting, StatusError:
		// No live process: the agent already exited.
		s.cancelTimerLocked()
		s.resetAfterStopLocked()
		s.setStatusLocked(StatusStopped)
		s.publishLocked(event.Stopped{ExitCode: s.lastExit})
		s.systemLocked("agent stopped")
		s.mu.Unlock()
		return success("stopped")
	}
	h := s.handle
	if h == nil {
		s.resetAfterStopLocked()
		s.setStatusLocked(StatusStopped)
		s.publishLocked(event.Stopped{ExitCode: s.lastExit})
		s.mu.Unlock()
		return success("stopped")
	}
	s.shuttingDown = true
	s.systemLocked("stopping agent")
	s.mu.Unlock()

	err := s.backend.Stop(ctx, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == h {
		// The exit handler has not run: the process survived.
		if err == nil {
			err = errors.New("agent did not exit")
		}
		s.shuttingDown = false
		msg := fmt.Sprintf("stopping agent: %v", err)
		s.errorLocked(msg, false)
		return failure(msg)
	}
	if err != nil {
		s.log.Warn("agent stop reported an error after exit", "err", err)
	}
	s.resetAfterStopLocked()
	return success("stopped")
}

func (s *Supervisor) resetAfterStopLocked() {
	s.session.RestartAttempts = 0
	s.session.TunnelURL = ""
	s.session.AuthURL = ""
	s.session.StartedAt = nil
	s.session.Pid = 0
	s.runningSince = time.Time{}
}

type agentListener struct {
	s   *Supervisor
	gen uint64
}

func (l *agentListener) OnData(data []byte)              { l.s.onData(l.gen, data) }
func (l *agentListener) OnExit(status driver.ExitStatus) { l.s.onExit(l.gen, status) }

func (s *Supervisor) onData(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.exited {
		return
	}
	var evs []event.Event
	s.pstate, evs = s.rules.Feed(s.pstate, data)
	s.applyLocked(evs)
}

func (s *Supervisor) onExit(gen uint64, st driver.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.exited {
		return
	}
	var evs []event.Event
	s.pstate, evs = s.rules.Flush(s.pstate)
	s.applyLocked(evs)

	s.exited = true
	s.handle = nil
	s.lastExit = st.Code
	s.session.Pid = 0
	s.session.TunnelURL = ""
	s.session.AuthURL = ""
	s.runningSince = time.Time{}

	if s.shuttingDown {
		s.shuttingDown = false
		s.session.StartedAt = nil
		s.setStatusLocked(StatusStopped)
		s.publishLocked(event.Stopped{ExitCode: st.Code})
		s.systemLocked(fmt.Sprintf("agent stopped (exit code %d)", st.Code))
		return
	}

	s.publishLocked(event.Stopped{ExitCode: st.Code})
	s.errorLocked(fmt.Sprintf("agent exited unexpectedly (exit code %d)", st.Code), true)

	attempts := s.session.RestartAttempts
	if !s.opts.AutoRestart || attempts >= s.opts.MaxRestartAttempts {
		if s.opts.AutoRestart {
			s.errorLocked(fmt.Sprintf("agent failed %d times, giving up", attempts+1), false)
		}
		s.setStatusLocked(StatusError)
		return
	}
	delay := s.opts.Backoff[min(attempts, len(s.opts.Backoff)-1)]
	s.session.RestartAttempts++
	s.setStatusLocked(StatusRestarting)
	s.systemLocked(fmt.Sprintf("restarting agent in %s (attempt %d/%d)", delay, s.session.RestartAttempts, s.opts.MaxRestartAttempts))
	s.scheduleLocked(delay)
}

func (s *Supervisor) scheduleLocked(delay time.Duration) {
	s.cancelTimerLocked()
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(delay, func() { s.fireRestart(gen) })
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Supervisor) fireRestart(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if s.timer == nil || s.timerGen != gen || s.session.Status != StatusRestarting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.start(s.ctx)
}

// applyLocked folds parsed agent events into the session and publishes
// them.
func (s *Supervisor) applyLocked(evs []event.Event) {
	for _, ev := range evs {
		switch e := ev.(type) {
		case event.Output:
			source := SourceAgent
			if e.Level == "error" {
				source = SourceError
			}
			s.logs.Add(LogEntry{Time: s.clock.Now(), Source: source, Message: e.Line})
			s.log.Debug("agent output", "line", e.Line, "level", e.Level)
			s.publishLocked(e)
		case event.TunnelCreated:
			s.stallRestarted = false
			if s.session.TunnelURL == e.URL && s.session.Status == StatusRunning {
				continue
			}
			s.session.TunnelURL = e.URL
			s.publishLocked(e)
			if s.session.Status == StatusStarting {
				s.runningSince = s.clock.Now()
				s.setStatusLocked(StatusRunning)
				s.systemLocked("tunnel ready: " + e.URL)
			}
		case event.AuthURL:
			if s.session.AuthURL == e.URL {
				continue
			}
			s.session.AuthURL = e.URL
			s.publishLocked(e)
		case event.Secret:
			path := ""
			if s.session.Secret != nil {
				path = s.session.Secret.Path
			}
			s.session.Secret = &Secret{Path: path, Key: e.Key}
			s.publishLocked(event.Secret{Path: path, Key: e.Key})
		case event.Error:
			s.publishLocked(e)
			if e.PortConflict {
				s.systemLocked("agent reported a port conflict: another process is using the address")
			}
		default:
			s.publishLocked(ev)
		}
	}
}

func (s *Supervisor) setStatusLocked(to Status) {
	from := s.session.Status
	if from == to {
		return
	}
	s.session.Status = to
	s.log.Info("agent status changed", "from", from, "to", to)
	s.publishLocked(event.Status{From: string(from), To: string(to)})
	if s.history != nil {
		s.history.Record("status", fmt.Sprintf("%s -> %s", from, to))
	}
}

func (s *Supervisor) publishLocked(ev event.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Supervisor) appendLocked(source, msg string) {
	e := LogEntry{Time: s.clock.Now(), Source: source, Message: msg}
	s.logs.Add(e)
	s.publishLocked(event.Log{Time: e.Time, Source: e.Source, Message: e.Message})
}

func (s *Supervisor) systemLocked(msg string) {
	s.log.Info(msg)
	s.appendLocked(SourceSystem, msg)
}

// errorLocked records an error log entry, publishes an error event and,
// when record is set, adds it to the lifecycle history.
func (s *Supervisor) errorLocked(msg string, record bool) {
	s.log.Error(msg)
	s.appendLocked(SourceError, msg)
	s.publishLocked(event.Error{Message: msg})
	if record && s.history != nil {
		s.history.Record("error", msg)
	}
}

// HealthCheck restarts a dead agent, restarts a start that never reported
// a tunnel address (once), and resets the restart counter after a stable
// run.
func (s *Supervisor) HealthCheck(ctx context.Context) {
	s.mu.Lock()
	status := s.session.Status
	h := s.handle
	gen := s.gen
	if h == nil || (status != StatusStarting && status != StatusRunning) {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if status == StatusRunning && s.session.RestartAttempts > 0 &&
		!s.runningSince.IsZero() && now.Sub(s.runningSince) >= s.opts.StableReset {
		s.session.RestartAttempts = 0
		s.systemLocked("agent stable, restart counter reset")
	}
	s.mu.Unlock()

	if !s.backend.Alive(ctx, h) {
		s.mu.Lock()
		if gen == s.gen && !s.exited {
			s.errorLocked("agent health check failed, restarting", true)
		}
		s.mu.Unlock()
		s.restartGen(ctx, gen)
		return
	}

	s.mu.Lock()
	stalled := gen == s.gen && !s.exited && s.session.TunnelURL == "" &&
		s.session.StartedAt != nil && now.Sub(*s.session.StartedAt) >= s.opts.StallGrace &&
		!s.stallRestarted
	if stalled {
		s.stallRestarted = true
		s.appendLocked(SourceSystem, fmt.Sprintf("no tunnel address after %s, restarting agent", s.opts.StallGrace))
		s.log.Warn("agent stalled, restarting", "grace", s.opts.StallGrace)
	}
	s.mu.Unlock()
	if stalled {
		s.restartGen(ctx, gen)
	}
}

// restartGen restarts the agent if generation gen is still current and
// not already being restarted.
func (s *Supervisor) restartGen(ctx context.Context, gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	current := gen == s.gen && s.session.Status != StatusRestarting && s.session.Status != StatusStopped
	s.mu.Unlock()
	if !current {
		return
	}
	s.restart(ctx)
}

// Run performs health checks until ctx is cancelled, then cancels any
// pending restart.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-ticker.C:
			s.HealthCheck(ctx)
		}
	}
}

// Close cancels pending restarts and in-flight timer-driven starts. It
// does not stop the agent.
func (s *Supervisor) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
}

// Shutdown stops the agent if it is live and closes the supervisor. The
// history recorder is detached, and an agent that outlives ctx is
// treated as stopped when it eventually exits.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.Close()
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	status := s.session.Status
	s.mu.Unlock()
	if status != StatusStopped {
		s.stop(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	if s.handle != nil {
		s.shuttingDown = true
	}
}
