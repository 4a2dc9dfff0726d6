// Package gateway exposes the supervisor over HTTP and a realtime
// WebSocket channel. Commands are fire-and-forget: handlers answer at once
// and the work runs on the gateway's base context.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/store"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// Namespace tags every realtime frame.
const Namespace = "tunnel"

// Prefix is the HTTP route prefix.
const Prefix = "/api/tunnel"

// Controller is the supervisor surface the gateway drives.
type Controller interface {
	Start(ctx context.Context) supervisor.Result
	Stop(ctx context.Context) supervisor.Result
	Restart(ctx context.Context) supervisor.Result
	Login(ctx context.Context) supervisor.Result
	Reset(ctx context.Context) supervisor.Result
	Version(ctx context.Context) supervisor.Result
	Help(ctx context.Context) supervisor.Result
	SecretPath(ctx context.Context) supervisor.Result
	ListTunnels(ctx context.Context) ([]event.Tunnel, error)
	Tunnels() []event.Tunnel
	SendInput(text string) error
	Snapshot() supervisor.Session
	Logs() []supervisor.LogEntry
}

// History reads the lifecycle history.
type History interface {
	Recent(ctx context.Context, limit int) ([]store.HistoryEntry, error)
}

// Gateway serves the tunnel API.
type Gateway struct {
	ctrl    Controller
	bus     *event.Bus
	history History
	base    context.Context
	log     *slog.Logger

	// SubscriberBuffer is the per-connection event buffer.
	SubscriberBuffer int

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New returns a gateway whose commands run on base. history may be nil.
func New(base context.Context, ctrl Controller, bus *event.Bus, history History, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		ctrl:             ctrl,
		bus:              bus,
		history:          history,
		base:             base,
		log:              log,
		SubscriberBuffer: event.DefaultBuffer,
	}
}

// Wait refuses further commands and blocks until in-flight ones finish.
func (g *Gateway) Wait() {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.wg.Wait()
}

// Response is the JSON body of command replies.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DataResponse is the JSON body of query replies.
type DataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func reply(w http.ResponseWriter, code int, success bool, msg string) {
	writeJSON(w, code, Response{Success: success, Message: msg})
}

// command is a supervisor operation runnable in the background.
type command func(ctx context.Context) supervisor.Result

func (g *Gateway) commands() map[string]command {
	return map[string]command{
		"start":       g.ctrl.Start,
		"stop":        g.ctrl.Stop,
		"restart":     g.ctrl.Restart,
		"login":       g.ctrl.Login,
		"reset":       g.ctrl.Reset,
		"version":     g.ctrl.Version,
		"help":        g.ctrl.Help,
		"secret-path": g.ctrl.SecretPath,
		"tunnels": func(ctx context.Context) supervisor.Result {
			if _, err := g.ctrl.ListTunnels(ctx); err != nil {
				return supervisor.Result{Message: err.Error()}
			}
			return supervisor.Result{Success: true}
		},
	}
}

// precheck rejects commands that cannot apply to the current state, so
// callers get an immediate answer instead of a later error event.
func (g *Gateway) precheck(op string) (string, bool) {
	status := g.ctrl.Snapshot().Status
	switch op {
	case "start":
		if status == supervisor.StatusStarting || status == supervisor.StatusRunning {
			return "already running", false
		}
	case "stop":
		if status == supervisor.StatusStopped {
			return "already stopped", false
		}
	}
	return "", true
}

// errShuttingDown is the reply to commands arriving after the base
// context is done.
const errShuttingDown = "server is shutting down"

// dispatch runs op in the background on the base context. It reports
// false once the gateway is shutting down.
func (g *Gateway) dispatch(op string, cmd command) bool {
	g.mu.Lock()
	if g.closing || g.base.Err() != nil {
		g.mu.Unlock()
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.wg.Done()
		res := cmd(g.base)
		if !res.Success && res.Message != "" {
			g.log.Warn("tunnel command failed", "op", op, "message", res.Message)
			return
		}
		g.log.Debug("tunnel command finished", "op", op)
	}()
	return true
}

// Register adds the tunnel routes to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	cmds := g.commands()
	trigger := func(op string) http.HandlerFunc {
		cmd := cmds[op]
		return func(w http.ResponseWriter, r *http.Request) {
			if msg, ok := g.precheck(op); !ok {
				reply(w, http.StatusConflict, false, msg)
				return
			}
			if !g.dispatch(op, cmd) {
				reply(w, http.StatusServiceUnavailable, false, errShuttingDown)
				return
			}
			reply(w, http.StatusAccepted, true, op+" initiated")
		}
	}

	for _, op := range []string{"login", "reset", "start", "stop", "restart"} {
		mux.HandleFunc("POST "+Prefix+"/"+op, trigger(op))
	}
	for _, op := range []string{"version", "help", "secret-path"} {
		mux.HandleFunc("GET "+Prefix+"/"+op, trigger(op))
	}

	mux.HandleFunc("GET "+Prefix+"/tunnels", func(w http.ResponseWriter, r *http.Request) {
		g.dispatch("tunnels", cmds["tunnels"])
		tunnels := g.ctrl.Tunnels()
		if tunnels == nil {
			tunnels = []event.Tunnel{}
		}
		writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: tunnels})
	})

	mux.HandleFunc("GET "+Prefix+"/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: g.ctrl.Snapshot()})
	})

	mux.HandleFunc("GET "+Prefix+"/logs", func(w http.ResponseWriter, r *http.Request) {
		logs := g.ctrl.Logs()
		if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 && n < len(logs) {
			logs = logs[len(logs)-n:]
		}
		writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: logs})
	})

	mux.HandleFunc("GET "+Prefix+"/history", func(w http.ResponseWriter, r *http.Request) {
		if g.history == nil {
			reply(w, http.StatusServiceUnavailable, false, "history is disabled")
			return
		}
		limit := 50
		if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
			limit = n
		}
		entries, err := g.history.Recent(r.Context(), limit)
		if err != nil {
			g.log.Error("reading history", "err", err)
			reply(w, http.StatusInternalServerError, false, "reading history failed")
			return
		}
		if entries == nil {
			entries = []store.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: entries})
	})

	mux.HandleFunc("POST "+Prefix+"/input", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
			reply(w, http.StatusBadRequest, false, "invalid request body")
			return
		}
		if err := g.ctrl.SendInput(req.Text); err != nil {
			reply(w, http.StatusConflict, false, err.Error())
			return
		}
		reply(w, http.StatusOK, true, "input sent")
	})

	mux.HandleFunc("GET "+Prefix+"/ws", g.serveWS)
}

// Handler returns a mux serving only the tunnel routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.Register(mux)
	return mux
}

// Frame is one realtime message.
type Frame struct {
	Namespace string          `json:"namespace"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Time      time.Time       `json:"time"`
	Seq       uint64          `json:"seq,omitempty"`
}

// StatusData is the payload of status frames. Session is set only on the
// snapshot sent when a subscriber connects.
type StatusData struct {
	From    string              `json:"from"`
	To      string              `json:"to"`
	Session *supervisor.Session `json:"session,omitempty"`
}

func newFrame(env event.Envelope) (Frame, error) {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Namespace: Namespace,
		Event:     env.Event.Name(),
		Data:      data,
		Time:      env.Time.UTC(),
		Seq:       env.Seq,
	}, nil
}

func snapshotFrame(s supervisor.Session) Frame {
	data, _ := json.Marshal(StatusData{To: string(s.Status), Session: &s})
	return Frame{Namespace: Namespace, Event: "status", Data: data, Time: time.Now().UTC()}
}
