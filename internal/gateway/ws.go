package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Command is an inbound realtime message asking for a tunnel operation.
type Command struct {
	Namespace string          `json:"namespace,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ack answers a realtime command.
type Ack struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// frameWriter serializes writes to one connection.
type frameWriter struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

func (w *frameWriter) write(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, w.conn, f)
}

func (w *frameWriter) ack(a Ack) error {
	data, _ := json.Marshal(a)
	return w.write(Frame{Namespace: Namespace, Event: "ack", Data: data, Time: time.Now().UTC()})
}

// serveWS streams events to one subscriber. The subscriber first gets a
// status snapshot, then every event in publish order. A subscriber that
// falls behind is disconnected.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Error("websocket accept error", "err", err)
		return
	}
	defer conn.CloseNow()

	id := uuid.NewString()
	log := g.log.With("client", id)
	log.Info("realtime client connected", "remote", r.RemoteAddr)

	// Subscribe before taking the snapshot so no event falls between them.
	sub := g.bus.Subscribe(g.SubscriberBuffer)
	defer g.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	fw := &frameWriter{conn: conn, ctx: ctx}

	if err := fw.write(snapshotFrame(g.ctrl.Snapshot())); err != nil {
		log.Info("realtime client gone before snapshot", "err", err)
		return
	}

	go g.readCommands(ctx, cancel, conn, fw, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("realtime client disconnected")
			return
		case <-g.base.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case env, ok := <-sub.C:
			if !ok {
				log.Warn("realtime client lagged, disconnecting")
				conn.Close(websocket.StatusPolicyViolation, "subscriber lagged")
				return
			}
			f, err := newFrame(env)
			if err != nil {
				log.Error("encoding event", "event", env.Event.Name(), "err", err)
				continue
			}
			if err := fw.write(f); err != nil {
				log.Info("realtime write failed", "err", err)
				return
			}
		}
	}
}

func (g *Gateway) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, fw *frameWriter, log *slog.Logger) {
	defer cancel()
	cmds := g.commands()
	for {
		var c Command
		if err := wsjson.Read(ctx, conn, &c); err != nil {
			var closeErr websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				log.Info("realtime read failed", "err", err)
			}
			return
		}
		if c.Namespace != "" && c.Namespace != Namespace {
			fw.ack(Ack{Op: c.Event, Message: "unknown namespace " + c.Namespace})
			continue
		}

		if c.Event == "input" {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(c.Data, &in); err != nil || in.Text == "" {
				fw.ack(Ack{Op: c.Event, Message: "invalid input"})
				continue
			}
			if err := g.ctrl.SendInput(in.Text); err != nil {
				fw.ack(Ack{Op: c.Event, Message: err.Error()})
				continue
			}
			fw.ack(Ack{Op: c.Event, Success: true, Message: "input sent"})
			continue
		}

		cmd, ok := cmds[c.Event]
		if !ok {
			fw.ack(Ack{Op: c.Event, Message: "unknown command " + c.Event})
			continue
		}
		if msg, ok := g.precheck(c.Event); !ok {
			fw.ack(Ack{Op: c.Event, Message: msg})
			continue
		}
		if !g.dispatch(c.Event, cmd) {
			fw.ack(Ack{Op: c.Event, Message: errShuttingDown})
			continue
		}
		fw.ack(Ack{Op: c.Event, Success: true, Message: c.Event + " initiated"})
	}
}
