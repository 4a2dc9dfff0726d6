package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/codewiresh/playwire/internal/gateway"
)

// Stream is a realtime subscription.
type Stream struct {
	// Snapshot is the session state at subscription time. Every event
	// published after it is delivered by Next.
	Snapshot gateway.StatusData

	conn *websocket.Conn
}

// wsURL converts the base URL to the realtime endpoint.
func (c *Client) wsURL() string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + gateway.Prefix + "/ws"
}

// Subscribe opens a realtime stream.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{HTTPClient: c.HTTP})
	if err != nil {
		return nil, formatError(fmt.Errorf("connecting to realtime channel: %w", err))
	}
	// Help text and log bursts can exceed the default read limit.
	conn.SetReadLimit(1 << 20)

	// The daemon subscribes before sending the snapshot, so once it is
	// read no later event can be missed.
	s := &Stream{conn: conn}
	f, err := s.Next(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if err := json.Unmarshal(f.Data, &s.Snapshot); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return s, nil
}

// Next blocks for the next frame.
func (s *Stream) Next(ctx context.Context) (gateway.Frame, error) {
	var f gateway.Frame
	if err := wsjson.Read(ctx, s.conn, &f); err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return f, fmt.Errorf("realtime channel closed: %s", status)
		}
		return f, err
	}
	return f, nil
}

// Send issues a command over the stream. The daemon answers with an "ack"
// frame.
func (s *Stream) Send(ctx context.Context, op string) error {
	return wsjson.Write(ctx, s.conn, gateway.Command{Namespace: gateway.Namespace, Event: op})
}

// Close closes the stream.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// WaitFor reads frames until one named in events arrives. Every frame read
// on the way, including the match, is passed to each when it is non-nil.
func (s *Stream) WaitFor(ctx context.Context, each func(gateway.Frame), events ...string) (gateway.Frame, error) {
	for {
		f, err := s.Next(ctx)
		if err != nil {
			return f, err
		}
		if each != nil {
			each(f)
		}
		for _, name := range events {
			if f.Event == name {
				return f, nil
			}
		}
	}
}
