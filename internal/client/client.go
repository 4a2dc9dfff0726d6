// Package client talks to a running playwire daemon over its HTTP API and
// realtime WebSocket channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codewiresh/playwire/internal/event"
	"github.com/codewiresh/playwire/internal/gateway"
	"github.com/codewiresh/playwire/internal/store"
	"github.com/codewiresh/playwire/internal/supervisor"
)

// Client is an HTTP client for the tunnel API.
type Client struct {
	// BaseURL is the daemon's root URL, e.g. "http://127.0.0.1:9180".
	BaseURL string
	HTTP    *http.Client
}

// New returns a client for addr, which may be a URL or a bare host:port.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		BaseURL: strings.TrimRight(addr, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-success reply from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Message
}

// commandMethods lists the fire-and-forget operations and their HTTP
// methods.
var commandMethods = map[string]string{
	"start":       http.MethodPost,
	"stop":        http.MethodPost,
	"restart":     http.MethodPost,
	"login":       http.MethodPost,
	"reset":       http.MethodPost,
	"version":     http.MethodGet,
	"help":        http.MethodGet,
	"secret-path": http.MethodGet,
}

func (c *Client) url(path string) string {
	return c.BaseURL + gateway.Prefix + path
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return formatError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var r gateway.Response
		json.Unmarshal(data, &r)
		return &APIError{Status: resp.StatusCode, Message: r.Message}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// Command triggers op ("start", "stop", "login", ...) and returns the
// daemon's immediate acknowledgement. The outcome arrives as events.
func (c *Client) Command(ctx context.Context, op string) (gateway.Response, error) {
	method, ok := commandMethods[op]
	if !ok {
		return gateway.Response{}, fmt.Errorf("unknown command %q", op)
	}
	var r gateway.Response
	err := c.do(ctx, method, "/"+op, nil, &r)
	return r, err
}

// dataReply decodes {"success":..., "data":...} into T.
type dataReply[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func getData[T any](ctx context.Context, c *Client, path string) (T, error) {
	var r dataReply[T]
	err := c.do(ctx, http.MethodGet, path, nil, &r)
	return r.Data, err
}

// Status returns the current session.
func (c *Client) Status(ctx context.Context) (supervisor.Session, error) {
	return getData[supervisor.Session](ctx, c, "/status")
}

// Logs returns up to limit buffered log entries, oldest first. A limit of
// zero returns them all.
func (c *Client) Logs(ctx context.Context, limit int) ([]supervisor.LogEntry, error) {
	path := "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return getData[[]supervisor.LogEntry](ctx, c, path)
}

// Tunnels returns the cached tunnel listing and asks the daemon to refresh
// it; the fresh listing arrives as a "tunnels" event.
func (c *Client) Tunnels(ctx context.Context) ([]event.Tunnel, error) {
	return getData[[]event.Tunnel](ctx, c, "/tunnels")
}

// History returns recent lifecycle history, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return getData[[]store.HistoryEntry](ctx, c, path)
}

// Input sends a line to the agent's terminal.
func (c *Client) Input(ctx context.Context, text string) error {
	return c.do(ctx, http.MethodPost, "/input", map[string]string{"text": text}, nil)
}

// formatError appends a hint when the daemon is unreachable.
func formatError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w\n\nIs the daemon running? Start it with 'playwire serve'", err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("daemon did not answer: %w", err)
	}
	return err
}
