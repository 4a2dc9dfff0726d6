// Package event defines the closed set of tunnel-agent domain events and
// the bus that fans them out to subscribers.
package event

import (
	"encoding/json"
	"time"
)

// Event is a tunnel-agent domain event. The set of implementations is
// closed: only types in this package satisfy it.
type Event interface {
	// Name is the realtime event name sent to subscribers.
	Name() string
	isEvent()
}

// Tunnel describes one configured or discovered tunnel.
type Tunnel struct {
	Name    string `json:"name"`
	Proto   string `json:"proto"`
	Port    int    `json:"port"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Claim carries a freshly generated claim code and its approval URL.
type Claim struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// Exchanging is sent while a claim code is being exchanged for a secret.
type Exchanging struct {
	Code string `json:"code"`
}

// Secret reports a secret key. The key itself never leaves the process.
type Secret struct {
	Path string `json:"path"`
	Key  string `json:"-"`
}

// Tunnels is a tunnel listing. It encodes as a bare JSON array.
type Tunnels struct {
	List []Tunnel
}

func (t Tunnels) MarshalJSON() ([]byte, error) {
	if t.List == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.List)
}

type Starting struct{}

type Stopped struct {
	ExitCode int `json:"exitCode"`
}

type Resetting struct{}

type ResetComplete struct {
	ExitCode int `json:"exitCode"`
}

type SecretPath struct {
	Path string `json:"path"`
}

type Version struct {
	Version string `json:"version"`
}

type Help struct {
	Text string `json:"text"`
}

// Error is an error-level condition. PortConflict marks an "address
// already in use" failure.
type Error struct {
	Message      string `json:"message"`
	PortConflict bool   `json:"portConflict,omitempty"`
}

type Warning struct {
	Message string `json:"message"`
}

// TunnelCreated reports the public address the agent is serving.
type TunnelCreated struct {
	URL string `json:"url"`
}

// AuthURL reports a URL the user must visit to authorize the agent.
type AuthURL struct {
	URL string `json:"url"`
}

// Output is one cleaned line of agent output with its classified level
// ("info", "warning" or "error").
type Output struct {
	Line  string `json:"line"`
	Level string `json:"level"`
}

// Log mirrors an entry appended to the supervisor's log buffer.
type Log struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Status reports a lifecycle state transition.
type Status struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (Claim) Name() string         { return "claim" }
func (Exchanging) Name() string    { return "exchanging" }
func (Secret) Name() string        { return "secret" }
func (Tunnels) Name() string       { return "tunnels" }
func (Starting) Name() string      { return "starting" }
func (Stopped) Name() string       { return "stopped" }
func (Resetting) Name() string     { return "resetting" }
func (ResetComplete) Name() string { return "reset-complete" }
func (SecretPath) Name() string    { return "secret-path" }
func (Version) Name() string       { return "version" }
func (Help) Name() string          { return "help" }
func (Error) Name() string         { return "error" }
func (Warning) Name() string       { return "warning" }
func (TunnelCreated) Name() string { return "tunnel_created" }
func (AuthURL) Name() string       { return "auth_url" }
func (Output) Name() string        { return "output" }
func (Log) Name() string           { return "log" }
func (Status) Name() string        { return "status" }

func (Claim) isEvent()         {}
func (Exchanging) isEvent()    {}
func (Secret) isEvent()        {}
func (Tunnels) isEvent()       {}
func (Starting) isEvent()      {}
func (Stopped) isEvent()       {}
func (Resetting) isEvent()     {}
func (ResetComplete) isEvent() {}
func (SecretPath) isEvent()    {}
func (Version) isEvent()       {}
func (Help) isEvent()          {}
func (Error) isEvent()         {}
func (Warning) isEvent()       {}
func (TunnelCreated) isEvent() {}
func (AuthURL) isEvent()       {}
func (Output) isEvent()        {}
func (Log) isEvent()           {}
func (Status) isEvent()        {}

// All returns a zero value of every event type, in a stable order.
func All() []Event {
	return []Event{
		Claim{}, Exchanging{}, Secret{}, Tunnels{}, Starting{}, Stopped{},
		Resetting{}, ResetComplete{}, SecretPath{}, Version{}, Help{},
		Error{}, Warning{}, TunnelCreated{}, AuthURL{}, Output{}, Log{},
		Status{},
	}
}

// Envelope is an event stamped with its publish time and sequence number.
type Envelope struct {
	Seq   uint64
	Time  time.Time
	Event Event
}
