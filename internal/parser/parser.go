// Package parser turns the tunnel agent's raw terminal output into domain
// events. Parsing is a pure function of (state, chunk): the only state
// carried between chunks is the unterminated tail of the last line.
package parser

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"

	"github.com/codewiresh/playwire/internal/event"
)

// MaxPending bounds the unterminated partial line. Longer lines are parsed
// in pieces of this size.
const MaxPending = 64 * 1024

var (
	ErrNoClaimCode = errors.New("no claim code in agent output")
	ErrNoSecret    = errors.New("no secret key in agent output")
)

// State is the parser state threaded between Feed calls.
type State struct {
	pending string
}

// Pending returns the buffered partial line.
func (s State) Pending() string { return s.pending }

// Rules holds the compiled patterns used to classify lines. A Rules value
// is immutable after construction and safe for concurrent use.
type Rules struct {
	authPatterns []*regexp.Regexp
	tunnel       *regexp.Regexp
	secret       *regexp.Regexp
	link         *regexp.Regexp
	errorLine    *regexp.Regexp
	portConflict *regexp.Regexp
	warnLine     *regexp.Regexp
}

// Tunnel addresses: any host under the agent's tunnel domains, plus
// host:port under the main domain. Plain playit.gg hostnames without a
// port are control-plane endpoints, not tunnels.
const tunnelPattern = `(?i)\b(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+(?:(?:ply\.gg|joinmc\.link)(?::\d{1,5})?|playit\.gg:\d{1,5})\b`

// DefaultRules returns the rules for the playit agent's output.
func DefaultRules() *Rules {
	return &Rules{
		authPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:visit|open|go to|claim|log ?in|approve|set ?up)\b.*?(https?://\S+)`),
		},
		tunnel:       regexp.MustCompile(tunnelPattern),
		secret:       regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`),
		link:         regexp.MustCompile(`https?://\S+`),
		errorLine:    regexp.MustCompile(`(?i)\b(?:error|failed|failure|cannot|can't)\b`),
		portConflict: regexp.MustCompile(`(?i)address already in use`),
		warnLine:     regexp.MustCompile(`(?i)\bwarn(?:ing)?\b`),
	}
}

// Feed appends chunk to the buffered partial line and returns the events
// for every line completed by it. Lines end at '\n' or '\r'; a line longer
// than MaxPending is parsed in MaxPending-byte pieces counted from its
// start. Events are identical however the same byte stream is split into
// chunks.
func (r *Rules) Feed(st State, chunk []byte) (State, []event.Event) {
	data := st.pending + string(chunk)
	var events []event.Event
	for {
		i := strings.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		events = append(events, r.pieces(data[:i])...)
		data = data[i+1:]
	}
	for len(data) >= MaxPending {
		events = append(events, r.Line(data[:MaxPending])...)
		data = data[MaxPending:]
	}
	return State{pending: data}, events
}

func (r *Rules) pieces(line string) []event.Event {
	var events []event.Event
	for len(line) > MaxPending {
		events = append(events, r.Line(line[:MaxPending])...)
		line = line[MaxPending:]
	}
	return append(events, r.Line(line)...)
}

// Flush parses any buffered partial line, e.g. after the process exits.
func (r *Rules) Flush(st State) (State, []event.Event) {
	if st.pending == "" {
		return st, nil
	}
	return State{}, r.Line(st.pending)
}

// Line classifies a single raw line. Empty lines produce no events.
func (r *Rules) Line(raw string) []event.Event {
	line := Clean(raw)
	if line == "" {
		return nil
	}

	level := "info"
	isError := r.errorLine.MatchString(line)
	isWarn := !isError && r.warnLine.MatchString(line)
	switch {
	case isError:
		level = "error"
	case isWarn:
		level = "warning"
	}
	events := []event.Event{event.Output{Line: line, Level: level}}

	authURL := ""
	for _, p := range r.authPatterns {
		if m := p.FindStringSubmatch(line); m != nil {
			authURL = trimURL(m[1])
			break
		}
	}
	if authURL != "" {
		events = append(events, event.AuthURL{URL: authURL})
	} else {
		// Tunnel addresses never appear inside an http(s) link.
		bare := r.link.ReplaceAllString(line, " ")
		if m := r.tunnel.FindString(bare); m != "" {
			events = append(events, event.TunnelCreated{URL: strings.ToLower(m)})
		}
	}

	seen := make(map[string]bool)
	for _, key := range r.secret.FindAllString(line, -1) {
		key = strings.ToLower(key)
		if seen[key] {
			continue
		}
		seen[key] = true
		events = append(events, event.Secret{Key: key})
	}

	switch {
	case isError:
		events = append(events, event.Error{
			Message:      line,
			PortConflict: r.portConflict.MatchString(line),
		})
	case isWarn:
		events = append(events, event.Warning{Message: line})
	}
	return events
}

// Clean strips terminal escape sequences and control characters.
func Clean(s string) string {
	s = ansi.Strip(s)
	s = strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func trimURL(u string) string {
	return strings.TrimRight(u, ".,;:)]}>'\"")
}

var claimCodeLine = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{3,127}$`)

// ExtractClaimCode returns the claim code printed by `claim generate`: the
// last output line that consists solely of a code token.
func ExtractClaimCode(out string) (string, error) {
	code := ""
	for _, raw := range strings.FieldsFunc(out, isLineBreak) {
		line := Clean(raw)
		if claimCodeLine.MatchString(line) {
			code = line
		}
	}
	if code == "" {
		return "", ErrNoClaimCode
	}
	return code, nil
}

var secretToken = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)

// ExtractSecret returns the first 64-hex-character token in out.
func ExtractSecret(out string) (string, error) {
	m := secretToken.FindString(Clean(strings.ReplaceAll(out, "\n", " ")))
	if m == "" {
		return "", ErrNoSecret
	}
	return strings.ToLower(m), nil
}

var anyURL = regexp.MustCompile(`https?://\S+`)

// ExtractURL returns the first http(s) URL in out, or "".
func ExtractURL(out string) string {
	return trimURL(anyURL.FindString(ansi.Strip(out)))
}

func isLineBreak(r rune) bool { return r == '\n' || r == '\r' }
