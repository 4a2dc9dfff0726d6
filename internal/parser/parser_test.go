package parser

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/codewiresh/playwire/internal/event"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// transcript resembles a real agent session: colored output, carriage
// return redraws, an auth prompt, a tunnel address and an error.
var transcript = strings.Join([]string{
	"\x1b[1;32mplayit\x1b[0m agent v0.15.26",
	"Visit link to setup https://playit.gg/claim/4f2a9c1d0e",
	"\x1b[2K\rconnecting to control.playit.gg...",
	"secret: " + testSecret,
	"tunnel running: \x1b[36mfirst-lamp.gl.at.ply.gg:31337\x1b[0m => 127.0.0.1:25565",
	"WARN tunnel latency high",
	"failed to bind 127.0.0.1:25565: address already in use",
	"",
}, "\r\n")

func feedAll(r *Rules, chunks ...[]byte) []event.Event {
	var st State
	var all []event.Event
	for _, c := range chunks {
		var evs []event.Event
		st, evs = r.Feed(st, c)
		all = append(all, evs...)
	}
	return all
}

func TestFeedTranscript(t *testing.T) {
	evs := feedAll(DefaultRules(), []byte(transcript))

	var auth, tunnels, secrets, errs, warns []event.Event
	for _, ev := range evs {
		switch ev.(type) {
		case event.AuthURL:
			auth = append(auth, ev)
		case event.TunnelCreated:
			tunnels = append(tunnels, ev)
		case event.Secret:
			secrets = append(secrets, ev)
		case event.Error:
			errs = append(errs, ev)
		case event.Warning:
			warns = append(warns, ev)
		}
	}

	if len(auth) != 1 || auth[0].(event.AuthURL).URL != "https://playit.gg/claim/4f2a9c1d0e" {
		t.Errorf("auth events = %v", auth)
	}
	if len(tunnels) != 1 || tunnels[0].(event.TunnelCreated).URL != "first-lamp.gl.at.ply.gg:31337" {
		t.Errorf("tunnel events = %v", tunnels)
	}
	if len(secrets) != 1 || secrets[0].(event.Secret).Key != testSecret {
		t.Errorf("secret events = %v", secrets)
	}
	if len(errs) != 1 || !errs[0].(event.Error).PortConflict {
		t.Errorf("error events = %v", errs)
	}
	if len(warns) != 1 {
		t.Errorf("warning events = %v", warns)
	}
}

func TestFeedSplitAtEveryOffset(t *testing.T) {
	r := DefaultRules()
	want := feedAll(r, []byte(transcript))
	data := []byte(transcript)
	for i := 0; i <= len(data); i++ {
		got := feedAll(r, data[:i], data[i:])
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: events differ\n got: %v\nwant: %v", i, got, want)
		}
	}
}

func TestFeedByteAtATime(t *testing.T) {
	r := DefaultRules()
	want := feedAll(r, []byte(transcript))
	var chunks [][]byte
	for i := 0; i < len(transcript); i++ {
		chunks = append(chunks, []byte{transcript[i]})
	}
	if got := feedAll(r, chunks...); !reflect.DeepEqual(got, want) {
		t.Fatalf("byte-wise feed differs\n got: %v\nwant: %v", got, want)
	}
}

func TestSecretEmittedOnce(t *testing.T) {
	r := DefaultRules()
	line := []byte("key " + testSecret + " again " + strings.ToUpper(testSecret) + "\n")
	for i := 0; i <= len(line); i++ {
		n := 0
		for _, ev := range feedAll(r, line[:i], line[i:]) {
			if s, ok := ev.(event.Secret); ok {
				n++
				if s.Key != testSecret {
					t.Fatalf("split %d: key %q", i, s.Key)
				}
			}
		}
		if n != 1 {
			t.Fatalf("split %d: %d secret events, want 1", i, n)
		}
	}
}

func TestPartialLineHeld(t *testing.T) {
	r := DefaultRules()
	st, evs := r.Feed(State{}, []byte("tunnel at first-lamp.gl.at"))
	if len(evs) != 0 {
		t.Fatalf("expected no events for partial line, got %v", evs)
	}
	if st.Pending() != "tunnel at first-lamp.gl.at" {
		t.Fatalf("pending = %q", st.Pending())
	}
	st, evs = r.Feed(st, []byte(".ply.gg:4000\n"))
	if st.Pending() != "" {
		t.Fatalf("pending after newline = %q", st.Pending())
	}
	found := false
	for _, ev := range evs {
		if tc, ok := ev.(event.TunnelCreated); ok && tc.URL == "first-lamp.gl.at.ply.gg:4000" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tunnel not detected: %v", evs)
	}
}

func TestFlush(t *testing.T) {
	r := DefaultRules()
	st, _ := r.Feed(State{}, []byte("cannot reach server"))
	st, evs := r.Flush(st)
	if st.Pending() != "" {
		t.Fatal("flush left pending data")
	}
	if len(evs) != 2 {
		t.Fatalf("got %v", evs)
	}
	if _, ok := evs[1].(event.Error); !ok {
		t.Fatalf("expected error event, got %T", evs[1])
	}
	if _, evs = r.Flush(st); evs != nil {
		t.Fatalf("second flush produced %v", evs)
	}
}

func TestOversizedPartialParsed(t *testing.T) {
	r := DefaultRules()
	st, evs := r.Feed(State{}, []byte(strings.Repeat("x", MaxPending+1)))
	if st.Pending() != "x" || len(evs) != 1 {
		t.Fatalf("pending=%d events=%d", len(st.Pending()), len(evs))
	}
}

func TestOversizedLineSplitIndependent(t *testing.T) {
	r := DefaultRules()
	stream := []byte(strings.Repeat("x", MaxPending+100) + " failed to bind\n" +
		strings.Repeat("y", 2*MaxPending) + "\nwarning: done\n")

	_, want := r.Feed(State{}, stream)
	if len(want) == 0 {
		t.Fatal("no events")
	}
	for _, size := range []int{1 << 10, 4093, MaxPending - 1, MaxPending + 7} {
		var st State
		var got []event.Event
		for off := 0; off < len(stream); off += size {
			var evs []event.Event
			st, evs = r.Feed(st, stream[off:min(off+size, len(stream))])
			got = append(got, evs...)
		}
		if st.Pending() != "" {
			t.Fatalf("chunk %d: pending %d bytes", size, len(st.Pending()))
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("chunk %d: %d events, want %d", size, len(got), len(want))
		}
	}
}

func TestLineClassification(t *testing.T) {
	r := DefaultRules()
	cases := []struct {
		name   string
		line   string
		level  string
		tunnel string
		auth   string
	}{
		{"plain", "agent starting", "info", "", ""},
		{"control plane host is not a tunnel", "connected to control.playit.gg", "info", "", ""},
		{"joinmc domain", "address: survival.joinmc.link", "info", "survival.joinmc.link", ""},
		{"main domain with port", "tcp tunnel ab12.playit.gg:25565", "info", "ab12.playit.gg:25565", ""},
		{"auth link not tunnel", "Please open https://playit.gg/login/abc to approve", "info", "", "https://playit.gg/login/abc"},
		{"link to tunnel host is not a tunnel", "docs at https://docs.ply.gg/setup", "info", "", ""},
		{"trailing punctuation trimmed", "Visit https://playit.gg/claim/xyz.", "info", "", "https://playit.gg/claim/xyz"},
		{"error", "Error: connection refused", "error", "", ""},
		{"cannot", "cannot open secret file", "error", "", ""},
		{"warning", "warning: clock skew detected", "warning", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evs := r.Line(tc.line)
			if len(evs) == 0 {
				t.Fatal("no events")
			}
			out, ok := evs[0].(event.Output)
			if !ok {
				t.Fatalf("first event is %T, want Output", evs[0])
			}
			if out.Level != tc.level {
				t.Errorf("level = %q, want %q", out.Level, tc.level)
			}
			var tunnel, auth string
			for _, ev := range evs {
				switch e := ev.(type) {
				case event.TunnelCreated:
					tunnel = e.URL
				case event.AuthURL:
					auth = e.URL
				}
			}
			if tunnel != tc.tunnel {
				t.Errorf("tunnel = %q, want %q", tunnel, tc.tunnel)
			}
			if auth != tc.auth {
				t.Errorf("auth = %q, want %q", auth, tc.auth)
			}
		})
	}
}

func TestEmptyLinesDropped(t *testing.T) {
	if evs := DefaultRules().Line("\x1b[2K  \t"); evs != nil {
		t.Fatalf("got %v", evs)
	}
}

func TestExtractClaimCode(t *testing.T) {
	code, err := ExtractClaimCode("\x1b[32mGenerating claim code\x1b[0m\n8c1f0a6b3d\n")
	if err != nil {
		t.Fatal(err)
	}
	if code != "8c1f0a6b3d" {
		t.Fatalf("code = %q", code)
	}

	_, err = ExtractClaimCode("error: failed to contact api\n")
	if !errors.Is(err, ErrNoClaimCode) {
		t.Fatalf("err = %v, want ErrNoClaimCode", err)
	}
}

func TestExtractSecret(t *testing.T) {
	key, err := ExtractSecret("exchanging...\n" + strings.ToUpper(testSecret) + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if key != testSecret {
		t.Fatalf("key = %q", key)
	}
	if _, err := ExtractSecret("claim rejected"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("err = %v", err)
	}
}

func TestExtractURL(t *testing.T) {
	if u := ExtractURL("https://playit.gg/claim/abc\n"); u != "https://playit.gg/claim/abc" {
		t.Fatalf("got %q", u)
	}
	if u := ExtractURL("nothing here"); u != "" {
		t.Fatalf("got %q", u)
	}
}
