package agentconf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const key = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "agent.toml"), filepath.Join(dir, "secrets", "playit.toml"), nil)
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, dir
}

func TestLoadCreatesDefault(t *testing.T) {
	s, dir := newTestStore(t)
	f, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if f.SecretPath != filepath.Join(dir, "secrets", "playit.toml") {
		t.Fatalf("secret_path = %q", f.SecretPath)
	}
	if len(f.Tunnels) != 1 || f.Tunnels[0].Port != 25565 || f.Tunnels[0].Proto != "tcp" {
		t.Fatalf("tunnels = %+v", f.Tunnels)
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[[tunnels]]") || !strings.Contains(string(data), "secret_path") {
		t.Fatalf("written config:\n%s", data)
	}
}

func TestLoadRegeneratesCorrupt(t *testing.T) {
	s, _ := newTestStore(t)
	if err := os.WriteFile(s.Path(), []byte("secret_path = [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := s.Load()
	if err != nil {
		t.Fatalf("corrupt config should be regenerated, got %v", err)
	}
	if len(f.Tunnels) != 1 {
		t.Fatalf("regenerated config = %+v", f)
	}
	backup := s.Path() + ".corrupt.20260102_030405"
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(data) != "secret_path = [unterminated" {
		t.Fatalf("backup content = %q", data)
	}
}

func TestLoadRegeneratesInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	os.WriteFile(s.Path(), []byte("secret_path = \"/x\"\n[[tunnels]]\nname = \"mc\"\nproto = \"sctp\"\nport = 1\n"), 0o644)
	f, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if f.Tunnels[0].Proto != "tcp" {
		t.Fatalf("invalid config kept: %+v", f)
	}
}

func TestSaveValidatesAndBacksUp(t *testing.T) {
	s, _ := newTestStore(t)
	f, _ := s.Load()

	bad := *f
	bad.Tunnels = []Tunnel{{Name: "mc", Proto: "tcp", Port: 70000}}
	if err := s.Save(&bad); err == nil {
		t.Fatal("expected validation error")
	}

	f.Tunnels = append(f.Tunnels, Tunnel{Name: "voice", Proto: "udp", Port: 24454})
	if err := s.Save(f); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Path() + ".bak"); err != nil {
		t.Fatalf("previous version not backed up: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tunnels) != 2 || got.Tunnels[1].Name != "voice" {
		t.Fatalf("tunnels = %+v", got.Tunnels)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		file File
		ok   bool
	}{
		{"default", *DefaultFile("/s"), true},
		{"no secret path", File{}, false},
		{"no name", File{SecretPath: "/s", Tunnels: []Tunnel{{Proto: "tcp", Port: 1}}}, false},
		{"duplicate", File{SecretPath: "/s", Tunnels: []Tunnel{{"a", "tcp", 1}, {"a", "udp", 2}}}, false},
		{"both proto", File{SecretPath: "/s", Tunnels: []Tunnel{{"a", "both", 19132}}}, true},
		{"port zero", File{SecretPath: "/s", Tunnels: []Tunnel{{"a", "tcp", 0}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.file.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.ReadSecret()
	if err != nil || got != "" {
		t.Fatalf("empty store: %q, %v", got, err)
	}

	path, err := s.WriteSecret(strings.ToUpper(key))
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("secret mode = %v", info.Mode().Perm())
	}
	if got, _ := s.ReadSecret(); got != key {
		t.Fatalf("read back %q", got)
	}

	if _, err := s.WriteSecret("nothex"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadSecretRemovesCorrupt(t *testing.T) {
	s, _ := newTestStore(t)
	secretPath, _ := s.SecretPath()
	os.MkdirAll(filepath.Dir(secretPath), 0o700)
	os.WriteFile(secretPath, []byte(`secret_key = "short"`), 0o600)

	got, err := s.ReadSecret()
	if err != nil || got != "" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := os.Stat(secretPath); !os.IsNotExist(err) {
		t.Fatal("corrupt secret not removed")
	}
	if _, err := os.Stat(secretPath + ".corrupt.20260102_030405"); err != nil {
		t.Fatalf("corrupt secret not backed up: %v", err)
	}
}

func TestClearSecret(t *testing.T) {
	s, _ := newTestStore(t)
	if existed, err := s.ClearSecret(); err != nil || existed {
		t.Fatalf("clear on empty: %v %v", existed, err)
	}
	path, _ := s.WriteSecret(key)
	existed, err := s.ClearSecret()
	if err != nil || !existed {
		t.Fatalf("clear: %v %v", existed, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("secret still present")
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatal("secret not backed up before removal")
	}
}

func TestWatchReportsExternalEdits(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan string, 8)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(p string) { changed <- p }) }()

	secretPath, _ := s.SecretPath()
	// Rewrite periodically in case the first write lands before the
	// watcher is registered; the interval exceeds the debounce window.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		os.WriteFile(secretPath, []byte(`secret_key = "`+key+`"`), 0o600)
		select {
		case p := <-changed:
			if p != filepath.Clean(secretPath) {
				t.Fatalf("changed path = %q", p)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatal(err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no change reported")
		}
	}
}

func TestWatchIgnoresOwnWrites(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Load(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan string, 8)
	go s.Watch(ctx, func(p string) { changed <- p })

	secretPath, _ := s.SecretPath()
	os.MkdirAll(filepath.Dir(secretPath), 0o700)
	// An external edit first, to know the watcher is registered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for registered := false; !registered; {
		os.WriteFile(secretPath, []byte(`secret_key = "`+key+`"`), 0o600)
		select {
		case <-changed:
			registered = true
		case <-tick.C:
		case <-deadline:
			t.Fatal("no change reported")
		}
	}

	other := strings.Repeat("ab", 32)
	if _, err := s.WriteSecret(other); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClearSecret(); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-changed:
		t.Fatalf("own change reported for %q", p)
	case <-time.After(4 * watchDebounce):
	}
}
