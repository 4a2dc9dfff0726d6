// Package agentconf owns the files the tunnel agent reads: the agent
// config (agent.toml) and the secret file it points at. Writes validate
// first, keep a backup of the previous version, and replace atomically.
// Unparseable files are backed up and regenerated instead of failing.
package agentconf

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// File is the agent config persisted as agent.toml.
type File struct {
	SecretPath string   `toml:"secret_path"`
	Tunnels    []Tunnel `toml:"tunnels"`
}

// Tunnel is one [[tunnels]] entry.
type Tunnel struct {
	Name  string `toml:"name"`
	Proto string `toml:"proto"`
	Port  int    `toml:"port"`
}

// secretFile is the on-disk format of the secret file.
type secretFile struct {
	SecretKey string `toml:"secret_key"`
}

var secretKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ErrInvalidSecret is returned when a secret key is not 64 hex characters.
var ErrInvalidSecret = errors.New("secret key must be 64 hex characters")

// DefaultFile returns the config written when none exists: a single
// Minecraft TCP tunnel.
func DefaultFile(secretPath string) *File {
	return &File{
		SecretPath: secretPath,
		Tunnels:    []Tunnel{{Name: "minecraft", Proto: "tcp", Port: 25565}},
	}
}

// Validate checks the config before it is written.
func (f *File) Validate() error {
	if strings.TrimSpace(f.SecretPath) == "" {
		return errors.New("secret_path is required")
	}
	seen := make(map[string]bool)
	for i, t := range f.Tunnels {
		if t.Name == "" {
			return fmt.Errorf("tunnels[%d]: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tunnels[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		switch t.Proto {
		case "tcp", "udp", "both":
		default:
			return fmt.Errorf("tunnels[%d]: proto must be tcp, udp or both, got %q", i, t.Proto)
		}
		if t.Port < 1 || t.Port > 65535 {
			return fmt.Errorf("tunnels[%d]: port %d out of range", i, t.Port)
		}
	}
	return nil
}

// Store reads and writes the agent config and secret file. It is the only
// writer of both files.
type Store struct {
	path          string
	defaultSecret string
	log           *slog.Logger
	now           func() time.Time

	mu sync.Mutex
	// written holds the last state this store left each file in, so the
	// watcher can tell its own changes from external edits.
	written map[string]ownWrite
}

type ownWrite struct {
	data    []byte
	removed bool
}

// NewStore returns a store for the config at path. defaultSecret is the
// secret_path used when the config has to be (re)created.
func NewStore(path, defaultSecret string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, defaultSecret: defaultSecret, log: log, now: time.Now, written: make(map[string]ownWrite)}
}

// Path returns the agent config path.
func (s *Store) Path() string { return s.path }

// Load returns the agent config, creating it when missing and
// regenerating it when it cannot be parsed or fails validation.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*File, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		f := DefaultFile(s.defaultSecret)
		if err := s.writeLocked(s.path, f, 0o644); err != nil {
			return nil, fmt.Errorf("creating %s: %w", s.path, err)
		}
		s.log.Info("created agent config", "path", s.path)
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var f File
	_, decErr := toml.Decode(string(data), &f)
	if decErr == nil {
		decErr = f.Validate()
	}
	if decErr == nil {
		return &f, nil
	}

	s.backupCorrupt(s.path)
	s.log.Error("corrupt agent config, regenerating", "path", s.path, "err", decErr)
	regen := DefaultFile(s.defaultSecret)
	if err := s.writeLocked(s.path, regen, 0o644); err != nil {
		return nil, fmt.Errorf("regenerating %s: %w", s.path, err)
	}
	return regen, nil
}

// Save validates f and replaces the config, keeping the previous version
// as agent.toml.bak.
func (s *Store) Save(f *File) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupPrevious(s.path)
	return s.writeLocked(s.path, f, 0o644)
}

// SecretPath returns the configured secret file path.
func (s *Store) SecretPath() (string, error) {
	f, err := s.Load()
	if err != nil {
		return "", err
	}
	return f.SecretPath, nil
}

// ReadSecret returns the stored secret key, or "" when none is stored. A
// malformed secret file is backed up and removed so the agent can be
// claimed again.
func (s *Store) ReadSecret() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.SecretPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}

	var sf secretFile
	_, decErr := toml.Decode(string(data), &sf)
	if decErr == nil && !secretKeyPattern.MatchString(sf.SecretKey) {
		decErr = ErrInvalidSecret
	}
	if decErr == nil {
		return sf.SecretKey, nil
	}

	s.backupCorrupt(f.SecretPath)
	s.log.Error("corrupt secret file, removing", "path", f.SecretPath, "err", decErr)
	s.written[filepath.Clean(f.SecretPath)] = ownWrite{removed: true}
	if err := os.Remove(f.SecretPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("removing corrupt secret: %w", err)
	}
	return "", nil
}

// WriteSecret stores key in the secret file and returns its path.
func (s *Store) WriteSecret(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !secretKeyPattern.MatchString(key) {
		return "", ErrInvalidSecret
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(f.SecretPath), 0o700); err != nil {
		return "", fmt.Errorf("creating secret dir: %w", err)
	}
	s.backupPrevious(f.SecretPath)
	if err := s.writeLocked(f.SecretPath, secretFile{SecretKey: key}, 0o600); err != nil {
		return "", err
	}
	return f.SecretPath, nil
}

// ClearSecret removes the secret file, keeping a backup. It reports
// whether a secret existed.
func (s *Store) ClearSecret() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(f.SecretPath); os.IsNotExist(err) {
		return false, nil
	}
	s.backupPrevious(f.SecretPath)
	s.written[filepath.Clean(f.SecretPath)] = ownWrite{removed: true}
	if err := os.Remove(f.SecretPath); err != nil {
		return false, fmt.Errorf("removing secret: %w", err)
	}
	return true, nil
}

func (s *Store) writeLocked(path string, v any, perm os.FileMode) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	s.written[filepath.Clean(path)] = ownWrite{data: buf.Bytes()}
	if err := os.WriteFile(tmp, buf.Bytes(), perm); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// ownChange reports whether path is still in the state this store last
// left it in.
func (s *Store) ownChange(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.written[path]
	if !ok {
		return false
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return w.removed
	}
	return err == nil && !w.removed && bytes.Equal(data, w.data)
}

func (s *Store) backupCorrupt(path string) {
	ts := s.now().UTC().Format("20060102_150405")
	backupPath := path + ".corrupt." + ts
	if err := copyFile(path, backupPath); err != nil {
		s.log.Error("failed to backup corrupt file", "path", path, "err", err)
		return
	}
	s.log.Info("backed up corrupt file", "path", backupPath)
}

func (s *Store) backupPrevious(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := copyFile(path, path+".bak"); err != nil {
		s.log.Warn("failed to backup previous file", "path", path, "err", err)
	}
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}
