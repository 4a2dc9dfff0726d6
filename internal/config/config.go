package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("30s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	// HTTP listen address for the tunnel API (e.g. "127.0.0.1:9180").
	Listen string `toml:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel   string           `toml:"log_level"`
	Agent      AgentConfig      `toml:"agent"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Service    ServiceConfig    `toml:"service"`
	History    HistoryConfig    `toml:"history"`

	// SudoPassword is only read from PLAYWIRE_SUDO_PASSWORD, never from disk.
	SudoPassword string `toml:"-"`
}

// AgentConfig locates the agent binary and its files.
type AgentConfig struct {
	// InstallDir receives auto-installed binaries.
	InstallDir  string `toml:"install_dir"`
	AutoInstall *bool  `toml:"auto_install,omitempty"`
	// ConfigPath is the agent config file. Relative paths resolve
	// against the data directory.
	ConfigPath string `toml:"config_path"`
	// SecretPath is the secret file used when the agent config is created.
	SecretPath string `toml:"secret_path"`
}

// SupervisorConfig tunes the restart policy and health checks.
type SupervisorConfig struct {
	AutoRestart        *bool      `toml:"auto_restart,omitempty"`
	MaxRestartAttempts *int       `toml:"max_restart_attempts,omitempty"`
	Backoff            []Duration `toml:"backoff"`
	HealthInterval     Duration   `toml:"health_interval"`
	StallGrace         Duration   `toml:"stall_grace"`
	StableReset        Duration   `toml:"stable_reset"`
	MaxLogs            int        `toml:"max_logs"`
	ClaimTimeout       Duration   `toml:"claim_timeout"`
}

// ServiceConfig selects the systemd backend.
type ServiceConfig struct {
	Managed bool   `toml:"managed"`
	Unit    string `toml:"unit"`
	// User the unit runs as. Empty means root.
	User string `toml:"user"`
}

// HistoryConfig controls the lifecycle history database.
type HistoryConfig struct {
	Enabled   *bool    `toml:"enabled,omitempty"`
	Retention Duration `toml:"retention"`
}

const DefaultListen = "127.0.0.1:9180"

// Defaults returns the configuration used when no file exists.
func Defaults(dataDir string) *Config {
	yes := true
	attempts := 3
	return &Config{
		Listen:   DefaultListen,
		LogLevel: "info",
		Agent: AgentConfig{
			InstallDir:  filepath.Join(dataDir, "bin"),
			AutoInstall: &yes,
			ConfigPath:  "agent.toml",
			SecretPath:  "playit.toml",
		},
		Supervisor: SupervisorConfig{
			AutoRestart:        &yes,
			MaxRestartAttempts: &attempts,
			Backoff: []Duration{
				{5 * time.Second}, {10 * time.Second}, {30 * time.Second},
			},
			HealthInterval: Duration{30 * time.Second},
			StallGrace:     Duration{30 * time.Second},
			StableReset:    Duration{5 * time.Minute},
			MaxLogs:        500,
			ClaimTimeout:   Duration{10 * time.Minute},
		},
		Service: ServiceConfig{Unit: "playwire-agent"},
		History: HistoryConfig{
			Enabled:   &yes,
			Retention: Duration{30 * 24 * time.Hour},
		},
	}
}

// AgentConfigPath returns the agent config path resolved against dataDir.
func (c *Config) AgentConfigPath(dataDir string) string {
	return resolve(dataDir, c.Agent.ConfigPath)
}

// AgentSecretPath returns the default secret path resolved against dataDir.
func (c *Config) AgentSecretPath(dataDir string) string {
	return resolve(dataDir, c.Agent.SecretPath)
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// DataDir returns PLAYWIRE_DIR or ~/.playwire.
func DataDir() string {
	if d := os.Getenv("PLAYWIRE_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playwire"
	}
	return filepath.Join(home, ".playwire")
}

var validUnitName = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

// LoadConfig reads config.toml from dataDir, applies environment variable
// overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	cfg := Defaults(dataDir)

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PLAYWIRE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("PLAYWIRE_INSTALL_DIR"); v != "" {
		c.Agent.InstallDir = v
	}
	if v := getenv("PLAYWIRE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	for _, b := range []struct {
		name string
		dst  **bool
	}{
		{"PLAYWIRE_AUTO_INSTALL", &c.Agent.AutoInstall},
		{"PLAYWIRE_AUTO_RESTART", &c.Supervisor.AutoRestart},
	} {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		*b.dst = &parsed
	}
	if v := getenv("PLAYWIRE_MAX_RESTARTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLAYWIRE_MAX_RESTARTS: %w", err)
		}
		c.Supervisor.MaxRestartAttempts = &n
	}
	if v := getenv("PLAYWIRE_MANAGED_SERVICE"); v != "" {
		managed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PLAYWIRE_MANAGED_SERVICE: %w", err)
		}
		c.Service.Managed = managed
	}
	c.SudoPassword = getenv("PLAYWIRE_SUDO_PASSWORD")
	return nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Supervisor.MaxRestartAttempts != nil && *c.Supervisor.MaxRestartAttempts < 0 {
		return fmt.Errorf("max_restart_attempts must not be negative")
	}
	if len(c.Supervisor.Backoff) == 0 {
		return fmt.Errorf("backoff must list at least one delay")
	}
	for _, d := range c.Supervisor.Backoff {
		if d.Duration <= 0 {
			return fmt.Errorf("backoff delays must be positive, got %s", d)
		}
	}
	if c.Supervisor.HealthInterval.Duration <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}
	if c.Supervisor.MaxLogs <= 0 {
		return fmt.Errorf("max_logs must be positive")
	}
	if c.Agent.ConfigPath == "" {
		return fmt.Errorf("agent config_path must be set")
	}
	if c.Service.Managed && !validUnitName.MatchString(c.Service.Unit) {
		return fmt.Errorf("invalid service unit name %q", c.Service.Unit)
	}
	return nil
}

// BackoffDurations returns the restart backoff schedule.
func (s SupervisorConfig) BackoffDurations() []time.Duration {
	out := make([]time.Duration, len(s.Backoff))
	for i, d := range s.Backoff {
		out[i] = d.Duration
	}
	return out
}

// Save writes cfg to config.toml inside dataDir, creating the directory
// if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return nil
}
