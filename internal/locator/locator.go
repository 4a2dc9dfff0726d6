// Package locator finds the tunnel agent binary on the host and installs
// it from the upstream GitHub releases when it is missing.
package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/codewiresh/playwire/internal/procutil"
)

const userAgent = "playwire-locator"

var (
	ErrNotFound = errors.New("playit binary not found")
	ErrNoAsset  = errors.New("no agent build published for this platform")
)

// Binary is a resolved agent executable. Verified is set once the file has
// been confirmed present and executable.
type Binary struct {
	Path     string `json:"path"`
	Verified bool   `json:"verified"`
}

// Result is the outcome of Resolve. An empty Path is the failure signal;
// Error then carries the reason.
type Result struct {
	Path      string `json:"path"`
	Installed bool   `json:"installed"`
	Error     string `json:"error"`
}

// OK reports whether a binary was resolved.
func (r Result) OK() bool { return r.Path != "" }

// MarshalJSON renders empty Path and Error as null.
func (r Result) MarshalJSON() ([]byte, error) {
	var out struct {
		Path      *string `json:"path"`
		Installed bool    `json:"installed"`
		Error     *string `json:"error"`
	}
	if r.Path != "" {
		out.Path = &r.Path
	}
	if r.Error != "" {
		out.Error = &r.Error
	}
	out.Installed = r.Installed
	return json.Marshal(out)
}

func failure(err error) Result {
	return Result{Error: err.Error()}
}

// Options configures a Locator. Zero values select production defaults.
type Options struct {
	// InstallDir receives auto-installed binaries.
	InstallDir string
	// SearchDirs replaces the default search directories (after the
	// working directory and InstallDir) when non-nil.
	SearchDirs []string
	ReleaseURL string
	HTTPClient *http.Client
	Runner     procutil.Runner
	Platform   *Platform
	LookPath   func(string) (string, error)
	Getenv     func(string) string
	HomeDir    string
	WorkDir    string
	// APITimeout bounds the release metadata request; DownloadTimeout
	// bounds each download strategy.
	APITimeout      time.Duration
	DownloadTimeout time.Duration
	Logger          *slog.Logger
}

// Locator resolves the agent binary. Once resolved, the path is cached
// and only re-resolved by Update.
type Locator struct {
	platform        Platform
	installDir      string
	searchDirs      []string
	releaseURL      string
	client          *http.Client
	runner          procutil.Runner
	lookPath        func(string) (string, error)
	getenv          func(string) string
	home            string
	workDir         string
	apiTimeout      time.Duration
	downloadTimeout time.Duration
	log             *slog.Logger

	mu           sync.Mutex
	cached       *Binary
	bootstrapped bool
}

// New creates a Locator from opts.
func New(opts Options) *Locator {
	l := &Locator{
		installDir:      opts.InstallDir,
		searchDirs:      opts.SearchDirs,
		releaseURL:      opts.ReleaseURL,
		client:          opts.HTTPClient,
		runner:          opts.Runner,
		lookPath:        opts.LookPath,
		getenv:          opts.Getenv,
		home:            opts.HomeDir,
		workDir:         opts.WorkDir,
		apiTimeout:      opts.APITimeout,
		downloadTimeout: opts.DownloadTimeout,
		log:             opts.Logger,
	}
	if l.getenv == nil {
		l.getenv = os.Getenv
	}
	if opts.Platform != nil {
		l.platform = *opts.Platform
	} else {
		l.platform = DetectPlatform(l.getenv)
	}
	if l.releaseURL == "" {
		l.releaseURL = DefaultReleaseURL
	}
	if l.client == nil {
		l.client = &http.Client{}
	}
	if l.runner == nil {
		l.runner = procutil.ExecRunner{}
	}
	if l.lookPath == nil {
		l.lookPath = exec.LookPath
	}
	if l.home == "" {
		l.home, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	if l.installDir == "" {
		l.installDir = filepath.Join(l.home, ".playwire", "bin")
	}
	if l.apiTimeout <= 0 {
		l.apiTimeout = 15 * time.Second
	}
	if l.downloadTimeout <= 0 {
		l.downloadTimeout = 2 * time.Minute
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// Platform returns the detected platform.
func (l *Locator) Platform() Platform { return l.platform }

// InstallDir returns the directory auto-installs are written to.
func (l *Locator) InstallDir() string { return l.installDir }

// Binary returns the cached resolved binary, if any.
func (l *Locator) Binary() (Binary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cached == nil {
		return Binary{}, false
	}
	return *l.cached, true
}

// Candidates returns the ordered list of paths checked for an existing
// binary. PATH lookups happen after these.
func (l *Locator) Candidates() []string {
	name := BinaryName(l.platform)
	dirs := []string{l.workDir, l.installDir}
	if l.searchDirs != nil {
		dirs = append(dirs, l.searchDirs...)
	} else {
		if l.home != "" {
			dirs = append(dirs, filepath.Join(l.home, ".local", "bin"))
		}
		if l.platform.OS != "windows" {
			dirs = append(dirs, "/usr/local/bin", "/usr/bin", "/opt/playit")
		}
		dirs = append(dirs, appDataDirs(l.platform, l.home, l.getenv)...)
	}

	seen := make(map[string]bool)
	var out []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		p := filepath.Join(d, name)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Resolve returns the agent binary, searching the candidate paths and
// PATH. When nothing is found and autoInstall is set, the latest release
// is downloaded into the install directory.
func (l *Locator) Resolve(ctx context.Context, autoInstall bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil && isExecutable(l.platform, l.cached.Path) {
		return Result{Path: l.cached.Path}
	}
	l.cached = nil

	if l.platform.Termux && autoInstall && !l.bootstrapped {
		l.bootstrapped = true
		l.bootstrapSandbox(ctx)
	}

	if path, ok := l.search(); ok {
		l.cached = &Binary{Path: path, Verified: true}
		l.log.Debug("agent binary found", "path", path)
		return Result{Path: path}
	}

	if !autoInstall {
		return failure(ErrNotFound)
	}

	path, err := l.install(ctx)
	if err != nil {
		l.log.Error("agent install failed", "error", err)
		return failure(err)
	}
	l.cached = &Binary{Path: path, Verified: true}
	return Result{Path: path, Installed: true}
}

// Update downloads the latest release even when a binary already exists.
func (l *Locator) Update(ctx context.Context) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.install(ctx)
	if err != nil {
		l.log.Error("agent update failed", "error", err)
		return failure(err)
	}
	l.cached = &Binary{Path: path, Verified: true}
	return Result{Path: path, Installed: true}
}

func (l *Locator) search() (string, bool) {
	for _, p := range l.Candidates() {
		if isExecutable(l.platform, p) {
			return p, true
		}
	}
	for _, name := range []string{"playit", "playit-cli"} {
		if p, err := l.lookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

// bootstrapSandbox makes sure the sandbox has the external downloaders.
// Failures only cost us the fallback strategies.
func (l *Locator) bootstrapSandbox(ctx context.Context) {
	_, err := l.runner.Run(ctx, procutil.Cmd{
		Name:    "pkg",
		Args:    []string{"install", "-y", "curl", "wget"},
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		l.log.Warn("termux package bootstrap failed", "error", err)
	}
}

func (l *Locator) install(ctx context.Context) (string, error) {
	assetName, ok := AssetName(l.platform)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAsset, l.platform)
	}

	release, err := l.fetchRelease(ctx)
	if err != nil {
		return "", err
	}
	asset := FindAsset(release, assetName)
	if asset == nil {
		return "", fmt.Errorf("release %s has no asset %s", release.TagName, assetName)
	}

	if err := os.MkdirAll(l.installDir, 0o755); err != nil {
		return "", fmt.Errorf("creating install dir: %w", err)
	}
	dest := filepath.Join(l.installDir, BinaryName(l.platform))
	tmp := dest + ".download"

	l.log.Info("installing agent binary", "version", release.TagName, "asset", assetName, "dest", dest)
	if err := l.download(ctx, asset.BrowserDownloadURL, tmp); err != nil {
		return "", err
	}
	if l.platform.OS != "windows" {
		if err := os.Chmod(tmp, 0o755); err != nil {
			os.Remove(tmp)
			return "", fmt.Errorf("chmod %s: %w", tmp, err)
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("installing %s: %w", dest, err)
	}

	if err := WriteVersion(l.installDir, VersionInfo{Version: release.TagName, Updated: time.Now().UTC()}); err != nil {
		l.log.Warn("writing version sidecar", "error", err)
	}
	return dest, nil
}
