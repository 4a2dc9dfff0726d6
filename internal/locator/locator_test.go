package locator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/codewiresh/playwire/internal/procutil"
)

var linuxAMD64 = Platform{OS: "linux", Arch: "amd64"}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	// write makes curl/wget calls create their -o/-O target.
	write bool
}

func (f *fakeRunner) Run(_ context.Context, c procutil.Cmd) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c.String())
	f.mu.Unlock()
	if !f.write {
		return nil, errors.New("not available")
	}
	for i, a := range c.Args {
		if (a == "-o" || a == "-O") && i+1 < len(c.Args) {
			return nil, os.WriteFile(c.Args[i+1], []byte("#!/bin/sh\n"), 0o644)
		}
	}
	return nil, nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func noLookPath(string) (string, error) { return "", exec.ErrNotFound }

func toolsOnly(name string) (string, error) {
	if name == "curl" || name == "wget" {
		return "/usr/bin/" + name, nil
	}
	return "", exec.ErrNotFound
}

// releaseServer serves release metadata and the asset. assetStatus lets a
// test break the native download.
func releaseServer(t *testing.T, assetStatus int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("GET /releases/latest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ReleaseInfo{
			TagName: "v0.15.26",
			Assets: []Asset{
				{Name: "playit-linux-amd64", BrowserDownloadURL: srv.URL + "/download/playit-linux-amd64"},
				{Name: "playit-linux-aarch64", BrowserDownloadURL: srv.URL + "/download/playit-linux-aarch64"},
			},
		})
	})
	mux.HandleFunc("GET /download/{name}", func(w http.ResponseWriter, r *http.Request) {
		if assetStatus != http.StatusOK {
			w.WriteHeader(assetStatus)
			return
		}
		fmt.Fprint(w, "#!/bin/sh\necho playit\n")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestLocator(t *testing.T, p Platform, releaseURL string, runner *fakeRunner, lookPath func(string) (string, error)) *Locator {
	t.Helper()
	dir := t.TempDir()
	return New(Options{
		InstallDir: filepath.Join(dir, "bin"),
		SearchDirs: []string{},
		ReleaseURL: releaseURL,
		Runner:     runner,
		Platform:   &p,
		LookPath:   lookPath,
		Getenv:     func(string) string { return "" },
		HomeDir:    filepath.Join(dir, "home"),
		WorkDir:    filepath.Join(dir, "work"),
	})
}

func TestDetectPlatform(t *testing.T) {
	cases := []struct {
		name   string
		goos   string
		env    map[string]string
		termux bool
		os     string
	}{
		{"plain linux", "linux", nil, false, "linux"},
		{"termux version", "linux", map[string]string{"TERMUX_VERSION": "0.118"}, true, "linux"},
		{"termux prefix", "linux", map[string]string{"PREFIX": "/data/data/com.termux/files/usr"}, true, "linux"},
		{"android build", "android", nil, true, "linux"},
		{"windows", "windows", nil, false, "windows"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := detectPlatform(tc.goos, "arm64", func(k string) string { return tc.env[k] })
			if p.Termux != tc.termux || p.OS != tc.os {
				t.Fatalf("got %+v", p)
			}
		})
	}
}

func TestAssetName(t *testing.T) {
	if name, ok := AssetName(Platform{OS: "linux", Arch: "arm64", Termux: true}); !ok || name != "playit-linux-aarch64" {
		t.Fatalf("termux arm64: %q %v", name, ok)
	}
	if _, ok := AssetName(Platform{OS: "plan9", Arch: "amd64"}); ok {
		t.Fatal("plan9 should have no asset")
	}
}

func TestResolveFindsCandidate(t *testing.T) {
	l := newTestLocator(t, linuxAMD64, "http://127.0.0.1:1/unused", &fakeRunner{}, noLookPath)
	if err := os.MkdirAll(l.InstallDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(l.InstallDir(), "playit")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	res := l.Resolve(context.Background(), false)
	if res.Path != bin || res.Installed || res.Error != "" {
		t.Fatalf("got %+v", res)
	}
	b, ok := l.Binary()
	if !ok || !b.Verified || b.Path != bin {
		t.Fatalf("cached binary = %+v %v", b, ok)
	}
}

func TestResolveSkipsNonExecutable(t *testing.T) {
	l := newTestLocator(t, linuxAMD64, "http://127.0.0.1:1/unused", &fakeRunner{}, noLookPath)
	os.MkdirAll(l.InstallDir(), 0o755)
	os.WriteFile(filepath.Join(l.InstallDir(), "playit"), []byte("data"), 0o644)

	if res := l.Resolve(context.Background(), false); res.OK() {
		t.Fatalf("non-executable file resolved: %+v", res)
	}
}

func TestResolveFallsBackToPath(t *testing.T) {
	l := newTestLocator(t, linuxAMD64, "", &fakeRunner{}, func(name string) (string, error) {
		if name == "playit-cli" {
			return "/somewhere/playit-cli", nil
		}
		return "", exec.ErrNotFound
	})
	if res := l.Resolve(context.Background(), false); res.Path != "/somewhere/playit-cli" {
		t.Fatalf("got %+v", res)
	}
}

func TestResolveNotFound(t *testing.T) {
	l := newTestLocator(t, linuxAMD64, "", &fakeRunner{}, noLookPath)
	res := l.Resolve(context.Background(), false)
	if res.OK() || res.Installed {
		t.Fatalf("got %+v", res)
	}
	if res.Error != ErrNotFound.Error() {
		t.Fatalf("error = %q", res.Error)
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"path":null,"installed":false,"error":"playit binary not found"}` {
		t.Fatalf("json = %s", data)
	}
}

func TestAutoInstall(t *testing.T) {
	srv := releaseServer(t, http.StatusOK)
	runner := &fakeRunner{}
	l := newTestLocator(t, linuxAMD64, srv.URL+"/releases/latest", runner, noLookPath)

	res := l.Resolve(context.Background(), true)
	if !res.OK() || !res.Installed {
		t.Fatalf("got %+v", res)
	}
	if res.Path != filepath.Join(l.InstallDir(), "playit") {
		t.Fatalf("path = %q", res.Path)
	}
	info, err := os.Stat(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("installed binary not executable: %v", info.Mode())
	}
	v, err := l.InstalledVersion()
	if err != nil || v.Version != "v0.15.26" || v.Updated.IsZero() {
		t.Fatalf("sidecar = %+v, %v", v, err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("external downloaders used despite working HTTP: %v", runner.calls)
	}

	// A second resolve uses the cached binary.
	if res2 := l.Resolve(context.Background(), true); res2.Path != res.Path || res2.Installed {
		t.Fatalf("second resolve = %+v", res2)
	}
}

func TestAutoInstallFallsBackToCurl(t *testing.T) {
	srv := releaseServer(t, http.StatusBadGateway)
	runner := &fakeRunner{write: true}
	l := newTestLocator(t, linuxAMD64, srv.URL+"/releases/latest", runner, toolsOnly)

	res := l.Resolve(context.Background(), true)
	if !res.OK() || !res.Installed {
		t.Fatalf("got %+v", res)
	}
	if !runner.called("curl ") {
		t.Fatalf("curl not tried: %v", runner.calls)
	}
	if runner.called("wget ") {
		t.Fatal("wget tried after curl succeeded")
	}
}

func TestAutoInstallAllStrategiesFail(t *testing.T) {
	srv := releaseServer(t, http.StatusBadGateway)
	runner := &fakeRunner{}
	l := newTestLocator(t, linuxAMD64, srv.URL+"/releases/latest", runner, toolsOnly)

	res := l.Resolve(context.Background(), true)
	if res.OK() {
		t.Fatalf("got %+v", res)
	}
	for _, want := range []string{"http", "curl", "wget"} {
		if !strings.Contains(res.Error, want) {
			t.Errorf("error %q does not mention %s", res.Error, want)
		}
	}
	if _, err := os.Stat(filepath.Join(l.InstallDir(), "playit.download")); !os.IsNotExist(err) {
		t.Fatal("partial download left behind")
	}
}

func TestAutoInstallUnreachableAPI(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	l := newTestLocator(t, linuxAMD64, srv.URL+"/releases/latest", &fakeRunner{}, noLookPath)

	res := l.Resolve(context.Background(), true)
	if res.OK() || res.Error == "" {
		t.Fatalf("got %+v", res)
	}
}

func TestAutoInstallNoAsset(t *testing.T) {
	srv := releaseServer(t, http.StatusOK)
	l := newTestLocator(t, Platform{OS: "darwin", Arch: "arm64"}, srv.URL+"/releases/latest", &fakeRunner{}, noLookPath)

	res := l.Resolve(context.Background(), true)
	if res.OK() || !strings.Contains(res.Error, ErrNoAsset.Error()) {
		t.Fatalf("got %+v", res)
	}
}

func TestTermuxBootstrapOnce(t *testing.T) {
	srv := releaseServer(t, http.StatusOK)
	runner := &fakeRunner{}
	l := newTestLocator(t, Platform{OS: "linux", Arch: "arm64", Termux: true}, srv.URL+"/releases/latest", runner, noLookPath)

	// Without auto-install the sandbox is left alone.
	l.Resolve(context.Background(), false)
	if runner.called("pkg ") {
		t.Fatal("bootstrap ran without auto-install")
	}

	res := l.Resolve(context.Background(), true)
	if !res.Installed {
		t.Fatalf("got %+v", res)
	}
	if !runner.called("pkg install -y curl wget") {
		t.Fatalf("bootstrap not run: %v", runner.calls)
	}
}

func TestUpdateForcesInstall(t *testing.T) {
	srv := releaseServer(t, http.StatusOK)
	l := newTestLocator(t, linuxAMD64, srv.URL+"/releases/latest", &fakeRunner{}, noLookPath)
	os.MkdirAll(l.InstallDir(), 0o755)
	bin := filepath.Join(l.InstallDir(), "playit")
	os.WriteFile(bin, []byte("old"), 0o755)

	if res := l.Resolve(context.Background(), true); res.Installed {
		t.Fatalf("existing binary should not be reinstalled: %+v", res)
	}
	res := l.Update(context.Background())
	if !res.Installed || res.Path != bin {
		t.Fatalf("update = %+v", res)
	}
	data, _ := os.ReadFile(bin)
	if string(data) == "old" {
		t.Fatal("binary not replaced")
	}
}

func TestCandidatesOrder(t *testing.T) {
	p := linuxAMD64
	l := New(Options{
		InstallDir: "/data/bin",
		Platform:   &p,
		HomeDir:    "/home/u",
		WorkDir:    "/srv",
		Getenv:     func(string) string { return "" },
	})
	got := l.Candidates()
	want := []string{
		"/srv/playit",
		"/data/bin/playit",
		"/home/u/.local/bin/playit",
		"/usr/local/bin/playit",
		"/usr/bin/playit",
		"/opt/playit/playit",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("candidates = %v", got)
	}
}

func TestNewDetectsTermuxFromEnv(t *testing.T) {
	l := New(Options{
		InstallDir: t.TempDir(),
		Getenv: func(k string) string {
			if k == "TERMUX_VERSION" {
				return "0.118"
			}
			return ""
		},
	})
	if !l.Platform().Termux {
		t.Fatalf("platform = %s, want termux", l.Platform())
	}
}
