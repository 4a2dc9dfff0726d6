package locator

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifies the host the agent binary must run on.
type Platform struct {
	OS     string `json:"os"`
	Arch   string `json:"arch"`
	Termux bool   `json:"termux"`
}

func (p Platform) String() string {
	s := p.OS + "/" + p.Arch
	if p.Termux {
		s += " (termux)"
	}
	return s
}

// DetectPlatform describes the running process. getenv supplies the
// environment used for Termux detection.
func DetectPlatform(getenv func(string) string) Platform {
	return detectPlatform(runtime.GOOS, runtime.GOARCH, getenv)
}

func detectPlatform(goos, goarch string, getenv func(string) string) Platform {
	p := Platform{OS: goos, Arch: goarch}
	if goos == "android" {
		p.OS = "linux"
		p.Termux = true
	}
	if getenv("TERMUX_VERSION") != "" || strings.Contains(getenv("PREFIX"), "com.termux") {
		p.Termux = true
	}
	return p
}

// assetTable maps os/arch to the release asset name published upstream.
var assetTable = map[string]string{
	"linux/amd64":   "playit-linux-amd64",
	"linux/arm64":   "playit-linux-aarch64",
	"linux/arm":     "playit-linux-armv7",
	"linux/386":     "playit-linux-i686",
	"windows/amd64": "playit-windows-x86_64-signed.exe",
	"windows/386":   "playit-windows-x86-signed.exe",
}

// AssetName returns the release asset for p, or false when the agent does
// not publish a build for it.
func AssetName(p Platform) (string, bool) {
	name, ok := assetTable[p.OS+"/"+p.Arch]
	return name, ok
}

// BinaryName is the file name of the agent executable on p.
func BinaryName(p Platform) string {
	if p.OS == "windows" {
		return "playit.exe"
	}
	return "playit"
}

// appDataDirs lists platform-specific install locations.
func appDataDirs(p Platform, home string, getenv func(string) string) []string {
	var dirs []string
	switch {
	case p.OS == "windows":
		if d := getenv("LOCALAPPDATA"); d != "" {
			dirs = append(dirs, filepath.Join(d, "playit_gg", "bin"))
		}
		if d := getenv("ProgramFiles"); d != "" {
			dirs = append(dirs, filepath.Join(d, "playit_gg", "bin"))
		}
	case p.OS == "darwin":
		dirs = append(dirs, "/opt/homebrew/bin")
		if home != "" {
			dirs = append(dirs, filepath.Join(home, "Library", "Application Support", "playit"))
		}
	case p.Termux:
		if prefix := getenv("PREFIX"); prefix != "" {
			dirs = append(dirs, filepath.Join(prefix, "bin"))
		}
	}
	return dirs
}

func isExecutable(p Platform, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if p.OS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
