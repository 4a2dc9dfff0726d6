package locator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// VersionFile is the sidecar written next to an installed binary.
const VersionFile = "playit.version.json"

// VersionInfo records which release is installed.
type VersionInfo struct {
	Version string    `json:"version"`
	Updated time.Time `json:"updated"`
}

// ReadVersion loads the sidecar from dir. A missing sidecar returns the
// zero VersionInfo and no error.
func ReadVersion(dir string) (VersionInfo, error) {
	var v VersionInfo
	data, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("parsing %s: %w", VersionFile, err)
	}
	return v, nil
}

// WriteVersion atomically replaces the sidecar in dir.
func WriteVersion(dir string, v VersionInfo) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, VersionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// InstalledVersion returns the sidecar for this locator's install dir.
func (l *Locator) InstalledVersion() (VersionInfo, error) {
	return ReadVersion(l.installDir)
}
