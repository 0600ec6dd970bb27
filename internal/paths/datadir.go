package paths

import (
	"os"
	"path/filepath"
)

const appDirName = "routing-node"

// DefaultDataDir returns a per-user directory appropriate for persisting
// node state (identity, bootstrap cache). It prefers os.UserConfigDir and
// falls back to the current directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, appDirName)
	}
	return "." + appDirName
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
