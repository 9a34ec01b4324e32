package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	AppName = "hedged"
	Version = "0.3.0"
)

// GetWorkspaceDir returns the root directory for runtime data (stores,
// journals, panic dumps). A local "_workspace" directory wins when present
// (portable/dev mode); otherwise the OS data directory is used.
func GetWorkspaceDir() string {
	localDir := "_workspace"
	if _, err := os.Stat(localDir); err == nil {
		return localDir
	}

	var baseDir string
	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, "Library", "Application Support")
	case "linux":
		// XDG_DATA_HOME, falling back to ~/.local/share
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, _ := os.UserHomeDir()
			baseDir = filepath.Join(home, ".local", "share")
		}
	default:
		return localDir
	}
	return filepath.Join(baseDir, AppName)
}

// ModeDir is the data directory of one trading mode. Paper, demo and real
// runs never share stores.
func ModeDir(workDir, mode string) string {
	return filepath.Join(workDir, "data", strings.ToLower(mode))
}

// ResolveDataPath anchors a relative path from the config in dir. Absolute
// paths and empty strings pass through.
func ResolveDataPath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// EnsureDir creates the directory if it doesn't exist (0755).
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// CreateLockFile prevents two daemons from driving the same stores. It
// returns a function removing the lock.
func CreateLockFile(workDir string) (func(), error) {
	lockPath := filepath.Join(workDir, "instance.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another instance is already running (lock file exists: %s)", lockPath)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d", os.Getpid())
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}

// ResolveConfigPath finds config.yaml. HEDGE_CONFIG wins, then
// ./configs/config.yaml, then the OS config directory.
func ResolveConfigPath() string {
	if p := os.Getenv("HEDGE_CONFIG"); p != "" {
		return p
	}
	defaultPath := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}

	if configRoot, err := os.UserConfigDir(); err == nil {
		osPath := filepath.Join(configRoot, AppName, "config.yaml")
		if _, err := os.Stat(osPath); err == nil {
			return osPath
		}
	}
	// Let LoadConfig report the missing file.
	return defaultPath
}
