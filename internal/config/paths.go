package config

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv overrides the proxyscope home directory.
const HomeEnv = "PROXYSCOPE_HOME"

// Paths contains every on-disk location used by proxyscope.
type Paths struct {
	Home     string // Home directory (~/.proxyscope)
	ConfigDB string // SQLite backend store
	KeyFile  string // AES key protecting stored secrets
	Settings string // settings.yaml
	Logs     string // Logs directory
	LogFile  string // Log file used while the dashboard owns the terminal
}

// GetHome returns the proxyscope home directory, honouring PROXYSCOPE_HOME.
func GetHome() string {
	if v := strings.TrimSpace(os.Getenv(HomeEnv)); v != "" {
		return ExpandPath(v)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".proxyscope")
}

// GetPaths returns the layout rooted at home. Empty home means GetHome().
func GetPaths(home string) Paths {
	if home == "" {
		home = GetHome()
	} else {
		home = ExpandPath(home)
	}
	logs := filepath.Join(home, "logs")
	return Paths{
		Home:     home,
		ConfigDB: filepath.Join(home, "config.db"),
		KeyFile:  filepath.Join(home, ".secrets.key"),
		Settings: filepath.Join(home, "settings.yaml"),
		Logs:     logs,
		LogFile:  filepath.Join(logs, "proxyscope.log"),
	}
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the home layout if it does not exist.
func EnsureDirs(home string) (Paths, error) {
	paths := GetPaths(home)

	for _, dir := range []string{paths.Home, paths.Logs} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
