package log

import (
	"os"
	"path/filepath"
	"runtime"
)

// getDefaultDir picks the per-user log location: Library/Logs on macOS,
// LocalAppData on Windows and the XDG state directory elsewhere.
func getDefaultDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		local, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(local, "parley", "logs"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Logs", "parley"), nil
	}

	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "parley"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "parley"), nil
}
