package logging

import (
	"os"
	"path/filepath"
)

// DataRoot returns the reviewloop data directory.
// Honors $REVIEWLOOP_DATA_DIR; defaults to ~/.reviewloop, falling back to
// the temp directory when the home directory is unavailable.
func DataRoot() string {
	if dir := os.Getenv("REVIEWLOOP_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".reviewloop")
	}
	return filepath.Join(home, ".reviewloop")
}

// DefaultLogDir returns the default log directory under the data root.
func DefaultLogDir() string {
	return filepath.Join(DataRoot(), "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "reviewloop.log")
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	return os.MkdirAll(DefaultLogDir(), 0o755)
}
