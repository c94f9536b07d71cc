package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogFileName is the name of the active log file.
const LogFileName = "hybridrank.log"

// DefaultLogDir returns ~/.hybridrank/logs, or a temp directory when the home
// directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".hybridrank", "logs")
	}
	return filepath.Join(home, ".hybridrank", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), LogFileName)
}

// FindLogFile returns explicit when it exists, else the default log file.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("log file not found: %s", explicit)
		}
		return explicit, nil
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no log file at %s; run a command with --debug or set logging.file", path)
	}
	return path, nil
}
