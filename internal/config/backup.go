package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MaxBackups is the number of backups kept per config file.
	MaxBackups = 3

	// BackupSuffix precedes the timestamp of a backup file name.
	BackupSuffix = ".bak"
)

// BackupFile copies path to "<path>.bak.<timestamp>" and prunes all but the
// newest MaxBackups backups. It returns "" when path does not exist.
func BackupFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s for backup: %w", path, err)
	}

	backupPath := fmt.Sprintf("%s%s.%s", path, BackupSuffix, time.Now().Format("20060102-150405.000000000"))
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	backups, err := ListBackups(path)
	if err != nil {
		return backupPath, nil
	}
	for _, old := range backups[min(len(backups), MaxBackups):] {
		_ = os.Remove(old)
	}
	return backupPath, nil
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	prefix := filepath.Base(path) + BackupSuffix + "."
	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}
	// Timestamps sort lexically.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// WriteProjectFile writes c as the YAML project file of dir, backing up an
// existing file first.
func (c *Config) WriteProjectFile(dir string) (path, backup string, err error) {
	path = filepath.Join(dir, FileYAML)
	if backup, err = BackupFile(path); err != nil {
		return "", "", err
	}
	if err := c.WriteYAML(path); err != nil {
		return "", "", err
	}
	return path, backup, nil
}
