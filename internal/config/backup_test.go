package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupFile_Missing(t *testing.T) {
	backup, err := BackupFile(filepath.Join(t.TempDir(), FileYAML))
	require.NoError(t, err)
	assert.Empty(t, backup)
}

func TestBackupFile_CopiesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileYAML)
	require.NoError(t, os.WriteFile(path, []byte("search:\n  limit: 3\n"), 0o644))

	backup, err := BackupFile(path)

	require.NoError(t, err)
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "search:\n  limit: 3\n", string(data))
}

func TestBackupFile_KeepsNewest(t *testing.T) {
	// Given more backups than MaxBackups
	dir := t.TempDir()
	path := filepath.Join(dir, FileYAML)
	require.NoError(t, os.WriteFile(path, []byte("v: 1\n"), 0o644))
	for _, ts := range []string{"20240101-000000.000000000", "20240102-000000.000000000", "20240103-000000.000000000"} {
		require.NoError(t, os.WriteFile(path+BackupSuffix+"."+ts, []byte("old"), 0o644))
	}

	// When backing up once more
	newest, err := BackupFile(path)
	require.NoError(t, err)

	// Then only the newest MaxBackups remain, newest first
	backups, err := ListBackups(path)
	require.NoError(t, err)
	require.Len(t, backups, MaxBackups)
	assert.Equal(t, newest, backups[0])
	assert.NotContains(t, backups, path+BackupSuffix+".20240101-000000.000000000")
}

func TestWriteProjectFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	path, backup, err := NewConfig().WriteProjectFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileYAML), path)
	assert.Empty(t, backup)

	_, backup, err = NewConfig().WriteProjectFile(dir)
	require.NoError(t, err)
	assert.FileExists(t, backup)
}
