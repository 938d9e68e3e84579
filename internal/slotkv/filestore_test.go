package slotkv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileStore_ParsesKeyValueLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env")
	content := "# comment\nnerves_fw_active=a\na.nerves_fw_uuid=1234\na.nerves_fw_validated=true\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	v, ok := store.Get("nerves_fw_active")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	assert.True(t, FirmwareValidated(store))
}

func TestNewFileStore_MissingFileIsNotAnError(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	_, ok := store.Get("anything")
	assert.False(t, ok)
}

func TestFileStore_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env")
	require.NoError(t, os.WriteFile(path, []byte("nerves_fw_active=a\n"), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("nerves_fw_active=b\n"), 0o644))
	require.NoError(t, store.Reload())

	v, _ := store.Get("nerves_fw_active")
	assert.Equal(t, "b", v)
}
