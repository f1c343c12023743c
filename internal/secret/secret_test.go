package secret

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "bridge.db.nsec")
	s := NewFileStore(path)

	got, err := s.Get()
	require.NoError(t, err)
	assert.Empty(t, got, "missing file reads as unset")

	require.NoError(t, s.Set("  nsec1abc \n"))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, "nsec1abc", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, s.Set("nsec1def"))
	got, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, "nsec1def", got)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
	got, err = s.Get()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStoreSetEmptyClears(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "k"))
	require.NoError(t, s.Set("x"))
	require.NoError(t, s.Set("   "))

	_, err := os.Stat(s.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k")

	env := Resolve("NOSTR_NSEC", " nsec1env ", path)
	assert.Equal(t, "env:NOSTR_NSEC", env.Name())
	got, err := env.Get()
	require.NoError(t, err)
	assert.Equal(t, "nsec1env", got)
	assert.ErrorIs(t, env.Set("x"), ErrReadOnly)
	assert.ErrorIs(t, env.Clear(), ErrReadOnly)

	file := Resolve("NOSTR_NSEC", "", path)
	assert.Equal(t, "file:"+path, file.Name())
}
