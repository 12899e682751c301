package toki

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCleanCommandArtifacts(t *testing.T) {
	setTestDirs(t)

	store, err := OpenStateStore(ArtifactDir)
	require.NoError(t, err)

	tb := filepath.Join(ArtifactDir, "k.tar.zst")
	require.NoError(t, os.WriteFile(tb, []byte("stub"), 0o644))
	require.NoError(t, store.WithKeyLock("k", func() error {
		return store.Record("k", CacheEntry{Recipe: "x", Tarball: tb})
	}))

	require.NoError(t, handleCleanCommand([]string{"-artifacts", "-y"}, store))

	assert.Empty(t, store.Keys())
	_, err = os.Stat(ArtifactDir)
	assert.True(t, os.IsNotExist(err))
}

func TestHandleCleanCommandSources(t *testing.T) {
	setTestDirs(t)

	store, err := OpenStateStore(ArtifactDir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(SourcesDir, "pkg.tar.gz"), []byte("src"), 0o644))
	require.NoError(t, handleCleanCommand([]string{"-sources", "-y"}, store))

	_, err = os.Stat(SourcesDir)
	assert.True(t, os.IsNotExist(err))
}

func TestHandleCleanCommandNoFlags(t *testing.T) {
	setTestDirs(t)
	store, err := OpenStateStore(ArtifactDir)
	require.NoError(t, err)

	// Without flags nothing is deleted; usage is printed instead.
	require.NoError(t, handleCleanCommand(nil, store))
	_, err = os.Stat(ArtifactDir)
	assert.NoError(t, err)
}
