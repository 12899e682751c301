package toki

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeArtifactRejectsWrongArch(t *testing.T) {
	st, err := NewStagingTree(t.TempDir(), "arm64-v8a")
	require.NoError(t, err)

	err = st.MergeArtifact(t.TempDir(), "x86_64", NewExecutor(context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be staged")
}

func TestMergeArtifactCopiesTree(t *testing.T) {
	st, err := NewStagingTree(t.TempDir(), "arm64-v8a")
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib", "arm64-v8a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "arm64-v8a", "libz.so"), []byte("z"), 0o755))

	require.NoError(t, st.MergeArtifact(src, "arm64-v8a", NewExecutor(context.Background())))
	assert.FileExists(t, filepath.Join(st.Root, "lib", "arm64-v8a", "libz.so"))
}

func TestMergeArtifactAccumulates(t *testing.T) {
	st, err := NewStagingTree(t.TempDir(), "arm64-v8a")
	require.NoError(t, err)
	e := NewExecutor(context.Background())

	src1 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src1, "one"), []byte("1"), 0o644))
	src2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src2, "two"), []byte("2"), 0o644))

	require.NoError(t, st.MergeArtifact(src1, "arm64-v8a", e))
	require.NoError(t, st.MergeArtifact(src2, "arm64-v8a", e))

	assert.FileExists(t, filepath.Join(st.Root, "one"))
	assert.FileExists(t, filepath.Join(st.Root, "two"))
}

func TestStagingDigestDetectsChange(t *testing.T) {
	st, err := NewStagingTree(t.TempDir(), "arm64-v8a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(st.Root, "f"), []byte("v1"), 0o644))

	d1, err := st.Digest()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(st.Root, "f"), []byte("v2"), 0o644))
	d2, err := st.Digest()
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestHashStringStable(t *testing.T) {
	a := hashString("https://example.com/foo.tar.gz1.0")
	b := hashString("https://example.com/foo.tar.gz1.0")
	c := hashString("https://example.com/foo.tar.gz1.1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestVerifyChecksum(t *testing.T) {
	p := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))

	sum, err := ComputeChecksum(p)
	require.NoError(t, err)
	require.NoError(t, verifyChecksum(p, sum))

	err = verifyChecksum(p, "ffff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}
