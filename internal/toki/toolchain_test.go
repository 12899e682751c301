package toki

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeNDKZip writes a minimal NDK-shaped zip archive to destPath.
func writeFakeNDKZip(destPath, ndk string) error {
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range []string{
		"android-ndk-r" + ndk + "/bin/clang",
		"android-ndk-r" + ndk + "/sysroot/usr/include/stdio.h",
	} {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("fake\n")); err != nil {
			return err
		}
	}
	return zw.Close()
}

func newTestToolchainManager(t *testing.T, downloads *atomic.Int32) *ToolchainManager {
	t.Helper()
	tm := NewToolchainManager(t.TempDir())
	// Isolate from the shared defaultToolchainChecksums map so per-test
	// mutations do not leak into other tests.
	tm.Checksums = map[string]string{}
	tm.Backoff = time.Millisecond
	tm.Download = func(ctx context.Context, plat string, api int, ndk, destPath string) error {
		downloads.Add(1)
		return writeFakeNDKZip(destPath, ndk)
	}
	return tm
}

func TestToolchainAcquireInstallsOnce(t *testing.T) {
	var downloads atomic.Int32
	tm := newTestToolchainManager(t, &downloads)
	ctx := context.Background()

	tc, err := tm.Acquire(ctx, "android", 31, "25b")
	require.NoError(t, err)
	assert.Equal(t, int32(1), downloads.Load())
	assert.NotEmpty(t, tc.Fingerprint)
	assert.FileExists(t, filepath.Join(tc.Root, ".complete"))
	assert.FileExists(t, filepath.Join(tc.Root, "bin", "clang"))

	// The versioned top-level directory is flattened away.
	assert.Equal(t, filepath.Join(tm.Root, "android-31-25b"), tc.Root)

	// Second acquire is a pure cache load.
	tc2, err := tm.Acquire(ctx, "android", 31, "25b")
	require.NoError(t, err)
	assert.Equal(t, int32(1), downloads.Load())
	assert.Equal(t, tc.Fingerprint, tc2.Fingerprint)
}

func TestToolchainAcquireSingleFlight(t *testing.T) {
	var downloads atomic.Int32
	tm := newTestToolchainManager(t, &downloads)
	ctx := context.Background()

	const n = 8
	fingerprints := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tc, err := tm.Acquire(ctx, "android", 31, "25b")
			errs[i] = err
			if err == nil {
				fingerprints[i] = tc.Fingerprint
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), downloads.Load(), "concurrent acquires must share one download")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fingerprints[0], fingerprints[i])
	}
}

func TestToolchainChecksumMismatchRetriesThenFails(t *testing.T) {
	var downloads atomic.Int32
	tm := newTestToolchainManager(t, &downloads)
	tm.Checksums["android-31-25b"] = "00000000000000000000000000000000"

	_, err := tm.Acquire(context.Background(), "android", 31, "25b")
	require.Error(t, err)

	te, ok := err.(*ToolchainFetchError)
	require.True(t, ok, "expected *ToolchainFetchError, got %T", err)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, int32(3), downloads.Load())
	assert.Contains(t, te.Error(), "checksum mismatch")

	// No partial install or download residue survives.
	assert.NoFileExists(t, filepath.Join(tm.Root, "android-31-25b", ".complete"))
	assert.NoFileExists(t, filepath.Join(tm.Root, "android-31-25b.download"))
}

func TestToolchainAcquireCancelled(t *testing.T) {
	var downloads atomic.Int32
	tm := newTestToolchainManager(t, &downloads)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tm.Acquire(ctx, "android", 31, "25b")
	require.Error(t, err)
	te, ok := err.(*ToolchainFetchError)
	require.True(t, ok)
	assert.ErrorIs(t, te.Err, context.Canceled)
}

func TestToolchainDescriptorPaths(t *testing.T) {
	tc := &ToolchainDescriptor{
		Platform: "android",
		API:      31,
		NDK:      "25b",
		Root:     "/opt/tc",
		Sysroot:  "/opt/tc/sysroot",
	}
	assert.Equal(t, "/opt/tc/bin/aarch64-linux-android31-clang", tc.Clang("arm64-v8a"))
	assert.Equal(t, "/opt/tc/bin/armv7a-linux-androideabi31-clang", tc.Clang("armeabi-v7a"))
	assert.Equal(t, "/opt/tc/bin/aarch64-linux-android31-clang++", tc.ClangXX("arm64-v8a"))
	assert.Equal(t, "/opt/tc/bin/llvm-ar", tc.Tool("ar"))
}

func TestToolchainFingerprintTracksInputs(t *testing.T) {
	var downloads atomic.Int32
	tm := newTestToolchainManager(t, &downloads)
	ctx := context.Background()

	a, err := tm.Acquire(ctx, "android", 31, "25b")
	require.NoError(t, err)
	b, err := tm.Acquire(ctx, "android", 33, "25b")
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestToolchainKeyFormat(t *testing.T) {
	assert.Equal(t, "android-31-25b", toolchainKey("android", 31, "25b"))
}
