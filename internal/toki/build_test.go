package toki

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestDirs points the global cache layout at a temp root for one test.
func setTestDirs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	oldArtifact, oldLog, oldSources, oldCache := ArtifactDir, LogDir, SourcesDir, CacheStore
	ArtifactDir = filepath.Join(root, "artifacts")
	LogDir = filepath.Join(root, "logs")
	SourcesDir = filepath.Join(root, "sources")
	CacheStore = filepath.Join(SourcesDir, "_cache")
	for _, d := range []string{ArtifactDir, LogDir, SourcesDir, CacheStore} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	t.Cleanup(func() {
		ArtifactDir, LogDir, SourcesDir, CacheStore = oldArtifact, oldLog, oldSources, oldCache
	})
	return root
}

// fileWriteStep writes name with content into the unit's dest tree.
func fileWriteStep(name, content string) BuildStep {
	return BuildStep{
		Kind: StepInstall,
		Run: func(ctx context.Context, env *BuildEnv) error {
			p := filepath.Join(env.DestDir, name)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			return os.WriteFile(p, []byte(content), 0o644)
		},
	}
}

func newTestBuilder(t *testing.T, root string, opts BuildOptions) (*Builder, *StateStore) {
	t.Helper()
	store, err := OpenStateStore(ArtifactDir)
	require.NoError(t, err)
	b := NewBuilder(store, filepath.Join(root, "work"), NewExecutor(context.Background()), opts)
	return b, store
}

func testToolchain() *ToolchainDescriptor {
	return &ToolchainDescriptor{
		Platform:    "android",
		API:         31,
		NDK:         "25b",
		Root:        "/nonexistent/toolchain",
		Sysroot:     "/nonexistent/toolchain/sysroot",
		Fingerprint: "testfp",
	}
}

func TestUnitCacheKeyInputs(t *testing.T) {
	r := &Recipe{Name: "libfoo", Version: "1.0", Source: Source{Checksum: "abc"}}
	tc := testToolchain()

	base := UnitCacheKey(r, "arm64-v8a", tc)

	// Same inputs, same key.
	assert.Equal(t, base, UnitCacheKey(r, "arm64-v8a", tc))

	// Arch changes the key.
	assert.NotEqual(t, base, UnitCacheKey(r, "x86_64", tc))

	// Toolchain fingerprint changes the key.
	tc2 := testToolchain()
	tc2.Fingerprint = "otherfp"
	assert.NotEqual(t, base, UnitCacheKey(r, "arm64-v8a", tc2))

	// Version changes the key.
	r2 := &Recipe{Name: "libfoo", Version: "1.1", Source: Source{Checksum: "abc"}}
	assert.NotEqual(t, base, UnitCacheKey(r2, "arm64-v8a", tc))

	// Patch set changes the key.
	r3 := &Recipe{Name: "libfoo", Version: "1.0", Source: Source{Checksum: "abc"},
		Patches: []Patch{{Name: "fix.patch", Content: "--- a\n+++ b\n"}}}
	assert.NotEqual(t, base, UnitCacheKey(r3, "arm64-v8a", tc))
}

func TestRunUnitBuildsAndCaches(t *testing.T) {
	root := setTestDirs(t)

	fetches := 0
	r := &Recipe{
		Name:    "unit-cache",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{fileWriteStep("lib/"+arch+"/libunit.so", "payload")}
		},
	}

	opts := DefaultBuildOptions()
	opts.FetchBackoff = time.Millisecond
	b, store := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) {
		fetches++
		return "", nil
	}

	tc := testToolchain()
	unit := BuildUnit{Recipe: r, Arch: "arm64-v8a"}

	st1, err := NewStagingTree(filepath.Join(root, "stage1"), "arm64-v8a")
	require.NoError(t, err)
	cached, err := b.RunUnit(context.Background(), unit, tc, st1)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, fetches)
	assert.FileExists(t, filepath.Join(st1.Root, "lib", "arm64-v8a", "libunit.so"))

	key := UnitCacheKey(r, "arm64-v8a", tc)
	entry, ok := store.Lookup(key)
	require.True(t, ok)
	assert.FileExists(t, entry.Tarball)

	// Second run with a warm cache: no fetch, no steps, identical tree.
	st2, err := NewStagingTree(filepath.Join(root, "stage2"), "arm64-v8a")
	require.NoError(t, err)
	cached, err = b.RunUnit(context.Background(), unit, tc, st2)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, fetches, "cache hit must not fetch")

	d1, err := st1.Digest()
	require.NoError(t, err)
	d2, err := st2.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "cached rebuild must produce a byte-identical tree")
}

func TestRunUnitForceBypassesCache(t *testing.T) {
	root := setTestDirs(t)

	builds := 0
	r := &Recipe{
		Name:    "unit-force",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{{
				Kind: StepCompile,
				Run: func(ctx context.Context, env *BuildEnv) error {
					builds++
					return os.WriteFile(filepath.Join(env.DestDir, "out"), []byte("x"), 0o644)
				},
			}}
		},
	}

	opts := DefaultBuildOptions()
	b, _ := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) { return "", nil }

	tc := testToolchain()
	unit := BuildUnit{Recipe: r, Arch: "arm64-v8a"}

	st, err := NewStagingTree(filepath.Join(root, "stage"), "arm64-v8a")
	require.NoError(t, err)
	_, err = b.RunUnit(context.Background(), unit, tc, st)
	require.NoError(t, err)
	require.Equal(t, 1, builds)

	b.Opts.Force = true
	cached, err := b.RunUnit(context.Background(), unit, tc, st)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 2, builds, "force must rebuild despite the cache entry")
}

func TestRunUnitFetchRetries(t *testing.T) {
	root := setTestDirs(t)

	attempts := 0
	r := &Recipe{
		Name:    "unit-retry",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{fileWriteStep("ok", "ok")}
		},
	}

	opts := DefaultBuildOptions()
	opts.FetchBackoff = time.Millisecond
	b, _ := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fmt.Errorf("connection reset")
		}
		return "", nil
	}

	st, err := NewStagingTree(filepath.Join(root, "stage"), "arm64-v8a")
	require.NoError(t, err)
	_, err = b.RunUnit(context.Background(), BuildUnit{Recipe: r, Arch: "arm64-v8a"}, testToolchain(), st)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunUnitFetchExhaustion(t *testing.T) {
	root := setTestDirs(t)

	attempts := 0
	r := &Recipe{
		Name:    "unit-dead",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{fileWriteStep("never", "never")}
		},
	}

	opts := DefaultBuildOptions()
	opts.FetchBackoff = time.Millisecond
	b, store := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) {
		attempts++
		return "", fmt.Errorf("404 not found")
	}

	st, err := NewStagingTree(filepath.Join(root, "stage"), "arm64-v8a")
	require.NoError(t, err)
	_, err = b.RunUnit(context.Background(), BuildUnit{Recipe: r, Arch: "arm64-v8a"}, testToolchain(), st)
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "fetch is retried a bounded number of times")

	var bse *BuildStepError
	require.True(t, errors.As(err, &bse))
	assert.Equal(t, StepFetch, bse.Step)

	// A failed unit leaves no cache entry behind.
	_, ok := store.Lookup(UnitCacheKey(r, "arm64-v8a", testToolchain()))
	assert.False(t, ok)
}

func TestRunUnitCompileFailureNotRetried(t *testing.T) {
	root := setTestDirs(t)

	compiles := 0
	r := &Recipe{
		Name:    "unit-broken",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{{
				Kind: StepCompile,
				Run: func(ctx context.Context, env *BuildEnv) error {
					compiles++
					return fmt.Errorf("undefined reference to frob")
				},
			}}
		},
	}

	opts := DefaultBuildOptions()
	b, store := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) { return "", nil }

	st, err := NewStagingTree(filepath.Join(root, "stage"), "arm64-v8a")
	require.NoError(t, err)
	_, err = b.RunUnit(context.Background(), BuildUnit{Recipe: r, Arch: "arm64-v8a"}, testToolchain(), st)
	require.Error(t, err)
	assert.Equal(t, 1, compiles, "compile failures are never retried")

	var bse *BuildStepError
	require.True(t, errors.As(err, &bse))
	assert.Equal(t, "unit-broken", bse.Recipe)
	assert.Equal(t, "arm64-v8a", bse.Arch)
	assert.Equal(t, StepCompile, bse.Step)

	_, ok := store.Lookup(UnitCacheKey(r, "arm64-v8a", testToolchain()))
	assert.False(t, ok)
}

func TestRunUnitCancelledNeverRecorded(t *testing.T) {
	root := setTestDirs(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recipe{
		Name:    "unit-cancel",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{{
				Kind: StepCompile,
				Run: func(ctx context.Context, env *BuildEnv) error {
					cancel()
					return os.WriteFile(filepath.Join(env.DestDir, "out"), []byte("x"), 0o644)
				},
			}}
		},
	}

	opts := DefaultBuildOptions()
	b, store := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) { return "", nil }

	st, err := NewStagingTree(filepath.Join(root, "stage"), "arm64-v8a")
	require.NoError(t, err)
	_, err = b.RunUnit(ctx, BuildUnit{Recipe: r, Arch: "arm64-v8a"}, testToolchain(), st)
	require.Error(t, err)

	_, ok := store.Lookup(UnitCacheKey(r, "arm64-v8a", testToolchain()))
	assert.False(t, ok, "a cancelled unit must never be recorded as cached")
}

func TestFetchTimeoutEnforced(t *testing.T) {
	root := setTestDirs(t)

	opts := DefaultBuildOptions()
	opts.FetchAttempts = 1
	opts.FetchTimeout = 20 * time.Millisecond
	b, _ := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "", nil
	}

	start := time.Now()
	_, err := b.fetchWithRetry(context.Background(), &Recipe{Name: "stall", Version: "1.0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond,
		"a stalled fetch must fail at the deadline, not run to completion")
}

func TestFetchTimeoutAttemptRetried(t *testing.T) {
	root := setTestDirs(t)

	opts := DefaultBuildOptions()
	opts.FetchAttempts = 2
	opts.FetchBackoff = time.Millisecond
	opts.FetchTimeout = 20 * time.Millisecond
	b, _ := newTestBuilder(t, root, opts)

	var attempts atomic.Int32
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) {
		if attempts.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		return "", nil
	}

	_, err := b.fetchWithRetry(context.Background(), &Recipe{Name: "flaky", Version: "1.0"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempts.Load(), "a timed-out attempt goes back through the retry loop")
}

func TestCriticalSectionCounts(t *testing.T) {
	require.Zero(t, isCriticalAtomic.Load())

	err := criticalSection(func() error {
		assert.EqualValues(t, 1, isCriticalAtomic.Load())
		return criticalSection(func() error {
			assert.EqualValues(t, 2, isCriticalAtomic.Load(), "sections nest across concurrent units")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Zero(t, isCriticalAtomic.Load())

	wantErr := fmt.Errorf("tarball write failed")
	err = criticalSection(func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Zero(t, isCriticalAtomic.Load(), "the counter must drop on the error path")
}

func TestRunUnitClearsCriticalFlag(t *testing.T) {
	root := setTestDirs(t)

	r := &Recipe{
		Name:    "unit-critical",
		Version: "1.0",
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			return []BuildStep{fileWriteStep("out", "x")}
		},
	}

	b, _ := newTestBuilder(t, root, DefaultBuildOptions())
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) { return "", nil }

	st, err := NewStagingTree(filepath.Join(root, "stage"), "arm64-v8a")
	require.NoError(t, err)
	_, err = b.RunUnit(context.Background(), BuildUnit{Recipe: r, Arch: "arm64-v8a"}, testToolchain(), st)
	require.NoError(t, err)
	assert.Zero(t, isCriticalAtomic.Load(),
		"a completed record section must release the interrupt guard")
}

func TestRunAllUsesJobsOption(t *testing.T) {
	root := setTestDirs(t)

	var mu sync.Mutex
	running, peak := 0, 0
	step := BuildStep{
		Kind: StepCompile,
		Run: func(ctx context.Context, env *BuildEnv) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return os.WriteFile(filepath.Join(env.DestDir, "out"), []byte("x"), 0o644)
		},
	}
	for _, name := range []string{"pool-a", "pool-b"} {
		RegisterRecipe(&Recipe{
			Name:    name,
			Version: "1.0",
			BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
				return []BuildStep{step}
			},
		})
	}

	archs := []string{"arm64-v8a", "x86_64"}
	plan, err := Resolve([]string{"pool-a", "pool-b"}, archs)
	require.NoError(t, err)

	opts := DefaultBuildOptions()
	opts.Jobs = 1
	b, _ := newTestBuilder(t, root, opts)
	b.fetchSource = func(r *Recipe, quiet bool) (string, error) { return "", nil }

	trees := make(map[string]*StagingTree)
	for _, a := range archs {
		st, err := NewStagingTree(filepath.Join(root, "stage"), a)
		require.NoError(t, err)
		trees[a] = st
	}

	outcomes := b.RunAll(context.Background(), plan, testToolchain(), trees)
	require.Len(t, outcomes, 2)
	for _, oc := range outcomes {
		assert.True(t, oc.Staged, "arch %s", oc.Arch)
	}
	assert.Equal(t, 1, peak, "the pool must honor the builder's job count")
}

func TestCrossEnv(t *testing.T) {
	tc := testToolchain()
	env := crossEnv("arm64-v8a", tc, "/tmp/dest")

	assert.Equal(t, tc.Clang("arm64-v8a"), env["CC"])
	assert.Equal(t, "aarch64-linux-android", env["TARGET"])
	assert.Equal(t, "/tmp/dest", env["DESTDIR"])
	assert.Contains(t, env["CFLAGS"], "--sysroot=")
	assert.Equal(t, "31", env["ANDROID_API"])
}
