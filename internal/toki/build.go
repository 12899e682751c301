package toki

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// BuildOptions tunes one build invocation.
type BuildOptions struct {
	Force         bool          // bypass the artifact cache
	Jobs          int           // parallel build units
	FetchAttempts int           // bounded retries for network steps
	FetchBackoff  time.Duration // base backoff, doubled per attempt
	FetchTimeout  time.Duration // per fetch attempt
	StepTimeout   time.Duration // per configure/compile/install step
	Quiet         bool
	KeepLogs      bool
}

func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		FetchAttempts: 3,
		FetchBackoff:  2 * time.Second,
		FetchTimeout:  10 * time.Minute,
		StepTimeout:   60 * time.Minute,
		KeepLogs:      true,
	}
}

// Builder runs build units against one toolchain, recording completed
// artifacts in the state store.
type Builder struct {
	Store    *StateStore
	WorkRoot string
	Exec     *Executor
	Opts     BuildOptions

	// fetchSource is injectable so tests can serve archives locally.
	fetchSource func(r *Recipe, quiet bool) (string, error)
}

func NewBuilder(store *StateStore, workRoot string, execCtx *Executor, opts BuildOptions) *Builder {
	return &Builder{
		Store:       store,
		WorkRoot:    workRoot,
		Exec:        execCtx,
		Opts:        opts,
		fetchSource: fetchRecipeSource,
	}
}

// UnitCacheKey derives the cache key for a build unit. Any change to the
// recipe identity, target arch, toolchain or patch set produces a new key,
// which is what forces the rebuild.
func UnitCacheKey(r *Recipe, arch string, tc *ToolchainDescriptor) string {
	h := blake3.New(32, nil)
	fmt.Fprintf(h, "%s|%s|%s|%s", recipeID(r), arch, tc.Fingerprint, r.Source.Checksum)
	for _, p := range r.Patches {
		ph := blake3.New(32, nil)
		ph.Write([]byte(p.Content))
		fmt.Fprintf(h, "|%s:%x", p.Name, ph.Sum(nil))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// RunUnit executes one (recipe, arch) unit: cache hit unpacks the stored
// artifact into the staging tree with zero fetch/compile work; a miss runs
// the full fetch, patch, configure, compile, install pipeline and records
// the cache entry only after install succeeds.
func (b *Builder) RunUnit(ctx context.Context, unit BuildUnit, tc *ToolchainDescriptor, st *StagingTree) (cached bool, err error) {
	r := unit.Recipe
	key := UnitCacheKey(r, unit.Arch, tc)

	if !b.Opts.Force {
		if entry, ok := b.Store.Lookup(key); ok {
			debugf("Cache hit for %s [%s]\n", recipeID(r), unit.Arch)
			if err := unpackArtifactTarball(entry.Tarball, st.Root); err != nil {
				return false, &BuildStepError{Recipe: r.Name, Arch: unit.Arch, Step: StepInstall, Err: err}
			}
			return true, nil
		}
	}

	err = b.Store.WithKeyLock(key, func() error {
		// Another unit may have populated the key while we waited.
		if !b.Opts.Force {
			if entry, ok := b.Store.Lookup(key); ok {
				cached = true
				if err := unpackArtifactTarball(entry.Tarball, st.Root); err != nil {
					return &BuildStepError{Recipe: r.Name, Arch: unit.Arch, Step: StepInstall, Err: err}
				}
				return nil
			}
		}
		return b.buildAndRecord(ctx, unit, key, tc, st)
	})
	return cached, err
}

func (b *Builder) buildAndRecord(ctx context.Context, unit BuildUnit, key string, tc *ToolchainDescriptor, st *StagingTree) error {
	r := unit.Recipe

	unitDir := filepath.Join(b.WorkRoot, "build", fmt.Sprintf("%s-%s-%d", recipeID(r), unit.Arch, rand.Intn(1<<24)))
	srcDir := filepath.Join(unitDir, "src")
	destDir := filepath.Join(unitDir, "dest")
	for _, d := range []string{srcDir, destDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return &BuildStepError{Recipe: r.Name, Arch: unit.Arch, Step: StepFetch, Err: err}
		}
	}
	// Temporary unit dirs are cleaned on every exit path; only the recorded
	// artifact tarball survives.
	defer os.RemoveAll(unitDir)

	logPath := filepath.Join(unitDir, "build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return &BuildStepError{Recipe: r.Name, Arch: unit.Arch, Step: StepFetch, Err: err}
	}
	defer logFile.Close()
	logf := func(format string, a ...any) { fmt.Fprintf(logFile, format, a...) }

	fail := func(step Step, tail string, err error) error {
		b.saveLog(r, unit.Arch, logFile, logPath)
		return &BuildStepError{Recipe: r.Name, Arch: unit.Arch, Step: step, Tail: tail, Err: err}
	}

	// --- fetch (retried with backoff) ---
	archive, err := b.fetchWithRetry(ctx, r)
	if err != nil {
		return fail(StepFetch, "", err)
	}

	if archive != "" {
		logf("extracting %s\n", archive)
		if err := extractTar(resolveSymlink(archive), srcDir); err != nil {
			return fail(StepFetch, "", err)
		}
	}

	env := &BuildEnv{
		SrcDir:      srcDir,
		DestDir:     destDir,
		StageDir:    st.Root,
		Arch:        unit.Arch,
		Toolchain:   tc,
		Exec:        b.Exec,
		Env:         crossEnv(unit.Arch, tc, destDir),
		Log:         logFile,
		StepTimeout: b.Opts.StepTimeout,
		LogWrite:    logf,
	}

	// --- patches, in recipe-declared order ---
	for _, p := range r.Patches {
		logf("applying patch %s\n", p.Name)
		patchPath := filepath.Join(unitDir, p.Name)
		if err := os.WriteFile(patchPath, []byte(p.Content), 0o644); err != nil {
			return fail(StepPatch, "", err)
		}
		tail, err := b.Exec.RunLogged(srcDir, envSlice(env.Env), logFile, b.Opts.StepTimeout,
			fmt.Sprintf("patch -p1 < %q", patchPath))
		if err != nil {
			return fail(StepPatch, tailLines(tail, 40), err)
		}
	}

	// --- configure / compile / install, never retried ---
	for _, step := range r.BuildSteps(unit.Arch, tc) {
		if err := ctx.Err(); err != nil {
			return fail(step.Kind, "", err)
		}
		logf("== %s %s [%s]\n", step.Kind, recipeID(r), unit.Arch)
		if err := step.Run(ctx, env); err != nil {
			if bse, ok := err.(*BuildStepError); ok {
				bse.Recipe, bse.Arch = r.Name, unit.Arch
				b.saveLog(r, unit.Arch, logFile, logPath)
				return bse
			}
			return fail(step.Kind, "", err)
		}
	}

	// A cancelled unit must never be recorded as cached.
	if err := ctx.Err(); err != nil {
		return fail(StepInstall, "", err)
	}

	// --- pack artifact and record the entry ---
	// Held critical so a first interrupt waits for the tarball and index
	// write to land instead of tearing them.
	tarballPath := filepath.Join(ArtifactDir, key+".tar.zst")
	if err := criticalSection(func() error {
		if err := createArtifactTarball(tarballPath, destDir); err != nil {
			return err
		}
		entry := CacheEntry{
			Recipe:      r.Name,
			Version:     r.Version,
			Arch:        unit.Arch,
			Fingerprint: tc.Fingerprint,
			Tarball:     tarballPath,
			BuiltAt:     time.Now().UTC(),
		}
		if err := b.Store.Record(key, entry); err != nil {
			_ = os.Remove(tarballPath)
			return err
		}
		return nil
	}); err != nil {
		return fail(StepInstall, "", err)
	}

	if err := st.MergeArtifact(destDir, unit.Arch, b.Exec); err != nil {
		return fail(StepInstall, "", err)
	}

	b.saveLog(r, unit.Arch, logFile, logPath)
	return nil
}

func (b *Builder) fetchWithRetry(ctx context.Context, r *Recipe) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= b.Opts.FetchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		archive, err := b.fetchOnce(ctx, r)
		if err == nil {
			return archive, nil
		}
		lastErr = err
		debugf("fetch %s attempt %d/%d failed: %v\n", r.Name, attempt, b.Opts.FetchAttempts, err)
		if attempt < b.Opts.FetchAttempts {
			backoff := b.Opts.FetchBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", lastErr
}

// fetchOnce runs a single fetch attempt under the configured timeout. An
// attempt that outlives the deadline fails like any other and goes back
// through the retry loop.
func (b *Builder) fetchOnce(ctx context.Context, r *Recipe) (string, error) {
	attemptCtx := ctx
	if b.Opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, b.Opts.FetchTimeout)
		defer cancel()
	}

	type fetchResult struct {
		archive string
		err     error
	}
	done := make(chan fetchResult, 1)
	go func() {
		archive, err := b.fetchSource(r, b.Opts.Quiet)
		done <- fetchResult{archive, err}
	}()

	select {
	case res := <-done:
		return res.archive, res.err
	case <-attemptCtx.Done():
		return "", attemptCtx.Err()
	}
}

// RunAll executes every unit of the plan through the worker pool, sized by
// the builder's Jobs option. trees maps each planned arch to its staging
// tree.
func (b *Builder) RunAll(ctx context.Context, plan *BuildPlan, tc *ToolchainDescriptor, trees map[string]*StagingTree) []ArchOutcome {
	return RunParallelUnits(ctx, plan, b.Opts.Jobs, func(ctx context.Context, unit BuildUnit) (bool, error) {
		return b.RunUnit(ctx, unit, tc, trees[unit.Arch])
	})
}

// saveLog compresses the unit's build log into LogDir before the temp dir
// is torn down.
func (b *Builder) saveLog(r *Recipe, arch string, logFile *os.File, logPath string) {
	if !b.Opts.KeepLogs {
		return
	}
	_ = logFile.Sync()
	dest := filepath.Join(LogDir, fmt.Sprintf("%s-%s.log.xz", r.Name, arch))
	if err := compressXZ(logPath, dest); err != nil {
		debugf("failed to save build log for %s: %v\n", r.Name, err)
	}
}

// crossEnv builds the environment for cross-compiling one arch.
func crossEnv(arch string, tc *ToolchainDescriptor, destDir string) map[string]string {
	triple := archTriples[arch]
	return map[string]string{
		"CC":          tc.Clang(arch),
		"CXX":         tc.ClangXX(arch),
		"AR":          tc.Tool("ar"),
		"STRIP":       tc.Tool("strip"),
		"RANLIB":      tc.Tool("ranlib"),
		"CFLAGS":      "--sysroot=" + tc.Sysroot,
		"LDFLAGS":     "--sysroot=" + tc.Sysroot,
		"DESTDIR":     destDir,
		"TARGET":      triple,
		"ANDROID_API": fmt.Sprintf("%d", tc.API),
		"PATH":        filepath.Join(tc.Root, "bin") + ":" + os.Getenv("PATH"),
	}
}

// envSlice flattens an env map onto the current environment, sorted for
// reproducible logs.
func envSlice(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func resolveSymlink(path string) string {
	if target, err := os.Readlink(path); err == nil {
		if filepath.IsAbs(target) {
			return target
		}
		return filepath.Join(filepath.Dir(path), target)
	}
	return path
}
