package toki

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/ulikunitz/xz"
)

// Exit codes, distinct per failure class so scripts can branch on them.
const (
	exitOK         = 0
	exitGeneral    = 1
	exitValidation = 2
	exitResolution = 3
	exitToolchain  = 4
	exitBuild      = 5
	exitPackaging  = 6
)

// defaultNDK is used when the manifest does not pin android.ndk.
const defaultNDK = "25b"

// exitCodeFor maps an error to its exit code via the error taxonomy.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ve *ValidationError
	var ce *CycleError
	var ue *UnresolvedDependencyError
	var te *ToolchainFetchError
	var be *BuildStepError
	var pe *PackagingError
	switch {
	case errors.As(err, &ve):
		return exitValidation
	case errors.As(err, &ce), errors.As(err, &ue):
		return exitResolution
	case errors.As(err, &te):
		return exitToolchain
	case errors.As(err, &pe):
		return exitPackaging
	case errors.As(err, &be):
		return exitBuild
	}
	return exitGeneral
}

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: toki <command> [arguments]")
	colSuccess.Println("Run 'toki <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "[-j N] [-arch a,b] [-force] [-universal] [spec]", "Build APKs from a buildozer.spec manifest"},
		{"clean", "[options]", "Cleanup caches"},
		{"update-toolchain", "[spec]", "Re-download and reinstall the toolchain"},
		{"recipes", "", "List registered recipes and their dependencies"},
		{"log", "<recipe> [arch]", "View a recipe's build log"},
		{"upload", "", "Upload built artifacts to the mirror and update index"},
		{"version, --version", "", "Version information"},
	}

	// --- Dynamic Padding Logic ---
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++ // Account for the space
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))

		color.Info.Println(c.Desc)
	}

	fmt.Println()
}

// Main is the CLI entrypoint for cmd/toki. It returns the process exit code.
func Main() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() > 0 {
					// --- CRITICAL PHASE: Block 1st signal, force exit on 2nd ---
					colArrow.Print("\n-> ")
					colError.Printf("Cache write in progress. Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					// --- NON-CRITICAL PHASE: Graceful Cancellation ---
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling build gracefully\n", sig)
					cancel()

					// Give in-flight commands a moment to die and flush
					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(130)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return exitGeneral
	}

	if len(os.Args) < 2 {
		printHelp()
		return exitOK
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not read %s: %v\n", ConfigFile, err)
	}
	initConfig(cfg)

	UserExec = NewExecutor(ctx)

	switch os.Args[1] {
	case "build", "b":
		return handleBuildCommand(ctx, cfg, os.Args[2:])

	case "clean":
		store, err := OpenStateStore(ArtifactDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitGeneral
		}
		if err := handleCleanCommand(os.Args[2:], store); err != nil {
			fmt.Fprintf(os.Stderr, "Clean failed: %v\n", err)
			return exitGeneral
		}

	case "update-toolchain":
		return handleUpdateToolchainCommand(ctx, os.Args[2:])

	case "recipes":
		for _, r := range AllRecipes() {
			fmt.Print("  ")
			color.Bold.Print(r.Name)
			color.Cyan.Printf(" %s", r.Version)
			if deps := r.Dependencies(); len(deps) > 0 {
				colInfo.Printf("  (depends: %s)", strings.Join(deps, ", "))
			}
			fmt.Println()
		}

	case "log":
		if len(os.Args) < 3 {
			fmt.Println("Usage: toki log <recipe> [arch]")
			return exitGeneral
		}
		arch := ""
		if len(os.Args) >= 4 {
			arch = os.Args[3]
		}
		if err := handleLogCommand(os.Args[2], arch); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitGeneral
		}

	case "upload":
		store, err := OpenStateStore(ArtifactDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitGeneral
		}
		mc, err := NewMirrorClient(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
			return exitGeneral
		}
		if err := mc.PushArtifacts(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
			return exitGeneral
		}

	case "version", "--version":
		colSuccess.Printf("toki %s (%s, built %s)\n", version, hostArch, buildDate)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printHelp()
		return exitGeneral
	}

	return exitOK
}

// handleBuildCommand drives the whole pipeline: manifest, resolution,
// toolchain, parallel units, packaging.
func handleBuildCommand(ctx context.Context, cfg *Config, args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	jobs := fs.Int("j", runtime.NumCPU(), "parallel build units")
	archFlag := fs.String("arch", "", "comma-separated arch list overriding the manifest")
	force := fs.Bool("force", false, "rebuild even when the artifact cache has an entry")
	quiet := fs.Bool("q", false, "suppress per-download progress output")
	universal := fs.Bool("universal", false, "also bundle all built architectures into one apk")
	fs.Parse(args)

	specPath := "buildozer.spec"
	if fs.NArg() > 0 {
		specPath = fs.Arg(0)
	}

	m, err := LoadManifest(specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	for _, w := range m.Warnings {
		cPrintf(colWarn, "Warning: %s\n", w)
	}
	if m.LogLevel >= 2 {
		Debug = true
	}

	archs := m.Archs
	if *archFlag != "" {
		archs = splitList(*archFlag)
		for _, a := range archs {
			if !knownArchs[a] {
				err := &ValidationError{Path: specPath, Key: "arch", Msg: fmt.Sprintf("unknown architecture %q", a)}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return exitValidation
			}
		}
	}

	reqs := normalizeRequirements(m.Requirements)
	plan, err := Resolve(reqs, archs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	cPrintf(colArrow, "Resolved %d recipes for %s\n", len(plan.Order), strings.Join(archs, ", "))
	debugf("Build order: %s\n", strings.Join(plan.Order, " "))

	ndk := m.NDK
	if ndk == "" {
		ndk = defaultNDK
	}
	tm := NewToolchainManager(ToolchainDir)
	if _, err := os.Stat(filepath.Join(tm.Root, toolchainKey("android", m.API, ndk), ".complete")); err != nil {
		if !m.AcceptLicense {
			if !askForConfirmation(colNote, "Downloading the Android NDK requires accepting its license terms. Accept?") {
				fmt.Fprintln(os.Stderr, "Error: license not accepted; set android.accept_sdk_license = True to skip this prompt")
				return exitToolchain
			}
		}
	}
	tc, err := tm.Acquire(ctx, "android", m.API, ndk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	cPrintf(colArrow, "Toolchain ready: android API %d NDK %s\n", m.API, ndk)

	store, err := OpenStateStore(ArtifactDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitGeneral
	}

	prefetchSources(plan.Recipes())

	// A configured mirror serves prebuilt artifacts for keys the local
	// cache misses, which skips those builds entirely.
	if mc, err := NewMirrorClient(cfg); err == nil {
		for _, u := range plan.Units {
			key := UnitCacheKey(u.Recipe, u.Arch, tc)
			if _, ok := store.Lookup(key); ok {
				continue
			}
			if _, err := mc.FetchArtifact(ctx, store, key); err == nil {
				cPrintf(colArrow, "Fetched %s [%s] from mirror\n", u.Recipe.Name, u.Arch)
			}
		}
	}

	workRoot := filepath.Join(tmpDir, "toki-work")
	trees := make(map[string]*StagingTree, len(archs))
	for _, a := range plan.Archs {
		st, err := NewStagingTree(workRoot, a)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitGeneral
		}
		trees[a] = st
	}

	opts := DefaultBuildOptions()
	opts.Force = *force
	opts.Jobs = *jobs
	opts.Quiet = *quiet
	builder := NewBuilder(store, workRoot, UserExec, opts)

	outcomes := builder.RunAll(ctx, plan, tc, trees)

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Build cancelled")
		return 130
	}

	var staged []*StagingTree
	failCode := exitOK
	for _, oc := range outcomes {
		if oc.Staged {
			cPrintf(colSuccess, "[%s] all units built\n", oc.Arch)
			staged = append(staged, trees[oc.Arch])
			continue
		}
		cPrintf(colError, "[%s] failed: %v\n", oc.Arch, oc.Err)
		if c := exitCodeFor(oc.Err); failCode == exitOK || c < failCode {
			failCode = c
		}
	}

	if len(staged) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no architecture built successfully")
		if failCode == exitOK {
			failCode = exitBuild
		}
		return failCode
	}

	projectDir := filepath.Dir(specPath)
	pkgr := NewPackager(filepath.Join(projectDir, BinDir), UserExec)
	apks, err := pkgr.PackageAPK(m, staged)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	if *universal && len(staged) > 1 {
		apk, err := pkgr.PackageUniversalAPK(m, staged)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitCodeFor(err)
		}
		apks = append(apks, apk)
	}
	for _, apk := range apks {
		cPrintf(colSuccess, "Built %s\n", apk)
	}

	// Some architectures failed even though others packaged.
	return failCode
}

// handleUpdateToolchainCommand discards a cached toolchain install and
// re-acquires it from scratch.
func handleUpdateToolchainCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("update-toolchain", flag.ExitOnError)
	fs.Parse(args)

	api := 31
	ndk := defaultNDK
	if fs.NArg() > 0 {
		m, err := LoadManifest(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitCodeFor(err)
		}
		api = m.API
		if m.NDK != "" {
			ndk = m.NDK
		}
	}

	key := toolchainKey("android", api, ndk)
	installDir := filepath.Join(ToolchainDir, key)
	if err := os.RemoveAll(installDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitGeneral
	}

	tm := NewToolchainManager(ToolchainDir)
	tc, err := tm.Acquire(ctx, "android", api, ndk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	cPrintf(colSuccess, "Toolchain %s reinstalled (fingerprint %s)\n", key, tc.Fingerprint[:12])
	return exitOK
}

// handleLogCommand decompresses a recipe's build log and pipes it through a
// pager, falling back to stdout.
func handleLogCommand(recipe, arch string) error {
	pattern := fmt.Sprintf("%s-*.log.xz", recipe)
	if arch != "" {
		pattern = fmt.Sprintf("%s-%s.log.xz", recipe, arch)
	}
	matches, err := filepath.Glob(filepath.Join(LogDir, pattern))
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("no build log found for %s", recipe)
	}
	sort.Strings(matches)

	for _, logPath := range matches {
		f, err := os.Open(logPath)
		if err != nil {
			return err
		}

		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("reading %s: %w", logPath, err)
		}

		pager := os.Getenv("PAGER")
		var pagerArgs []string
		if pager == "" || pager == "less" {
			pager = "less"
			pagerArgs = []string{"-r"}
		}

		cmd := exec.Command(pager, pagerArgs...)
		cmd.Stdin = xr
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// Fallback to plain stdout if pager fails
			f.Seek(0, 0)
			if xr, err2 := xz.NewReader(f); err2 == nil {
				io.Copy(os.Stdout, xr)
			}
		}
		f.Close()
	}
	return nil
}
