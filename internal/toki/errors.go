package toki

import (
	"fmt"
	"strings"
)

// Step names a phase of a build unit. Failures carry the step so callers
// can tell a transient fetch problem from a hard compile break.
type Step string

const (
	StepFetch     Step = "fetch"
	StepPatch     Step = "patch"
	StepConfigure Step = "configure"
	StepCompile   Step = "compile"
	StepInstall   Step = "install"
)

// ValidationError reports a manifest that could not be loaded or that
// violates the recognized-key constraints. Key is empty for file-level
// problems (unreadable, duplicate section).
type ValidationError struct {
	Path string
	Line int
	Key  string
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Key, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// UnresolvedDependencyError reports a requirement naming no registered recipe.
type UnresolvedDependencyError struct {
	Name       string
	RequiredBy string
}

func (e *UnresolvedDependencyError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("no recipe for %q (required by %s)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("no recipe for %q", e.Name)
}

// CycleError reports a dependency cycle. Cycle lists every recipe on the
// cycle in walk order, first element repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// ToolchainFetchError reports that a toolchain could not be acquired after
// retries were exhausted.
type ToolchainFetchError struct {
	Platform string
	API      int
	NDK      string
	Attempts int
	Err      error
}

func (e *ToolchainFetchError) Error() string {
	return fmt.Sprintf("toolchain %s-%d-%s: giving up after %d attempts: %v",
		e.Platform, e.API, e.NDK, e.Attempts, e.Err)
}

func (e *ToolchainFetchError) Unwrap() error { return e.Err }

// BuildStepError reports a failed step of a (recipe, arch) build unit. Tail
// holds the last lines of captured output for diagnostics.
type BuildStepError struct {
	Recipe string
	Arch   string
	Step   Step
	Tail   string
	Err    error
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("%s [%s] %s: %v", e.Recipe, e.Arch, e.Step, e.Err)
}

func (e *BuildStepError) Unwrap() error { return e.Err }

// PackagingError reports a failure assembling the final APK.
type PackagingError struct {
	Arch string
	Msg  string
	Err  error
}

func (e *PackagingError) Error() string {
	if e.Arch != "" {
		return fmt.Sprintf("packaging [%s]: %s", e.Arch, e.Msg)
	}
	return "packaging: " + e.Msg
}

func (e *PackagingError) Unwrap() error { return e.Err }

// tailLines keeps the last n lines of s for error reporting.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
