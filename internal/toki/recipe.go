package toki

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Source describes where a recipe's upstream tarball comes from. Checksum is
// the BLAKE3 hex digest of the archive; empty means verify-on-first-fetch
// (the computed digest is recorded next to the cached download).
type Source struct {
	URL      string
	Checksum string
}

// Patch is applied to an unpacked source tree before configure. Patches are
// applied in the order listed by the recipe; the resolver never reorders them.
type Patch struct {
	Name    string
	Content string
}

// BuildEnv is handed to every step of a build unit. All paths are absolute
// and private to the unit except StageDir, which is the per-architecture
// staging tree shared by the whole plan.
type BuildEnv struct {
	SrcDir      string
	DestDir     string
	StageDir    string
	Arch        string
	Toolchain   *ToolchainDescriptor
	Exec        *Executor
	Env         map[string]string
	Log         io.Writer
	StepTimeout time.Duration
	LogWrite    func(format string, a ...any)
}

// BuildStep is one phase of a unit. Kind drives the retry policy: fetch
// steps retry with backoff, everything else fails the unit on first error.
type BuildStep struct {
	Kind Step
	Run  func(ctx context.Context, env *BuildEnv) error
}

// Recipe describes how to obtain and build one dependency. Steps vary per
// architecture through the BuildSteps hook; pure-Python recipes return the
// same steps for every arch.
type Recipe struct {
	Name      string
	Version   string
	DependsOn []string
	Source    Source
	Patches   []Patch

	// BuildSteps composes the configure/compile/install steps for one
	// (arch, toolchain) pair. Fetch and patch steps are owned by the
	// executor; recipes only contribute what happens after unpack.
	BuildSteps func(arch string, tc *ToolchainDescriptor) []BuildStep
}

// Dependencies returns a copy of the recipe's direct dependencies.
func (r *Recipe) Dependencies() []string {
	deps := make([]string, len(r.DependsOn))
	copy(deps, r.DependsOn)
	return deps
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Recipe)
)

// RegisterRecipe adds a recipe to the registry. Registration is additive;
// re-registering a name replaces the previous entry (used by tests).
func RegisterRecipe(r *Recipe) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[r.Name] = r
}

// LookupRecipe finds a registered recipe by name.
func LookupRecipe(name string) (*Recipe, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[name]
	if !ok {
		return nil, &UnresolvedDependencyError{Name: name}
	}
	return r, nil
}

// AllRecipes returns every registered recipe sorted by name. The slice is
// fresh on every call.
func AllRecipes() []*Recipe {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*Recipe, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// recipeID is the identity used in cache keys and artifact names.
func recipeID(r *Recipe) string {
	return fmt.Sprintf("%s-%s", r.Name, r.Version)
}
