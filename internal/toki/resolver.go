package toki

import (
	"sort"
)

// BuildUnit is one (recipe, architecture) pair of the plan.
type BuildUnit struct {
	Recipe *Recipe
	Arch   string
}

// BuildPlan is the resolved, immutable build order. Units holds the
// per-architecture subplans concatenated in architecture declaration order;
// within one architecture every unit's dependencies appear strictly before it.
type BuildPlan struct {
	Archs []string
	Order []string // topological recipe order, identical for every arch
	Units []BuildUnit

	recipes map[string]*Recipe
}

// Recipes returns the resolved recipe set in topological order.
func (p *BuildPlan) Recipes() []*Recipe {
	out := make([]*Recipe, 0, len(p.Order))
	for _, name := range p.Order {
		out = append(out, p.recipes[name])
	}
	return out
}

// Resolve computes the build order for the given requirements and
// architectures. The order is deterministic: a topological sort over the
// transitive dependency closure with ties broken by recipe name ascending.
func Resolve(requirements []string, archs []string) (*BuildPlan, error) {
	recipes := make(map[string]*Recipe)

	// Transitive closure via depth-first traversal. Three-color marking:
	// absent = white, false = gray (on stack), true = black (done).
	state := make(map[string]bool)
	var stack []string

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		if done, seen := state[name]; seen {
			if done {
				return nil
			}
			// Back edge: name is on the current stack. Slice out the cycle.
			idx := 0
			for i, n := range stack {
				if n == name {
					idx = i
					break
				}
			}
			cycle := append(append([]string{}, stack[idx:]...), name)
			return &CycleError{Cycle: cycle}
		}

		r, err := LookupRecipe(name)
		if err != nil {
			if ue, ok := err.(*UnresolvedDependencyError); ok {
				ue.RequiredBy = requiredBy
			}
			return err
		}
		recipes[name] = r

		state[name] = false
		stack = append(stack, name)
		for _, dep := range r.Dependencies() {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = true
		return nil
	}

	for _, req := range requirements {
		if err := visit(req, ""); err != nil {
			return nil, err
		}
	}

	// Deterministic topological order over the closure: repeatedly emit the
	// lexicographically smallest recipe whose dependencies are all emitted.
	indeg := make(map[string]int, len(recipes))
	dependents := make(map[string][]string, len(recipes))
	for name, r := range recipes {
		for _, dep := range r.Dependencies() {
			indeg[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name := range recipes {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(recipes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	plan := &BuildPlan{
		Archs:   append([]string{}, archs...),
		Order:   order,
		recipes: recipes,
	}
	for _, arch := range plan.Archs {
		for _, name := range order {
			plan.Units = append(plan.Units, BuildUnit{Recipe: recipes[name], Arch: arch})
		}
	}
	return plan, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
