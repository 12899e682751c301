package toki

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// ParallelManager schedules build units over a worker pool. Units become
// eligible when every dependency of their recipe has completed for the same
// architecture; architectures proceed independently, so one arch failing
// never stalls its siblings.
type ParallelManager struct {
	MaxJobs int
	Plan    *BuildPlan
	Context context.Context

	// UnitRunner is injected for testing; the default wraps Builder.RunUnit.
	UnitRunner func(ctx context.Context, unit BuildUnit) (cached bool, err error)

	// State
	mu        sync.Mutex
	Pending   []BuildUnit
	Running   map[string]time.Time // unit key -> start time
	Completed map[string]bool
	Failed    map[string]error
	Blocked   map[string]string // unit key -> reason

	resultChan chan unitResult
}

type unitResult struct {
	unit     BuildUnit
	cached   bool
	err      error
	duration time.Duration
}

func unitKey(u BuildUnit) string {
	return u.Recipe.Name + "/" + u.Arch
}

// ArchOutcome aggregates one architecture's result.
type ArchOutcome struct {
	Arch   string
	Staged bool
	Err    error
}

// RunParallelUnits executes the plan's units. It returns the per-arch
// outcomes; an arch is staged only when every one of its units completed.
func RunParallelUnits(ctx context.Context, plan *BuildPlan, maxJobs int, runner func(context.Context, BuildUnit) (bool, error)) []ArchOutcome {
	if maxJobs < 1 {
		maxJobs = 1
	}

	pm := &ParallelManager{
		MaxJobs:    maxJobs,
		Plan:       plan,
		Context:    ctx,
		UnitRunner: runner,
		Pending:    append([]BuildUnit{}, plan.Units...),
		Running:    make(map[string]time.Time),
		Completed:  make(map[string]bool),
		Failed:     make(map[string]error),
		Blocked:    make(map[string]string),
		resultChan: make(chan unitResult, maxJobs),
	}

	uiDone := make(chan struct{})
	if term.IsTerminal(int(os.Stdout.Fd())) {
		go pm.uiLoop(uiDone)
		defer func() {
			close(uiDone)
			fmt.Print("\r\033[K")
		}()
	} else {
		defer close(uiDone)
	}

	pm.run()
	return pm.outcomes()
}

func (pm *ParallelManager) run() {
	for {
		pm.mu.Lock()
		if len(pm.Pending) == 0 && len(pm.Running) == 0 {
			pm.mu.Unlock()
			return
		}

		// Start every eligible unit up to the job limit. Units whose deps
		// failed on their arch are blocked immediately.
		var nextPending []BuildUnit
		for _, unit := range pm.Pending {
			if pm.Context.Err() != nil {
				pm.Blocked[unitKey(unit)] = "build cancelled"
				continue
			}
			if reason, blocked := pm.blockedBy(unit); blocked {
				pm.Blocked[unitKey(unit)] = reason
				continue
			}
			if len(pm.Running) >= pm.MaxJobs || !pm.canBuild(unit) {
				nextPending = append(nextPending, unit)
				continue
			}
			pm.startUnit(unit)
		}
		pm.Pending = nextPending
		running := len(pm.Running)
		pending := len(pm.Pending)
		pm.mu.Unlock()

		if running == 0 {
			if pending == 0 {
				return
			}
			// Nothing running and nothing startable: the remaining pending
			// units wait on deps that can no longer complete.
			pm.mu.Lock()
			for _, unit := range pm.Pending {
				pm.Blocked[unitKey(unit)] = "dependency not satisfied"
			}
			pm.Pending = nil
			pm.mu.Unlock()
			return
		}

		res := <-pm.resultChan
		pm.mu.Lock()
		key := unitKey(res.unit)
		delete(pm.Running, key)
		if res.err != nil {
			pm.Failed[key] = res.err
		} else {
			pm.Completed[key] = true
		}
		pm.mu.Unlock()
	}
}

// canBuild reports whether every dependency of the unit's recipe has
// completed for the unit's arch. Caller holds pm.mu.
func (pm *ParallelManager) canBuild(unit BuildUnit) bool {
	for _, dep := range unit.Recipe.Dependencies() {
		if !pm.Completed[dep+"/"+unit.Arch] {
			return false
		}
	}
	return true
}

// blockedBy reports a dependency of the unit that failed on its arch.
// Caller holds pm.mu.
func (pm *ParallelManager) blockedBy(unit BuildUnit) (string, bool) {
	for _, dep := range unit.Recipe.Dependencies() {
		if err, failed := pm.Failed[dep+"/"+unit.Arch]; failed {
			return fmt.Sprintf("dependency failed: %s (%v)", dep, err), true
		}
		if _, blocked := pm.Blocked[dep+"/"+unit.Arch]; blocked {
			return fmt.Sprintf("dependency blocked: %s", dep), true
		}
	}
	return "", false
}

// startUnit launches one unit's goroutine. Caller holds pm.mu.
func (pm *ParallelManager) startUnit(unit BuildUnit) {
	key := unitKey(unit)
	pm.Running[key] = time.Now()

	go func() {
		start := time.Now()
		cached, err := pm.UnitRunner(pm.Context, unit)
		pm.resultChan <- unitResult{
			unit:     unit,
			cached:   cached,
			err:      err,
			duration: time.Since(start),
		}
	}()
}

// outcomes folds unit results into per-arch outcomes. A cancelled run
// surfaces one aggregated cancellation error per arch instead of partial
// successes.
func (pm *ParallelManager) outcomes() []ArchOutcome {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	cancelled := pm.Context.Err() != nil
	out := make([]ArchOutcome, 0, len(pm.Plan.Archs))
	for _, arch := range pm.Plan.Archs {
		oc := ArchOutcome{Arch: arch, Staged: true}
		if cancelled {
			oc.Staged = false
			oc.Err = fmt.Errorf("build cancelled: %w", pm.Context.Err())
			out = append(out, oc)
			continue
		}
		for _, name := range pm.Plan.Order {
			key := name + "/" + arch
			if err, ok := pm.Failed[key]; ok {
				oc.Staged = false
				if oc.Err == nil {
					oc.Err = err
				}
			} else if reason, ok := pm.Blocked[key]; ok {
				oc.Staged = false
				if oc.Err == nil {
					oc.Err = fmt.Errorf("%s: %s", name, reason)
				}
			}
		}
		out = append(out, oc)
	}
	return out
}

func (pm *ParallelManager) uiLoop(done chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	lastStatus := ""
	ticks := 0

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Force redraw every 2 seconds to recover from log clobbering
			ticks++
			if ticks%20 == 0 {
				lastStatus = ""
			}

			newStatus := pm.getStatusString()
			if newStatus != lastStatus {
				fmt.Print("\r\033[K" + newStatus)
				lastStatus = newStatus
			}
		}
	}
}

func (pm *ParallelManager) getStatusString() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var building []string
	for k := range pm.Running {
		building = append(building, k)
	}
	sort.Strings(building)

	prefix := colArrow.Sprint("->")

	listStr := strings.Join(building, ", ")
	if len(listStr) > 60 {
		listStr = listStr[:57] + "..."
	}

	return fmt.Sprintf("%s %s %s | %s",
		prefix,
		colSuccess.Sprintf("Building [%d]:", len(building)),
		colNote.Sprint(listStr),
		colSuccess.Sprintf("Done: %d Left: %d", len(pm.Completed), len(pm.Pending)))
}
