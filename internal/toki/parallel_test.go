package toki

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunParallelUnitsAllSucceed(t *testing.T) {
	noopRecipe("par-base")
	noopRecipe("par-app", "par-base")

	plan, err := Resolve([]string{"par-app"}, []string{"arm64-v8a", "x86_64"})
	require.NoError(t, err)

	var mu sync.Mutex
	ran := make(map[string]bool)
	outcomes := RunParallelUnits(context.Background(), plan, 4,
		func(ctx context.Context, u BuildUnit) (bool, error) {
			mu.Lock()
			ran[unitKey(u)] = true
			mu.Unlock()
			return false, nil
		})

	require.Len(t, outcomes, 2)
	for _, oc := range outcomes {
		assert.True(t, oc.Staged, "arch %s", oc.Arch)
		assert.NoError(t, oc.Err)
	}
	assert.Len(t, ran, 4)
}

func TestRunParallelUnitsDependencyOrder(t *testing.T) {
	noopRecipe("ord-base")
	noopRecipe("ord-app", "ord-base")

	plan, err := Resolve([]string{"ord-app"}, []string{"arm64-v8a"})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	RunParallelUnits(context.Background(), plan, 4,
		func(ctx context.Context, u BuildUnit) (bool, error) {
			mu.Lock()
			order = append(order, u.Recipe.Name)
			mu.Unlock()
			return false, nil
		})

	require.Equal(t, []string{"ord-base", "ord-app"}, order,
		"a unit must not start before its dependency completed")
}

func TestRunParallelUnitsPerArchIsolation(t *testing.T) {
	noopRecipe("iso-base")
	noopRecipe("iso-app", "iso-base")

	plan, err := Resolve([]string{"iso-app"}, []string{"arm64-v8a", "x86_64"})
	require.NoError(t, err)

	// iso-base breaks on x86_64 only.
	outcomes := RunParallelUnits(context.Background(), plan, 4,
		func(ctx context.Context, u BuildUnit) (bool, error) {
			if u.Recipe.Name == "iso-base" && u.Arch == "x86_64" {
				return false, &BuildStepError{Recipe: u.Recipe.Name, Arch: u.Arch,
					Step: StepCompile, Err: fmt.Errorf("simd misuse")}
			}
			return false, nil
		})

	require.Len(t, outcomes, 2)
	byArch := map[string]ArchOutcome{}
	for _, oc := range outcomes {
		byArch[oc.Arch] = oc
	}

	assert.True(t, byArch["arm64-v8a"].Staged, "healthy arch must not be dragged down")
	assert.NoError(t, byArch["arm64-v8a"].Err)

	assert.False(t, byArch["x86_64"].Staged)
	require.Error(t, byArch["x86_64"].Err)
	assert.Contains(t, byArch["x86_64"].Err.Error(), "iso-base")
}

func TestRunParallelUnitsBlocksDependents(t *testing.T) {
	noopRecipe("blk-base")
	noopRecipe("blk-mid", "blk-base")
	noopRecipe("blk-top", "blk-mid")

	plan, err := Resolve([]string{"blk-top"}, []string{"arm64-v8a"})
	require.NoError(t, err)

	var mu sync.Mutex
	ran := make(map[string]bool)
	outcomes := RunParallelUnits(context.Background(), plan, 4,
		func(ctx context.Context, u BuildUnit) (bool, error) {
			mu.Lock()
			ran[u.Recipe.Name] = true
			mu.Unlock()
			if u.Recipe.Name == "blk-base" {
				return false, fmt.Errorf("boom")
			}
			return false, nil
		})

	// Only the failing unit actually ran; its dependents were blocked.
	assert.True(t, ran["blk-base"])
	assert.False(t, ran["blk-mid"])
	assert.False(t, ran["blk-top"])

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Staged)
	require.Error(t, outcomes[0].Err)
}

func TestRunParallelUnitsCancelled(t *testing.T) {
	noopRecipe("cnl-base")
	noopRecipe("cnl-app", "cnl-base")

	plan, err := Resolve([]string{"cnl-app"}, []string{"arm64-v8a", "x86_64"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	outcomes := RunParallelUnits(ctx, plan, 1,
		func(ctx context.Context, u BuildUnit) (bool, error) {
			cancel()
			return false, ctx.Err()
		})

	require.Len(t, outcomes, 2)
	for _, oc := range outcomes {
		assert.False(t, oc.Staged)
		require.Error(t, oc.Err)
		assert.ErrorIs(t, oc.Err, context.Canceled)
	}
}

func TestRunParallelUnitsRespectsJobLimit(t *testing.T) {
	for i := 0; i < 6; i++ {
		noopRecipe(fmt.Sprintf("lim-%d", i))
	}
	reqs := make([]string, 6)
	for i := range reqs {
		reqs[i] = fmt.Sprintf("lim-%d", i)
	}
	plan, err := Resolve(reqs, []string{"arm64-v8a"})
	require.NoError(t, err)

	var mu sync.Mutex
	running, peak := 0, 0
	RunParallelUnits(context.Background(), plan, 2,
		func(ctx context.Context, u BuildUnit) (bool, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				running--
				mu.Unlock()
			}()
			return false, nil
		})

	assert.LessOrEqual(t, peak, 2)
}
