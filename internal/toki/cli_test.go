package toki

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, exitOK},
		{&ValidationError{Path: "buildozer.spec", Msg: "bad"}, exitValidation},
		{&CycleError{Cycle: []string{"a", "b", "a"}}, exitResolution},
		{&UnresolvedDependencyError{Name: "x"}, exitResolution},
		{&ToolchainFetchError{Platform: "android", API: 31, NDK: "25b", Attempts: 3}, exitToolchain},
		{&BuildStepError{Recipe: "r", Arch: "a", Step: StepCompile}, exitBuild},
		{&PackagingError{Msg: "no architecture successfully staged"}, exitPackaging},
		{fmt.Errorf("something else"), exitGeneral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, exitCodeFor(tc.err), "error %v", tc.err)
	}
}

func TestExitCodeForWrapped(t *testing.T) {
	// Wrapped taxonomy errors still map to their class.
	err := fmt.Errorf("context: %w", &ToolchainFetchError{Attempts: 3, Err: errors.New("down")})
	assert.Equal(t, exitToolchain, exitCodeFor(err))
}
