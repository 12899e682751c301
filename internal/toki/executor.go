package toki

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing external commands
// (compilers, packagers, download tools) with context-based cancellation.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to this specific command
	Interactive       bool            // Interactive indicates whether the command may prompt the user
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run executes the given command. It wires up stdio and isolates the child
// in its own process group so cancellation kills the whole tree, not just
// the immediate child (make and shell wrappers fork freely).
func (e *Executor) Run(cmd *exec.Cmd) error {
	return e.run(e.Context, cmd)
}

// RunWithTimeout executes the command under a per-step deadline layered on
// the executor's context. A deadline hit is indistinguishable from any other
// failure of that step, which is what the retry policy wants.
func (e *Executor) RunWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	if timeout <= 0 {
		return e.run(e.Context, cmd)
	}
	ctx, cancel := context.WithTimeout(e.Context, timeout)
	defer cancel()
	return e.run(ctx, cmd)
}

func (e *Executor) run(ctx context.Context, cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.CommandContext(ctx, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// Isolate the process group for context-based cleanup, except for
	// interactive commands that need the TTY.
	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	if !e.Interactive {
		pgid := finalCmd.Process.Pid

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", ctx.Err())
		}
		return waitErr
	}
	return nil
}

// RunLogged runs a shell script fragment in dir with the given environment,
// teeing output into logW and keeping a tail for error reporting. Used by
// build steps so failures carry their last lines of output.
func (e *Executor) RunLogged(dir string, env []string, logW io.Writer, timeout time.Duration, script string) (string, error) {
	var tail tailBuffer
	out := io.Writer(&tail)
	if logW != nil {
		out = io.MultiWriter(logW, &tail)
	}

	cmd := exec.Command("sh", "-ce", script)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = strings.NewReader("")
	cmd.Stdout = out
	cmd.Stderr = out

	err := e.RunWithTimeout(cmd, timeout)
	return tail.String(), err
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	buf []byte
}

const tailBufferMax = 8 * 1024

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailBufferMax {
		t.buf = t.buf[len(t.buf)-tailBufferMax:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
