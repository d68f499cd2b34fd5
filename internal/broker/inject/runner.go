package inject

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// RunSpec describes one child run.  Stdin is always discarded; stdout and
// stderr are streamed into the provided writers as raw bytes.
type RunSpec struct {
	Command []string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// RunResult carries the child's exit code.  -1 means the child was killed
// by a signal (including our own timeout or buffer-cap kill).
type RunResult struct {
	ExitCode int
}

// Runner executes a command in some isolation domain.  Cancelling the
// context kills the child with SIGKILL.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// hostWaitDelay bounds how long Wait blocks on the output pipes after the
// child exits, in case a grandchild inherited them.
const hostWaitDelay = 3 * time.Second

// HostRunner runs the command directly on the host.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = hostWaitDelay

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	err := cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return RunResult{ExitCode: exitErr.ExitCode()}, nil
		}
		// Wait can also fail on pipe copy errors after the child exited.
		if cmd.ProcessState != nil {
			return RunResult{ExitCode: cmd.ProcessState.ExitCode()}, nil
		}
		return RunResult{}, fmt.Errorf("inject: wait for child: %w", err)
	}
	return RunResult{ExitCode: cmd.ProcessState.ExitCode()}, nil
}
