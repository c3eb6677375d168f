package modcd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// commandRunner is the seam between the pipeline and the external tools it
// delegates to. *Executor is the production implementation.
type commandRunner interface {
	Run(cmd *exec.Cmd) error
}

// Executor runs external tools on behalf of the pipeline. The process is
// already root (see requireRoot), so commands are never wrapped in sudo.
type Executor struct {
	Context     context.Context // The context to use for cancellation
	Interactive bool            // Interactive commands share our process group and TTY (user scripts)
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Detached returns a copy whose commands are not cancelled with the parent
// context. Release actions run through it so an interrupt cannot leak mounts.
func (e *Executor) Detached() *Executor {
	c := *e
	c.Context = context.WithoutCancel(e.Context)
	return &c
}

// command builds the process that will actually be started for cmd, bound to
// the executor's context.
func (e *Executor) command(cmd *exec.Cmd) *exec.Cmd {
	finalCmd := exec.CommandContext(e.Context, cmd.Path, cmd.Args[1:]...)
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

	// Non-interactive children get their own process group so a cancelled
	// context can kill the whole tree.
	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	return finalCmd
}

// Run executes the given command and blocks until it exits. Failures are
// returned as *ExternalToolError carrying the original argv.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	finalCmd := e.command(cmd)
	debugf("[exec] %s", strings.Join(cmd.Args, " "))

	if err := finalCmd.Start(); err != nil {
		return newToolError(cmd.Args, fmt.Errorf("failed to start command: %w", err))
	}

	if !e.Interactive {
		pgid := finalCmd.Process.Pid

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return newToolError(cmd.Args, fmt.Errorf("command aborted: %w", e.Context.Err()))
		}
		return newToolError(cmd.Args, waitErr)
	}
	return nil
}
