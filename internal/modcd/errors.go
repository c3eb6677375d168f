package modcd

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PrivilegeError is returned before any stage runs when the process is not root.
type PrivilegeError struct {
	UID int
}

func (e *PrivilegeError) Error() string {
	return "root level access required."
}

// AcquisitionError reports a resource setup step (mount, chroot, directory
// creation) that failed. Nothing is registered for release when it occurs.
type AcquisitionError struct {
	Resource string
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ScriptFailure reports a user script that exited non-zero.
type ScriptFailure struct {
	Path     string
	ExitCode int
	Err      error
}

func (e *ScriptFailure) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("script %s failed: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("script %s exited with status %d", e.Path, e.ExitCode)
}

func (e *ScriptFailure) Unwrap() error { return e.Err }

// FatalResourceError collects release actions that failed in a way that
// cannot be ignored. Unwinding still runs every remaining release action.
type FatalResourceError struct {
	Failures []error
}

func (e *FatalResourceError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return "resource release failed: " + strings.Join(msgs, "; ")
}

func (e *FatalResourceError) Unwrap() []error { return e.Failures }

// ExternalToolError reports a delegated command that could not be started or
// returned a non-zero status. ExitCode is -1 when no status is available.
type ExternalToolError struct {
	Command  []string
	ExitCode int
	Err      error
}

func (e *ExternalToolError) Error() string {
	cmd := strings.Join(e.Command, " ")
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: exit status %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", cmd, e.Err)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

func newToolError(args []string, err error) *ExternalToolError {
	te := &ExternalToolError{Command: args, ExitCode: -1, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

// StageError identifies the pipeline stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ExitCode maps a pipeline error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *PrivilegeError
	if errors.As(err, &pe) {
		return 255
	}
	var sf *ScriptFailure
	if errors.As(err, &sf) && sf.ExitCode > 0 {
		return sf.ExitCode
	}
	return 1
}
