package modcd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Phase selects which user scripts run at a point of the pipeline.
type Phase string

const (
	PhaseBefore Phase = "B"
	PhaseChroot Phase = "C"
	PhaseAfter  Phase = "A"
)

func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "before"
	case PhaseChroot:
		return "chroot"
	case PhaseAfter:
		return "after"
	}
	return string(p)
}

// Script is one eligible executable, resolved to an absolute path.
type Script struct {
	Path  string
	Name  string
	Phase Phase
}

// phaseRunner runs every script of a phase found in dir.
type phaseRunner interface {
	RunPhase(dir string, phase Phase) error
}

var (
	delimStart = strings.Repeat("-", 10) + " "
	delimEnd   = " " + strings.Repeat("-", 10)
)

// ScriptRunner discovers and runs phase scripts sequentially.
type ScriptRunner struct {
	exec commandRunner
	out  io.Writer
	log  logrus.FieldLogger
}

func NewScriptRunner(run commandRunner, out io.Writer) *ScriptRunner {
	if out == nil {
		out = os.Stdout
	}
	return &ScriptRunner{exec: run, out: out, log: log}
}

// findScripts lists scripts in the current directory named <prefix><digit>...
// that we may execute. The result is sorted as plain strings, so B10 sorts
// before B2; script authors zero-pad to get numeric order.
func findScripts(phase Phase) ([]Script, error) {
	matches, err := filepath.Glob(string(phase) + "[0-9]*")
	if err != nil {
		return nil, err
	}

	var scripts []Script
	for _, name := range matches {
		info, err := os.Stat(name)
		if err != nil || info.IsDir() {
			continue
		}
		if unix.Access(name, unix.X_OK) != nil {
			debugf("skipping %s: not executable", name)
			continue
		}
		resolved, err := filepath.EvalSymlinks(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		scripts = append(scripts, Script{Path: abs, Name: name, Phase: phase})
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].Path < scripts[j].Path
	})
	return scripts, nil
}

// RunPhase changes into dir, runs the phase's scripts in order and changes
// back. The first script exiting non-zero stops the phase with a *ScriptFailure.
func (r *ScriptRunner) RunPhase(dir string, phase Phase) (err error) {
	stack := NewCleanupStack(r.log)
	defer func() {
		if uerr := stack.Unwind(); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	prev, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if err := stack.AcquireCritical("chdir "+dir,
		func() error { return os.Chdir(dir) },
		func() error { return os.Chdir(prev) },
	); err != nil {
		return err
	}

	scripts, err := findScripts(phase)
	if err != nil {
		return err
	}
	if len(scripts) == 0 {
		debugf("no %s scripts in %s", phase, dir)
		return nil
	}

	for _, s := range scripts {
		fmt.Fprintf(r.out, "%sSTART %s%s\n", delimStart, s.Path, delimEnd)
		if err := r.exec.Run(exec.Command(s.Path)); err != nil {
			return scriptFailure(s.Path, err)
		}
		fmt.Fprintf(r.out, "%sEND %s%s\n", delimStart, s.Path, delimEnd)
	}
	return nil
}

func scriptFailure(path string, err error) *ScriptFailure {
	sf := &ScriptFailure{Path: path, ExitCode: -1, Err: err}
	var te *ExternalToolError
	if errors.As(err, &te) {
		sf.ExitCode = te.ExitCode
	}
	return sf
}
