package modcd

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type cleanupEntry struct {
	name     string
	critical bool
	fn       func() error
}

// CleanupStack owns release actions for acquired resources and runs them in
// reverse acquisition order. A failing release never stops the ones below it.
type CleanupStack struct {
	entries []cleanupEntry
	log     logrus.FieldLogger
}

func NewCleanupStack(logger logrus.FieldLogger) *CleanupStack {
	if logger == nil {
		logger = log
	}
	return &CleanupStack{log: logger}
}

// Push registers a best-effort release action. Its failure is only logged.
func (s *CleanupStack) Push(name string, fn func() error) {
	s.entries = append(s.entries, cleanupEntry{name: name, fn: fn})
}

// PushCritical registers a release action whose failure is reported by Unwind.
func (s *CleanupStack) PushCritical(name string, fn func() error) {
	s.entries = append(s.entries, cleanupEntry{name: name, critical: true, fn: fn})
}

// Acquire runs setup and, only if it succeeds, registers teardown.
func (s *CleanupStack) Acquire(name string, setup, teardown func() error) error {
	return s.acquire(name, false, setup, teardown)
}

// AcquireCritical is Acquire with a critical release action.
func (s *CleanupStack) AcquireCritical(name string, setup, teardown func() error) error {
	return s.acquire(name, true, setup, teardown)
}

func (s *CleanupStack) acquire(name string, critical bool, setup, teardown func() error) error {
	debugf("acquire %s", name)
	if err := setup(); err != nil {
		var ae *AcquisitionError
		if errors.As(err, &ae) {
			return err
		}
		return &AcquisitionError{Resource: name, Err: err}
	}
	s.entries = append(s.entries, cleanupEntry{name: name, critical: critical, fn: teardown})
	return nil
}

// Len returns the number of pending release actions.
func (s *CleanupStack) Len() int { return len(s.entries) }

// Unwind runs every pending release action, last acquired first, and empties
// the stack. It returns a *FatalResourceError if a critical action failed.
func (s *CleanupStack) Unwind() error {
	var failures []error
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		debugf("release %s", e.name)
		if err := e.fn(); err != nil {
			s.log.WithError(err).Warnf("failed to release %s", e.name)
			if e.critical {
				failures = append(failures, fmt.Errorf("%s: %w", e.name, err))
			}
		}
	}
	s.entries = nil
	if len(failures) > 0 {
		return &FatalResourceError{Failures: failures}
	}
	return nil
}

// mountInfoPath is swapped in tests.
var mountInfoPath = "/proc/self/mountinfo"

// mountsUnder lists active mount points at or below dir.
func mountsUnder(dir string) ([]string, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dir = filepath.Clean(dir)
	var found []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mp := unescapeMountPath(fields[4])
		if mp == dir || strings.HasPrefix(mp, dir+"/") {
			found = append(found, mp)
		}
	}
	return found, scanner.Err()
}

// unescapeMountPath decodes the octal escapes (\040 etc.) used in mountinfo.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, ok := octal3(s[i+1 : i+4]); ok {
				b.WriteByte(v)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func octal3(s string) (byte, bool) {
	if len(s) != 3 {
		return 0, false
	}
	var v int
	for _, c := range s {
		if c < '0' || c > '7' {
			return 0, false
		}
		v = v*8 + int(c-'0')
	}
	if v > 255 {
		return 0, false
	}
	return byte(v), true
}

// RemoveAll deletes path recursively. On a permission error it retries with
// a privileged rm -rf. It refuses to touch a tree that still has mounts below
// it, or whose mounts cannot be checked, since that would recurse into
// bind-mounted host directories.
func RemoveAll(run commandRunner, path string) error {
	mounts, err := mountsUnder(path)
	if err != nil {
		return &FatalResourceError{Failures: []error{
			fmt.Errorf("refusing to remove %s: cannot read mount table: %w", path, err),
		}}
	}
	if len(mounts) > 0 {
		return &FatalResourceError{Failures: []error{
			fmt.Errorf("refusing to remove %s: still mounted: %s", path, strings.Join(mounts, ", ")),
		}}
	}

	err = os.RemoveAll(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return &FatalResourceError{Failures: []error{err}}
	}

	debugf("permission denied removing %s, retrying with rm -rf", path)
	if err := run.Run(exec.Command("rm", "-rf", "--one-file-system", path)); err != nil {
		return &FatalResourceError{Failures: []error{err}}
	}
	return nil
}
