package modcd

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// rootSwitcher changes the process root and changes it back.
type rootSwitcher interface {
	Enter(newRoot string) error
	Exit() error
}

// chroot(2) is process-wide; only one Chroot may be entered at a time.
var chrootHeld atomic.Bool

var (
	ErrChrootBusy      = errors.New("a chroot is already active in this process")
	errChrootNotActive = errors.New("chroot is not active")
)

// Chroot enters a new root and restores the original one from a directory
// descriptor opened on "/" before the switch.
type Chroot struct {
	realRoot int
	newRoot  string
	active   bool
}

func (c *Chroot) Enter(newRoot string) error {
	if !chrootHeld.CompareAndSwap(false, true) {
		return ErrChrootBusy
	}

	abs, err := filepath.Abs(newRoot)
	if err == nil {
		abs, err = filepath.EvalSymlinks(abs)
	}
	if err != nil {
		chrootHeld.Store(false)
		return fmt.Errorf("resolve %s: %w", newRoot, err)
	}

	fd, err := unix.Open("/", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		chrootHeld.Store(false)
		return fmt.Errorf("open /: %w", err)
	}
	if err := unix.Chroot(abs); err != nil {
		unix.Close(fd)
		chrootHeld.Store(false)
		return fmt.Errorf("chroot %s: %w", abs, err)
	}

	c.realRoot = fd
	c.newRoot = abs
	c.active = true
	debugf("entered chroot %s", abs)
	return nil
}

// Exit returns to the original root. If it fails the process is left inside
// the chroot and the singleton stays claimed.
func (c *Chroot) Exit() error {
	if !c.active {
		return errChrootNotActive
	}
	if err := unix.Fchdir(c.realRoot); err != nil {
		return &FatalResourceError{Failures: []error{fmt.Errorf("fchdir to original root: %w", err)}}
	}
	if err := unix.Chroot("."); err != nil {
		return &FatalResourceError{Failures: []error{fmt.Errorf("chroot back to original root: %w", err)}}
	}
	if err := unix.Close(c.realRoot); err != nil {
		log.WithError(err).Warn("closing saved root descriptor")
	}
	c.active = false
	chrootHeld.Store(false)
	debugf("left chroot %s", c.newRoot)
	return nil
}
