package modcd

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// step prints a pipeline progress line ("-> message").
func step(format string, a ...any) {
	colArrow.Print("-> ")
	cPrintf(colSuccess, format+"\n", a...)
}

// debugf logs debug messages; they are shown with --debug or MODCD_DEBUG=1.
func debugf(format string, args ...any) {
	log.Debugf(format, args...)
}

// isTerminal reports whether stdout is attached to a TTY.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// setupOutput configures logrus and disables colors when stdout is not a TTY.
func setupOutput(debug bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		ForceColors:      term.IsTerminal(int(os.Stderr.Fd())),
	})
	log.SetLevel(logrus.InfoLevel)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if !isTerminal() {
		color.Enable = false
	}
}
