package modcd

import (
	"sync/atomic"

	"github.com/gookit/color"
	"github.com/sirupsen/logrus"
)

// GLOBAL STATE
// 1 while host mounts are held by the pipeline, 0 otherwise.
var isCriticalAtomic atomic.Int32

var (
	ConfigFile = "/etc/modcd.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time

	// Diagnostics go through logrus; progress lines use the color helpers below.
	log = logrus.New()
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)
