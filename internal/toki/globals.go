package toki

import (
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// Counts units inside a cache-write section; nonzero makes the signal
// handler hold the first interrupt instead of cancelling mid-write.
var isCriticalAtomic atomic.Int32

// criticalSection runs fn with the critical counter raised. Sections nest.
func criticalSection(fn func() error) error {
	isCriticalAtomic.Add(1)
	defer isCriticalAtomic.Add(-1)
	return fn()
}

// Global variables
var (
	CacheDir       string
	SourcesDir     string
	CacheStore     string
	ToolchainDir   string
	ArtifactDir    string
	LogDir         string
	BinDir         string
	tmpDir         string
	Debug          bool
	ConfigFile     = "/etc/toki.conf"
	ArtifactMirror string
	version        = "dev"     // overridden at build time
	hostArch       = runtime.GOARCH
	buildDate      = "unknown" // overridden at build time

	// Global executor (assigned in Main)
	UserExec *Executor
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
