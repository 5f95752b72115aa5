// Package rtlog provides the structured logging facade shared by every
// Lunet package. It wraps github.com/joeycumines/logiface (the monorepo's
// standard logging abstraction) with the stumpy JSON backend, mirroring how
// the teacher package configures its own package-level logger.
package rtlog

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout Lunet.
type Logger = logiface.Logger[*stumpy.Event]

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() *Logger {
	return stumpy.L.New(
		stumpy.WithStumpy(),
		logiface.WithLevel[*stumpy.Event](logiface.LevelInformational),
	)
}

// Set replaces the package-wide logger. Passing nil resets to the default
// (stderr JSON, informational level).
func Set(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = newDefault()
	}
	current = l
}

// SetVerbose switches the package-wide logger to trace level, used by the
// CLI's --verbose-trace flag (spec.md §6).
func SetVerbose(verbose bool) {
	mu.Lock()
	defer mu.Unlock()
	level := logiface.LevelInformational
	if verbose {
		level = logiface.LevelTrace
	}
	current = stumpy.L.New(
		stumpy.WithStumpy(),
		logiface.WithLevel[*stumpy.Event](level),
	)
}

// L returns the current package-wide logger.
func L() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
