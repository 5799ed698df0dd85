// Package daemonlog provides the daemon's process-wide logging shim.
//
// It intentionally avoids a structured logging framework: like the rest of
// this codebase's ambient tooling, it is a thin env-var-gated wrapper around
// stderr, enabled with BD_DEBUG.
package daemonlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	enabled bool
	mu      sync.Mutex
)

func init() {
	enabled = os.Getenv("BD_DEBUG") != ""
}

// Enabled reports whether debug logging is on.
func Enabled() bool {
	return enabled
}

// SetEnabled overrides the value read from the BD_DEBUG env var at init.
func SetEnabled(v bool) {
	enabled = v
}

// Logf writes a debug line to stderr, gated on Enabled().
func Logf(format string, args ...interface{}) {
	if !enabled {
		return
	}
	write("DEBUG", format, args...)
}

// Errorf always writes to stderr regardless of debug mode — the daemon has
// no other place to surface unexpected errors from background workers.
func Errorf(format string, args ...interface{}) {
	write("ERROR", format, args...)
}

// Infof always writes an informational line to stderr.
func Infof(format string, args ...interface{}) {
	write("INFO", format, args...)
}

func write(level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", ts, level, fmt.Sprintf(format, args...))
}
