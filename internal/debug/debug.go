// Package debug provides opt-in diagnostic logging for skein internals.
package debug

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("SKEIN_DEBUG") != ""
	verboseMode = false
	logMutex    sync.Mutex
)

// Enabled reports whether debug logging is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output regardless of the environment.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Logf writes a debug line to stderr when debug logging is active.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		logMutex.Lock()
		defer logMutex.Unlock()
		fmt.Fprintf(os.Stderr, "[skein] "+format+"\n", args...)
	}
}

// Alwaysf writes an operational line to stderr unconditionally. Reserved for
// events an operator must see: lock steals, stale reclaims, corruption.
func Alwaysf(format string, args ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintf(os.Stderr, "[skein] %s "+format+"\n",
		append([]interface{}{time.Now().UTC().Format(time.RFC3339)}, args...)...)
}
