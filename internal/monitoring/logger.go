// Package monitoring routes the diagnostics of stitching runs. Sub-jobs of a
// dispatched run log concurrently, so every message goes through one
// serialized sink; warnings are also counted so the caller can report them
// once the run ends.
package monitoring

import (
	"log"
	"sync"
	"sync/atomic"
)

// LogFunc receives formatted diagnostics.
type LogFunc func(format string, v ...interface{})

var (
	mu       sync.Mutex
	sink     LogFunc = log.Printf
	warnings atomic.Int64
)

// Logf sends a message to the installed sink. Calls are serialized, so a
// sink does not need to lock.
func Logf(format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	sink(format, v...)
}

// Warnf logs a message prefixed with "Warning: " and counts it.
func Warnf(format string, v ...interface{}) {
	warnings.Add(1)
	Logf("Warning: "+format, v...)
}

// Warnings returns the number of warnings raised by this process.
func Warnings() int64 {
	return warnings.Load()
}

// SetLogger installs f as the sink and returns a function that puts the
// previous sink back. A nil f mutes diagnostics; warnings are still counted.
func SetLogger(f LogFunc) (restore func()) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	mu.Lock()
	previous := sink
	sink = f
	mu.Unlock()
	return func() {
		mu.Lock()
		sink = previous
		mu.Unlock()
	}
}
