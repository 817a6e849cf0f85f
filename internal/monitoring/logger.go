// Package monitoring holds the diagnostic logger shared by the relay and
// replay packages.
package monitoring

import (
	"log"
	"sync"
)

var mu sync.RWMutex

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SwapLogger installs f like SetLogger and returns a function restoring the
// previous logger.
func SwapLogger(f func(format string, v ...interface{})) (restore func()) {
	mu.RLock()
	prev := Logf
	mu.RUnlock()
	SetLogger(f)
	return func() { SetLogger(prev) }
}

// Prefixed returns a logger that prepends prefix (e.g. "[Replay]") to every
// line. The current Logf is looked up on each call, so later SetLogger calls
// take effect.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		mu.RLock()
		logf := Logf
		mu.RUnlock()
		logf(prefix+" "+format, v...)
	}
}
