// Package replay reproduces recorded topic traffic from log files.
//
// Records are indexed into fixed dump windows (1/60 s) and replayed by an
// Engine that owns all session state on a single goroutine. Hosts talk to the
// Engine only through commands and events.
package replay

import (
	"time"
)

// Hz is the playback cadence.
const Hz = 60

// DumpWindow is the duration of one bucket.
const DumpWindow = time.Second / Hz

// DumpWindowMs is DumpWindow in milliseconds.
const DumpWindowMs = 1000.0 / Hz

// PlayState is the playback state reported in playstatechange events.
type PlayState string

const (
	// StateUninitialized is held until a time range has been read.
	StateUninitialized PlayState = ""
	StatePause         PlayState = "pause"
	StateLoading       PlayState = "loading"
	StatePlay          PlayState = "play"
	StateEnd           PlayState = "end"
)

// BucketKey maps a millisecond timestamp to its dump window.
// It equals floor(tsMs / DumpWindowMs) computed without floating point.
func BucketKey(tsMs int64) int64 {
	n := tsMs * Hz
	q := n / 1000
	if n%1000 < 0 {
		q--
	}
	return q
}

// NormalizeTimestamp converts a log timestamp to milliseconds. The unit is
// inferred from magnitude: seconds below 1e11, milliseconds below 1e14,
// microseconds below 1e17, nanoseconds otherwise.
func NormalizeTimestamp(ts float64) int64 {
	abs := ts
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 1e11:
		return int64(ts * 1e3)
	case abs < 1e14:
		return int64(ts)
	case abs < 1e17:
		return int64(ts / 1e3)
	default:
		return int64(ts / 1e6)
	}
}
