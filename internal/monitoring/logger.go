// Package monitoring holds the process-wide diagnostic loggers used by the
// stitching, warp and pipeline packages.
package monitoring

import "log"

// Logf is the package-level operational logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Diagf receives verbose per-strip and per-tile diagnostics. It is muted
// until SetDiagLogger installs a destination.
var Diagf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the operational logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDiagLogger replaces the diagnostic logger. Passing nil mutes diagnostics.
func SetDiagLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Diagf = func(string, ...interface{}) {}
		return
	}
	Diagf = f
}
