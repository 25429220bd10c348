// Package monitoring holds the diagnostic logger and the Prometheus
// collectors for training and serving.
package monitoring

import "log"

// Logf prints training and serving diagnostics. It is log.Printf unless
// replaced with SetLogger.
var Logf func(format string, v ...any) = log.Printf

// SetLogger installs f as Logf and returns a func that restores the
// previous logger. A nil f mutes logging.
func SetLogger(f func(format string, v ...any)) (restore func()) {
	prev := Logf
	if f == nil {
		f = func(string, ...any) {}
	}
	Logf = f
	return func() { Logf = prev }
}
