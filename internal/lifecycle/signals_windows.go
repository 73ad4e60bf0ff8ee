//go:build windows

// Package lifecycle holds the process signal set shared by every run mode.
package lifecycle

import "os"

// TerminationSignals stop the server gracefully. Windows only delivers
// os.Interrupt to console programs.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
