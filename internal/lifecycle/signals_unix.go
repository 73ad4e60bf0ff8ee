//go:build !windows

// Package lifecycle holds the process signal set shared by every run mode.
package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals stop the server gracefully: SSDP says byebye and
// in-flight HTTP requests get a shutdown grace period.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}
}
