//go:build linux

package hostrt

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// ApplyRlimits raises the soft NOFILE limit for child processes when the
// service spec asks for one (>0).
func ApplyRlimits(noFile uint64) error {
	if noFile == 0 {
		return nil
	}
	lim := &unix.Rlimit{Cur: noFile, Max: noFile}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE: %w", err)
	}
	return nil
}

// IsProcessRunning reports whether pid exists and is signalable.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
