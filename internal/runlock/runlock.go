//go:build linux

// Package runlock provides the host-wide mutual-exclusion token guarding
// mutating operations (provision, deploy, rotate, restore). It is an
// advisory flock(2) over a well-known file, so concurrent stackpilot
// invocations on the same host exclude each other, not just goroutines in
// one process. Shared mode is used by operations that only read the
// artifact and service set (backup creation, status).
package runlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stackpilot/stackpilot/internal/faults"
)

// Mode selects shared or exclusive acquisition.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// Lock is a handle to the run-lock file. One Lock holds at most one flock.
type Lock struct {
	path string
	f    *os.File
}

// New returns a Lock over <stateDir>/run.lock. The file is created lazily.
func New(stateDir string) *Lock {
	return &Lock{path: filepath.Join(stateDir, "run.lock")}
}

// Acquire takes the lock in the given mode, polling until the timeout
// elapses. Exceeding the timeout surfaces faults.ErrLockTimeout; it is
// never swallowed silently.
func (l *Lock) Acquire(ctx context.Context, mode Mode, timeout time.Duration) error {
	if l.f != nil {
		return fmt.Errorf("run lock already held by this handle")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	how := unix.LOCK_SH
	if mode == Exclusive {
		how = unix.LOCK_EX
	}
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			l.f = f
			return nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return fmt.Errorf("flock: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return fmt.Errorf("%w (waited %s for %s)", faults.ErrLockTimeout, timeout, l.path)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryAcquire attempts a single non-blocking acquisition.
func (l *Lock) TryAcquire(mode Mode) error {
	return l.Acquire(context.Background(), mode, 0)
}

// Release drops the lock. Safe to call on an unheld handle.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}

// Held reports whether this handle currently holds the lock.
func (l *Lock) Held() bool { return l.f != nil }

// WithExclusive runs fn while holding the exclusive lock.
func WithExclusive(ctx context.Context, stateDir string, timeout time.Duration, fn func() error) error {
	l := New(stateDir)
	if err := l.Acquire(ctx, Exclusive, timeout); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
