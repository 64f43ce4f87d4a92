//go:build linux

package runlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/faults"
)

func TestSharedLocksCoexist(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	b := New(dir)

	require.NoError(t, a.TryAcquire(Shared))
	defer a.Release()
	require.NoError(t, b.TryAcquire(Shared))
	defer b.Release()

	assert.True(t, a.Held())
	assert.True(t, b.Held())
}

func TestExclusiveBlocksShared(t *testing.T) {
	dir := t.TempDir()
	excl := New(dir)
	require.NoError(t, excl.TryAcquire(Exclusive))
	defer excl.Release()

	shared := New(dir)
	err := shared.Acquire(context.Background(), Shared, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrLockTimeout))
	assert.False(t, shared.Held())
}

func TestSharedBlocksExclusive(t *testing.T) {
	dir := t.TempDir()
	shared := New(dir)
	require.NoError(t, shared.TryAcquire(Shared))
	defer shared.Release()

	excl := New(dir)
	err := excl.Acquire(context.Background(), Exclusive, 100*time.Millisecond)
	assert.True(t, errors.Is(err, faults.ErrLockTimeout))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	first := New(dir)
	require.NoError(t, first.TryAcquire(Exclusive))

	done := make(chan error, 1)
	go func() {
		second := New(dir)
		err := second.Acquire(context.Background(), Exclusive, 2*time.Second)
		if err == nil {
			second.Release()
		}
		done <- err
	}()

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, first.Release())
	assert.NoError(t, <-done)
}

func TestDoubleAcquireSameHandle(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.TryAcquire(Exclusive))
	defer l.Release()
	assert.Error(t, l.TryAcquire(Exclusive))
}

func TestReleaseUnheldIsSafe(t *testing.T) {
	l := New(t.TempDir())
	assert.NoError(t, l.Release())
}

func TestWithExclusiveRunsAndReleases(t *testing.T) {
	dir := t.TempDir()
	ran := false
	err := WithExclusive(context.Background(), dir, time.Second, func() error {
		ran = true
		// The exclusive lock is really held while fn runs.
		probe := New(dir)
		perr := probe.Acquire(context.Background(), Shared, 50*time.Millisecond)
		assert.True(t, errors.Is(perr, faults.ErrLockTimeout))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// And released afterwards.
	after := New(dir)
	require.NoError(t, after.TryAcquire(Exclusive))
	after.Release()
}
