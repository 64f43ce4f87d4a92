package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/render"
	"github.com/stackpilot/stackpilot/internal/spec"
)

func bundleFixture(checksum string) *render.Bundle {
	return &render.Bundle{
		Strategy: spec.StrategyNative,
		Checksum: checksum,
		Files: map[string][]byte{
			"proxy/stackpilot.conf": []byte("server {}\n"),
			"app.env":               []byte("PORT=3000\n"),
		},
	}
}

func TestWriteAndSwap(t *testing.T) {
	root := t.TempDir()
	idx, err := LoadIndex(root)
	require.NoError(t, err)

	entry, err := idx.Write(bundleFixture("aabbccddeeff00112233"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "aabbccddeeff"), entry.Dir)

	// Env file is owner-only, config world-readable.
	fi, err := os.Stat(filepath.Join(entry.Dir, "app.env"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	fi, err = os.Stat(filepath.Join(entry.Dir, "proxy", "stackpilot.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())

	_, ok := idx.ActiveEntry()
	assert.False(t, ok)
	_, err = idx.Swap("aabbccddeeff00112233")
	require.NoError(t, err)

	// The swap survives a reload.
	idx2, err := LoadIndex(root)
	require.NoError(t, err)
	active, ok := idx2.ActiveEntry()
	require.True(t, ok)
	assert.Equal(t, "aabbccddeeff00112233", active.Checksum)
}

func TestSwapUnknownChecksum(t *testing.T) {
	idx, err := LoadIndex(t.TempDir())
	require.NoError(t, err)
	_, err = idx.Swap("deadbeef")
	assert.Error(t, err)
}

func TestWriteIsIdempotent(t *testing.T) {
	idx, err := LoadIndex(t.TempDir())
	require.NoError(t, err)

	first, err := idx.Write(bundleFixture("0123456789abcdef0123"))
	require.NoError(t, err)
	second, err := idx.Write(bundleFixture("0123456789abcdef0123"))
	require.NoError(t, err)
	assert.Equal(t, first.Dir, second.Dir)
}

func TestPruneKeepsActive(t *testing.T) {
	idx, err := LoadIndex(t.TempDir())
	require.NoError(t, err)

	sums := []string{"aaaaaaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbbbbbb", "cccccccccccccccccccc"}
	for _, s := range sums {
		_, err := idx.Write(bundleFixture(s))
		require.NoError(t, err)
	}
	active, err := idx.Swap(sums[0])
	require.NoError(t, err)

	require.NoError(t, idx.Prune(1))
	_, err = os.Stat(active.Dir)
	assert.NoError(t, err, "active bundle must survive pruning")

	remaining := 0
	for _, s := range sums {
		if _, ok := idx.Entries[s]; ok {
			remaining++
		}
	}
	assert.Equal(t, 2, remaining) // active + 1 kept
}
