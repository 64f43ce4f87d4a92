package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/runlock"
)

func testManager(t *testing.T, retentionDays int) *Manager {
	t.Helper()
	stateDir := t.TempDir()

	// Seed an application state directory with nested content.
	appDir := filepath.Join(stateDir, "appdata")
	require.NoError(t, os.MkdirAll(filepath.Join(appDir, "uploads"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "uploads", "avatar.png"), []byte("png-bytes"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "settings.json"), []byte("{}"), 0o640))

	m := NewManager(stateDir,
		config.BackupConfig{RetentionDays: retentionDays, Interval: "24h"},
		config.DatabaseConfig{Name: "app", User: "app", ListenPort: 5432},
		config.AppConfig{StateDir: appDir},
	)
	m.dump = func(ctx context.Context, path string) error {
		return os.WriteFile(path, []byte("-- dump --\n"), 0o640)
	}
	return m
}

// tarEntries lists the entry names inside a gzipped tarball.
func tarEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestCreateProducesBothArchives(t *testing.T) {
	m := testManager(t, 7)

	rec, err := m.Create(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "app", rec.Database)

	dumpInfo, err := os.Stat(rec.DumpPath)
	require.NoError(t, err)
	appInfo, err := os.Stat(rec.AppStatePath)
	require.NoError(t, err)
	assert.Equal(t, dumpInfo.Size()+appInfo.Size(), rec.SizeBytes)

	// Both archive names carry the backup timestamp.
	assert.Contains(t, filepath.Base(rec.DumpPath), rec.ID)
	assert.Contains(t, filepath.Base(rec.AppStatePath), rec.ID)

	assert.Equal(t, []string{"app-" + rec.ID + ".sql"}, tarEntries(t, rec.DumpPath))
	assert.ElementsMatch(t,
		[]string{"settings.json", "uploads/", "uploads/avatar.png"},
		tarEntries(t, rec.AppStatePath))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestCreateWithoutAppStateDir(t *testing.T) {
	m := testManager(t, 7)
	m.appDir = ""

	rec, err := m.Create(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.AppStatePath)
	_, err = os.Stat(rec.DumpPath)
	assert.NoError(t, err)
}

func TestCreateSkipsWhenLockBusy(t *testing.T) {
	m := testManager(t, 7)
	m.lockTimeout = 50 * time.Millisecond
	m.retryDelay = 50 * time.Millisecond

	// Simulate a deploy in flight.
	excl := runlock.New(m.stateDir)
	require.NoError(t, excl.TryAcquire(runlock.Exclusive))
	defer excl.Release()

	rec, err := m.Create(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec, "a skipped backup returns no record and no error")

	list, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPruneRemovesStrictlyOlderThanRetention(t *testing.T) {
	m := testManager(t, 7)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Ages in days: 1, 6, 7, 8, 10. Retention 7 removes 8 and 10; the
	// backup exactly 7 days old survives.
	for _, age := range []int{1, 6, 7, 8, 10} {
		created := now.AddDate(0, 0, -age)
		m.now = func() time.Time { return created }
		rec, err := m.Create(context.Background())
		require.NoError(t, err)
		require.NotNil(t, rec)
	}
	m.now = func() time.Time { return now }

	removed, err := m.Prune()
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	for _, r := range removed {
		_, err := os.Stat(r.DumpPath)
		assert.True(t, os.IsNotExist(err), "expired dump archive %s should be deleted", r.DumpPath)
		_, err = os.Stat(r.AppStatePath)
		assert.True(t, os.IsNotExist(err), "expired app-state archive %s should be deleted", r.AppStatePath)
	}

	kept, err := m.List()
	require.NoError(t, err)
	require.Len(t, kept, 3)
	for _, r := range kept {
		assert.False(t, r.CreatedAt.Before(now.AddDate(0, 0, -7)))
		_, err := os.Stat(r.DumpPath)
		assert.NoError(t, err)
		_, err = os.Stat(r.AppStatePath)
		assert.NoError(t, err)
	}
}

func TestPruneNoExpired(t *testing.T) {
	m := testManager(t, 7)
	_, err := m.Create(context.Background())
	require.NoError(t, err)

	removed, err := m.Prune()
	require.NoError(t, err)
	assert.Empty(t, removed)
}
