// Package backup produces timestamped backups and enforces the retention
// window. Each backup is two artifacts: a gzipped tarball of the database
// logical dump and a gzipped tarball of the application state directory.
// Backups take the shared run lock: they can overlap with status reads but
// never with a deploy or provision in flight.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/metrics"
	"github.com/stackpilot/stackpilot/internal/runlock"
)

const indexFile = "backups.json"

// Record describes one completed backup. DumpPath is the archived
// database dump; AppStatePath is the archived application state directory
// and is empty when no state directory is configured.
type Record struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Database     string    `json:"database"`
	DumpPath     string    `json:"dump_path"`
	AppStatePath string    `json:"app_state_path,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
}

// Manager creates, lists and prunes backups.
type Manager struct {
	dir      string
	stateDir string
	appDir   string
	cfg      config.BackupConfig
	db       config.DatabaseConfig

	lockTimeout time.Duration
	retryDelay  time.Duration
	now         func() time.Time
	// dump writes the database dump to path. Injectable for tests;
	// production shells out to the configured dump command.
	dump func(ctx context.Context, path string) error

	mu sync.Mutex
}

func NewManager(stateDir string, cfg config.BackupConfig, db config.DatabaseConfig, app config.AppConfig) *Manager {
	dir := cfg.Dir
	if dir == "" {
		dir = filepath.Join(stateDir, "backups")
	}
	m := &Manager{
		dir:         dir,
		stateDir:    stateDir,
		appDir:      app.StateDir,
		cfg:         cfg,
		db:          db,
		lockTimeout: 5 * time.Second,
		retryDelay:  15 * time.Second,
		now:         time.Now,
	}
	m.dump = m.execDump
	return m
}

// Run executes backups on the configured interval until ctx is cancelled.
// Each pass creates one backup and then prunes expired ones.
func (m *Manager) Run(ctx context.Context) {
	interval := config.Duration(m.cfg.Interval, 24*time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Create(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled backup failed")
			}
			if _, err := m.Prune(); err != nil {
				log.Error().Err(err).Msg("backup prune failed")
			}
		}
	}
}

// Create takes a backup under the shared run lock. When an exclusive
// operation holds the lock the attempt is retried once after a delay and
// then skipped with a warning; a skipped backup returns (nil, nil).
func (m *Manager) Create(ctx context.Context) (*Record, error) {
	lock := runlock.New(m.stateDir)
	err := lock.Acquire(ctx, runlock.Shared, m.lockTimeout)
	if errors.Is(err, faults.ErrLockTimeout) {
		log.Info().Dur("delay", m.retryDelay).Msg("run lock busy; deferring backup")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryDelay):
		}
		err = lock.Acquire(ctx, runlock.Shared, m.lockTimeout)
	}
	if errors.Is(err, faults.ErrLockTimeout) {
		log.Warn().Msg("run lock still busy; skipping this backup")
		metrics.ObserveBackup("skipped")
		return nil, nil
	}
	if err != nil {
		metrics.ObserveBackup("error")
		return nil, err
	}
	defer lock.Release()

	rec, err := m.create(ctx)
	if err != nil {
		metrics.ObserveBackup("error")
		return nil, err
	}
	metrics.ObserveBackup("ok")
	return rec, nil
}

func (m *Manager) create(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return nil, err
	}
	ts := m.now().UTC()
	id := ts.Format("20060102T150405Z")
	dumpPath := filepath.Join(m.dir, fmt.Sprintf("%s-%s.sql", m.db.Name, id))
	if err := m.dump(ctx, dumpPath); err != nil {
		return nil, fmt.Errorf("dump database: %w", err)
	}
	defer os.Remove(dumpPath)

	dbArchive := filepath.Join(m.dir, fmt.Sprintf("backup-%s-db.tar.gz", id))
	if err := archiveFile(dumpPath, dbArchive); err != nil {
		return nil, fmt.Errorf("archive dump: %w", err)
	}
	fi, err := os.Stat(dbArchive)
	if err != nil {
		return nil, err
	}
	size := fi.Size()

	var appArchive string
	if m.appDir != "" {
		if st, err := os.Stat(m.appDir); err == nil && st.IsDir() {
			appArchive = filepath.Join(m.dir, fmt.Sprintf("backup-%s-app.tar.gz", id))
			if err := archiveDir(m.appDir, appArchive); err != nil {
				return nil, fmt.Errorf("archive app state: %w", err)
			}
			if fi, err := os.Stat(appArchive); err == nil {
				size += fi.Size()
			}
		} else {
			log.Warn().Str("dir", m.appDir).Msg("app state dir missing; backing up database only")
		}
	}

	rec := Record{
		ID:           id,
		CreatedAt:    ts,
		Database:     m.db.Name,
		DumpPath:     dbArchive,
		AppStatePath: appArchive,
		SizeBytes:    size,
	}

	records, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	records = append(records, rec)
	if err := m.saveIndex(records); err != nil {
		return nil, err
	}
	log.Info().Str("dump", dbArchive).Str("app_state", appArchive).Int64("bytes", rec.SizeBytes).Msg("backup created")
	return &rec, nil
}

func (m *Manager) execDump(ctx context.Context, path string) error {
	if m.db.DumpCommand == "" {
		return fmt.Errorf("no dump command configured")
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", m.db.DumpCommand)
	cmd.Env = append(os.Environ(),
		"STACKPILOT_DUMP_PATH="+path,
		"STACKPILOT_DB_NAME="+m.db.Name,
		"STACKPILOT_DB_USER="+m.db.User,
		fmt.Sprintf("STACKPILOT_DB_PORT=%d", m.db.ListenPort),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, out)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("dump command produced no file at %s", path)
	}
	return nil
}

// Prune removes backups strictly older than the retention window and
// returns the removed records. A backup exactly at the boundary is kept.
func (m *Manager) Prune() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	cutoff := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	var kept, removed []Record
	for _, r := range records {
		if r.CreatedAt.Before(cutoff) {
			removed = append(removed, r)
			for _, p := range []string{r.DumpPath, r.AppStatePath} {
				if p == "" {
					continue
				}
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					log.Warn().Str("archive", p).Err(err).Msg("could not remove expired backup")
				}
			}
			continue
		}
		kept = append(kept, r)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := m.saveIndex(kept); err != nil {
		return nil, err
	}
	log.Info().Int("removed", len(removed)).Int("kept", len(kept)).Msg("pruned expired backups")
	return removed, nil
}

// List returns known backups, newest first.
func (m *Manager) List() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

func (m *Manager) loadIndex() ([]Record, error) {
	b, err := os.ReadFile(filepath.Join(m.dir, indexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("parse backup index: %w", err)
	}
	return records, nil
}

func (m *Manager) saveIndex(records []Record) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(m.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, indexFile))
}

// archiveDir writes the directory tree rooted at src into a gzipped
// tarball at dst, with entry names relative to src.
func archiveDir(src, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		out.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// archiveFile writes src into a gzipped tarball at dst.
func archiveFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name:    filepath.Base(src),
		Mode:    0o640,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(tw, in); err != nil {
		out.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
