// Package bundle persists rendered artifact bundles on disk and tracks
// which one is active. Bundles are content-addressed by checksum; swapping
// the active bundle is a symlink-free pointer update in the JSON index so
// a crash mid-deploy never leaves a half-written active set.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stackpilot/stackpilot/internal/render"
)

// Entry records one persisted bundle.
type Entry struct {
	Checksum string    `json:"checksum"`
	Dir      string    `json:"dir"`
	Strategy string    `json:"strategy"`
	Written  time.Time `json:"written"`
}

// Index is the on-disk bundle index.
type Index struct {
	mu      sync.Mutex
	root    string
	Active  string           `json:"active"`
	Entries map[string]Entry `json:"entries"`
}

const indexFile = "index.json"

// LoadIndex reads the index under root, treating a missing file as empty.
func LoadIndex(root string) (*Index, error) {
	idx := &Index{root: root, Entries: map[string]Entry{}}
	b, err := os.ReadFile(filepath.Join(root, indexFile))
	if err != nil {
		return idx, nil
	}
	if err := json.Unmarshal(b, idx); err != nil {
		return nil, fmt.Errorf("bundle index corrupt: %w", err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]Entry{}
	}
	return idx, nil
}

func (i *Index) save() error {
	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(i.root, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ActiveEntry returns the active bundle entry if one is set.
func (i *Index) ActiveEntry() (Entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.Entries[i.Active]
	return e, ok
}

// Write persists a rendered bundle under root, reusing an existing
// directory when the checksum is already present. The environment file is
// written owner-only; everything else world-readable.
func (i *Index) Write(b *render.Bundle) (Entry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	short := b.Checksum
	if len(short) > 12 {
		short = short[:12]
	}
	dir := filepath.Join(i.root, short)
	if e, ok := i.Entries[b.Checksum]; ok {
		if _, err := os.Stat(e.Dir); err == nil {
			return e, nil
		}
	}
	// Stage into a temp dir first, then rename into place.
	tmp := dir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return Entry{}, err
	}
	for _, rel := range b.Paths() {
		dest := filepath.Join(tmp, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return Entry{}, err
		}
		mode := os.FileMode(0o644)
		if strings.HasSuffix(rel, ".env") {
			mode = 0o600
		}
		if err := os.WriteFile(dest, b.Files[rel], mode); err != nil {
			_ = os.RemoveAll(tmp)
			return Entry{}, fmt.Errorf("write bundle file %s: %w", rel, err)
		}
	}
	_ = os.RemoveAll(dir)
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return Entry{}, err
	}
	e := Entry{Checksum: b.Checksum, Dir: dir, Strategy: string(b.Strategy), Written: time.Now().UTC()}
	i.Entries[b.Checksum] = e
	if err := i.save(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Swap marks checksum as the active bundle. The entry must already be
// written; this is the atomic point of a deploy.
func (i *Index) Swap(checksum string) (Entry, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.Entries[checksum]
	if !ok {
		return Entry{}, fmt.Errorf("swap: bundle %s not written", checksum)
	}
	i.Active = checksum
	if err := i.save(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Prune removes bundle directories beyond the keep most recent, never
// touching the active one.
func (i *Index) Prune(keep int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if keep < 1 {
		keep = 1
	}
	entries := make([]Entry, 0, len(i.Entries))
	for _, e := range i.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Written.After(entries[b].Written) })
	kept := 0
	for _, e := range entries {
		if e.Checksum == i.Active || kept < keep {
			kept++
			continue
		}
		_ = os.RemoveAll(e.Dir)
		delete(i.Entries, e.Checksum)
	}
	return i.save()
}
