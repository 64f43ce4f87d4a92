package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/stackpilot/stackpilot/internal/spec"
)

// Provisioning is the persisted per-host provisioning record. It is
// created by the first successful provision, read by every lifecycle
// command and updated only by provisioning or explicit re-provisioning.
// It is never deleted automatically.
type Provisioning struct {
	Strategy        spec.Strategy     `json:"strategy"`
	CredentialRefs  []string          `json:"credential_refs"`
	BundleChecksum  string            `json:"bundle_checksum"`
	BundleDir       string            `json:"bundle_dir"`
	ReleaseVersion  string            `json:"release_version"`
	LastProvisioned time.Time         `json:"last_provisioned"`
	LastDeployed    time.Time         `json:"last_deployed"`
	Hostnames       map[string]string `json:"hostnames"`
}

const fileName = "provisioning.json"

// Exists reports whether a provisioning record is present under dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, fileName))
	return err == nil
}

// Save writes the record atomically (tmp + rename) so a crash mid-write
// never leaves a truncated record behind.
func Save(dir string, p Provisioning) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fileName)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the record from dir.
func Load(dir string) (Provisioning, error) {
	var p Provisioning
	b, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	return p, nil
}
