// Package credentials provisions host-local secrets exactly once. Values
// are generated from a cryptographically strong source, persisted with
// owner-only visibility and never written to logs or error messages.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Credential is a named secret plus the services that consume it. The
// value is excluded from JSON so metadata listings never leak it.
type Credential struct {
	Name      string    `json:"name"`
	Value     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Consumers []string  `json:"consumers"`
}

// Provisioner stores credentials as individual files under dir, one value
// file plus one metadata file per name.
type Provisioner struct {
	dir string
}

func NewProvisioner(dir string) *Provisioner {
	return &Provisioner{dir: dir}
}

// Ensure returns the credential with the given name, generating and
// persisting it only if it does not already exist. A second call observes
// and preserves the first call's value; regeneration of a consumed
// credential only ever happens through Rotate.
func (p *Provisioner) Ensure(name string, consumers ...string) (Credential, error) {
	if c, err := p.load(name); err == nil {
		if merged := mergeConsumers(c.Consumers, consumers); len(merged) != len(c.Consumers) {
			c.Consumers = merged
			if err := p.writeMeta(c); err != nil {
				return Credential{}, err
			}
		}
		return c, nil
	}
	return p.generate(name, consumers)
}

// Rotate replaces the value for name and returns the new credential along
// with the consumers that must be re-rendered and reloaded. It is the only
// code path that regenerates an existing credential.
func (p *Provisioner) Rotate(name string) (Credential, []string, error) {
	old, err := p.load(name)
	if err != nil {
		return Credential{}, nil, fmt.Errorf("rotate %s: no existing credential: %w", name, err)
	}
	c, err := p.generate(name, old.Consumers)
	if err != nil {
		return Credential{}, nil, err
	}
	log.Warn().Str("credential", name).Strs("consumers", old.Consumers).
		Msg("credential rotated; dependent services must be re-rendered")
	return c, old.Consumers, nil
}

// List returns metadata (never values) for all stored credentials.
func (p *Provisioner) List() ([]Credential, error) {
	entries, err := os.ReadDir(p.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Credential
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		if c, err := p.load(name); err == nil {
			c.Value = ""
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provisioner) generate(name string, consumers []string) (Credential, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Credential{}, fmt.Errorf("entropy source: %w", err)
	}
	c := Credential{
		Name: name,
		// RawURLEncoding keeps the value safe to embed in connection
		// strings and env files without quoting.
		Value:     base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt: time.Now().UTC(),
		Consumers: mergeConsumers(nil, consumers),
	}
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return Credential{}, err
	}
	// Atomic write: a failed persist leaves no partial secret file behind.
	valPath := p.valuePath(name)
	tmp := valPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(c.Value), 0o600); err != nil {
		_ = os.Remove(tmp)
		return Credential{}, fmt.Errorf("persist credential %s: %w", name, err)
	}
	if err := os.Rename(tmp, valPath); err != nil {
		_ = os.Remove(tmp)
		return Credential{}, fmt.Errorf("persist credential %s: %w", name, err)
	}
	if err := p.writeMeta(c); err != nil {
		return Credential{}, err
	}
	log.Info().Str("credential", name).Msg("credential provisioned")
	return c, nil
}

func (p *Provisioner) load(name string) (Credential, error) {
	val, err := os.ReadFile(p.valuePath(name))
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if b, err := os.ReadFile(p.metaPath(name)); err == nil {
		_ = json.Unmarshal(b, &c)
	}
	c.Name = name
	c.Value = string(val)
	if c.Value == "" {
		return Credential{}, fmt.Errorf("credential %s: empty value file", name)
	}
	return c, nil
}

func (p *Provisioner) writeMeta(c Credential) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := p.metaPath(c.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Provisioner) valuePath(name string) string {
	return filepath.Join(p.dir, name+".secret")
}

func (p *Provisioner) metaPath(name string) string {
	return filepath.Join(p.dir, name+".json")
}

func mergeConsumers(have, add []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range append(append([]string{}, have...), add...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
