// Package certs manages TLS material for the serving hostnames: first
// issuance over the plain-text listener, idempotent renewal inside the
// trailing third of validity, and a reload hook so the proxy picks up new
// material without dropping connections.
package certs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/faults"
)

// Issued is the material an Issuer hands back.
type Issued struct {
	CertPEM   []byte
	KeyPEM    []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer obtains certificates. The ACME protocol itself lives behind this
// interface; tests substitute a fake.
type Issuer interface {
	Issue(ctx context.Context, domain string) (Issued, error)
}

// Manager implements the certificate lifecycle over a records directory.
type Manager struct {
	dir    string
	issuer Issuer
	now    func() time.Time
	// onRenew is invoked after material changes on disk; the orchestrator
	// wires re-render plus proxy reload here.
	onRenew func(ctx context.Context, domain string) error
}

func NewManager(dir string, issuer Issuer) *Manager {
	return &Manager{dir: dir, issuer: issuer, now: time.Now}
}

// OnRenew registers the post-renewal hook.
func (m *Manager) OnRenew(fn func(ctx context.Context, domain string) error) {
	m.onRenew = fn
}

// Load returns the current record for domain if one exists.
func (m *Manager) Load(domain string) (Record, bool) {
	r, err := LoadRecord(m.dir, domain)
	if err != nil {
		return Record{}, false
	}
	return r, true
}

// ObtainOrRenew issues a first certificate for domain, or renews the
// existing one when it is inside its renewal window. Outside the window it
// is a no-op returning the unchanged record, so it is safe to invoke on
// any schedule. A renewal failure is surfaced as a RenewalError while the
// previous record keeps serving.
func (m *Manager) ObtainOrRenew(ctx context.Context, domain string) (Record, error) {
	existing, err := LoadRecord(m.dir, domain)
	haveExisting := err == nil
	if haveExisting && !existing.InRenewalWindow(m.now()) {
		return existing, nil
	}

	issued, err := m.issuer.Issue(ctx, domain)
	if err != nil {
		if haveExisting {
			log.Warn().Str("domain", domain).Err(err).
				Msg("renewal failed; previous certificate retained")
			return existing, &faults.RenewalError{Domain: domain, Err: err}
		}
		return Record{}, &faults.RenewalError{Domain: domain, Err: err}
	}

	rec := Record{
		Domain:    domain,
		IssuedAt:  issued.IssuedAt,
		ExpiresAt: issued.ExpiresAt,
		KeyPath:   filepath.Join(m.dir, domain+".key.pem"),
		CertPath:  filepath.Join(m.dir, domain+".cert.pem"),
	}
	if err := writeKeyPair(rec, issued); err != nil {
		if haveExisting {
			return existing, &faults.RenewalError{Domain: domain, Err: err}
		}
		return Record{}, &faults.RenewalError{Domain: domain, Err: err}
	}
	if err := saveRecord(m.dir, rec); err != nil {
		return rec, err
	}
	log.Info().Str("domain", domain).Time("expires", rec.ExpiresAt).Msg("certificate issued")

	if m.onRenew != nil {
		if err := m.onRenew(ctx, domain); err != nil {
			// Material is valid on disk; the reload is retried by the next
			// monitor cycle, so report it as a warning.
			log.Warn().Str("domain", domain).Err(err).Msg("post-renewal reload failed")
		}
	}
	return rec, nil
}

func writeKeyPair(rec Record, issued Issued) error {
	if err := os.MkdirAll(filepath.Dir(rec.CertPath), 0o700); err != nil {
		return err
	}
	for _, w := range []struct {
		path string
		data []byte
	}{
		{rec.KeyPath, issued.KeyPEM},
		{rec.CertPath, issued.CertPEM},
	} {
		tmp := w.path + ".tmp"
		if err := os.WriteFile(tmp, w.data, 0o600); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, w.path); err != nil {
			_ = os.Remove(tmp)
			return err
		}
	}
	return nil
}

// ExecIssuer shells out to an operator-configured ACME client. The command
// receives the domain and contact email and must leave fullchain.pem and
// privkey.pem in its output directory. Challenge traffic rides the plain
// HTTP listener that the rendered proxy config keeps open for this path.
type ExecIssuer struct {
	Command      string
	Email        string
	OutDir       string
	ValidityDays int
}

func (e ExecIssuer) Issue(ctx context.Context, domain string) (Issued, error) {
	if e.Command == "" {
		return Issued{}, fmt.Errorf("no issue_command configured for %s", domain)
	}
	outDir := filepath.Join(e.OutDir, domain)
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return Issued{}, err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", e.Command)
	cmd.Env = append(os.Environ(),
		"STACKPILOT_CERT_DOMAIN="+domain,
		"STACKPILOT_CERT_EMAIL="+e.Email,
		"STACKPILOT_CERT_OUT="+outDir,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Issued{}, fmt.Errorf("issue command: %v: %s", err, string(out))
	}
	certPEM, err := os.ReadFile(filepath.Join(outDir, "fullchain.pem"))
	if err != nil {
		return Issued{}, fmt.Errorf("issue command produced no fullchain.pem: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(outDir, "privkey.pem"))
	if err != nil {
		return Issued{}, fmt.Errorf("issue command produced no privkey.pem: %w", err)
	}
	issued := Issued{CertPEM: certPEM, KeyPEM: keyPEM}
	// Trust the certificate itself for validity; fall back to the
	// configured nominal validity when it cannot be parsed.
	tmp := filepath.Join(outDir, "fullchain.pem")
	if nb, na, err := parseCertValidity(tmp); err == nil {
		issued.IssuedAt, issued.ExpiresAt = nb, na
	} else {
		issued.IssuedAt = time.Now().UTC()
		issued.ExpiresAt = issued.IssuedAt.AddDate(0, 0, e.ValidityDays)
	}
	return issued, nil
}

// IssuerFromConfig builds the production issuer.
func IssuerFromConfig(cfg config.CertConfig) Issuer {
	return ExecIssuer{
		Command:      cfg.IssueCommand,
		Email:        cfg.Email,
		OutDir:       filepath.Join(cfg.Dir, "work"),
		ValidityDays: cfg.ValidityDays,
	}
}
