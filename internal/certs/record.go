package certs

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Record tracks issued TLS material for one domain. The renderer reads it
// when producing a TLS-enabled proxy bundle.
type Record struct {
	Domain    string    `json:"domain"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	KeyPath   string    `json:"key_path"`
	CertPath  string    `json:"cert_path"`
}

// Expired reports whether the certificate is past its validity at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Remaining returns the validity left at now.
func (r Record) Remaining(now time.Time) time.Duration {
	return r.ExpiresAt.Sub(now)
}

// InRenewalWindow reports whether now falls in the trailing third of the
// certificate's validity period, the window during which renewal is
// attempted.
func (r Record) InRenewalWindow(now time.Time) bool {
	validity := r.ExpiresAt.Sub(r.IssuedAt)
	if validity <= 0 {
		return true
	}
	return r.Remaining(now) < validity/3
}

func recordPath(dir, domain string) string {
	return filepath.Join(dir, domain+".json")
}

// LoadRecord reads the persisted record for domain. When the certificate
// file is readable its parsed NotBefore/NotAfter take precedence over the
// recorded timestamps, so a certificate replaced out of band is still
// reported accurately.
func LoadRecord(dir, domain string) (Record, error) {
	var r Record
	b, err := os.ReadFile(recordPath(dir, domain))
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, err
	}
	if issued, expires, err := parseCertValidity(r.CertPath); err == nil {
		r.IssuedAt = issued
		r.ExpiresAt = expires
	}
	return r, nil
}

func saveRecord(dir string, r Record) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := recordPath(dir, r.Domain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// parseCertValidity extracts the validity interval from the first
// certificate in a PEM file.
func parseCertValidity(certPath string) (time.Time, time.Time, error) {
	if certPath == "" {
		return time.Time{}, time.Time{}, errors.New("empty certificate path")
	}
	b, err := os.ReadFile(certPath)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: no certificate PEM block", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return cert.NotBefore, cert.NotAfter, nil
}
