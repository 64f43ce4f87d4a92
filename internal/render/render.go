// Package render turns a typed service stack into the strategy-specific
// artifact bundle: proxy virtual hosts, a supervision or orchestration
// manifest and the app-scoped environment file. Rendering is a pure
// function of its inputs: identical spec, credentials and certificate
// state yield a byte-identical bundle, which is what makes re-provisioning
// idempotent and lets the deploy pipeline compare checksums instead of
// diffing files.
package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/stackpilot/stackpilot/internal/certs"
	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/credentials"
	"github.com/stackpilot/stackpilot/internal/spec"
)

// Bundle is one rendered artifact set. Files maps bundle-relative paths to
// content. Checksum covers every file in canonical path order.
type Bundle struct {
	Strategy spec.Strategy
	Files    map[string][]byte
	Checksum string
	// TLSReady is set only when a live, unexpired certificate was rendered
	// into the proxy config.
	TLSReady bool
	Warnings []string
}

// Paths reports bundle file paths in canonical order.
func (b *Bundle) Paths() []string {
	out := make([]string, 0, len(b.Files))
	for p := range b.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Input collects everything Render consumes. Credentials are passed by
// name; only the env file ever sees their values.
type Input struct {
	Strategy spec.Strategy
	Stack    spec.Stack
	Config   *config.Config
	Creds    map[string]credentials.Credential
	// Cert serves the public hostname; AdminCert the admin hostname. When
	// AdminCert is absent the admin virtual host serves the public material.
	Cert      *certs.Record
	AdminCert *certs.Record
	// Release identifies the application artifact the bundle points at.
	Release *ReleaseRef
	// Now is used solely to judge certificate expiry, never rendered.
	Expired func(certs.Record) bool
}

// ReleaseRef names the deployed application version and the stable
// current-release pointer the rendered artifacts reference. Dir is empty
// when the release ships no artifact (image-only or first provision).
type ReleaseRef struct {
	Version string
	Dir     string
}

// ReleaseLink is the stable filesystem pointer to the active release
// artifact. The deploy pipeline retargets it atomically at swap time, so
// rendered artifacts can reference it without re-rendering per version.
func ReleaseLink(stateDir string) string {
	return filepath.Join(stateDir, "releases", "current")
}

// Credential names the renderer expects.
const (
	CredDBPassword    = "db-password"
	CredSessionSecret = "session-secret"
)

// Render produces the bundle for the given input.
func Render(in Input) (*Bundle, error) {
	if in.Config == nil {
		return nil, fmt.Errorf("render: nil config")
	}
	dbCred, ok := in.Creds[CredDBPassword]
	if !ok || dbCred.Value == "" {
		return nil, fmt.Errorf("render: credential %q not provisioned", CredDBPassword)
	}
	sessCred, ok := in.Creds[CredSessionSecret]
	if !ok || sessCred.Value == "" {
		return nil, fmt.Errorf("render: credential %q not provisioned", CredSessionSecret)
	}

	b := &Bundle{Strategy: in.Strategy, Files: map[string][]byte{}}

	cert := in.Cert
	if cert != nil && in.Expired != nil && in.Expired(*cert) {
		// An expired record must not be marked ready for TLS: fall back to
		// the plain-traffic bundle and let the certificate manager catch up.
		b.Warnings = append(b.Warnings,
			fmt.Sprintf("certificate for %s expired; rendering plain-traffic bundle", cert.Domain))
		cert = nil
	}
	b.TLSReady = cert != nil

	adminCert := in.AdminCert
	if adminCert != nil && in.Expired != nil && in.Expired(*adminCert) {
		b.Warnings = append(b.Warnings,
			fmt.Sprintf("certificate for %s expired; admin host serves the public certificate", adminCert.Domain))
		adminCert = nil
	}

	proxyConf, err := renderProxy(in, cert, adminCert)
	if err != nil {
		return nil, err
	}
	b.Files["proxy/stackpilot.conf"] = proxyConf

	envFile, err := renderEnv(in, dbCred.Value, sessCred.Value)
	if err != nil {
		return nil, err
	}
	b.Files["app.env"] = envFile

	switch in.Strategy {
	case spec.StrategyContainerized:
		manifest, err := renderCompose(in)
		if err != nil {
			return nil, err
		}
		b.Files["compose.yaml"] = manifest
	case spec.StrategyNative, spec.StrategyQuickDev:
		units, err := renderUnits(in)
		if err != nil {
			return nil, err
		}
		for name, content := range units {
			b.Files["supervisor/"+name] = content
		}
	default:
		return nil, fmt.Errorf("render: unknown strategy %q", in.Strategy)
	}

	b.Checksum = checksum(b.Files)
	return b, nil
}

// checksum hashes files in canonical path order so map iteration order
// never leaks into the result.
func checksum(files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(files[p])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func execTemplate(name, src string, data any) ([]byte, error) {
	t, err := template.New(name).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
