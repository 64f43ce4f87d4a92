// Package preflight checks host capability before any mutation. All checks
// are independent; every failure and warning is collected so the operator
// sees the complete remediation list in one pass instead of fixing one
// item per run.
package preflight

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/faults"
)

// Host holds the facts the validator evaluates. Production code fills it
// with Gather; tests construct it directly.
type Host struct {
	EffectiveUID    int
	ElevationOnPath bool
	OSFamily        string
	MemoryMB        uint64
	FreeDiskMB      uint64
}

// Report is the outcome of a validation pass.
type Report struct {
	Failures []string
	Warnings []string
}

// OK reports whether the host passed all hard checks.
func (r Report) OK() bool { return len(r.Failures) == 0 }

// Err converts a failed report into a PreflightError, nil otherwise.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &faults.PreflightError{Failures: r.Failures}
}

var supportedFamilies = map[string]struct{}{
	"debian": {}, "ubuntu": {}, "rhel": {}, "fedora": {},
}

// Gather samples the live host.
func Gather(ctx context.Context) (Host, error) {
	h := Host{EffectiveUID: os.Geteuid()}
	if _, err := exec.LookPath("sudo"); err == nil {
		h.ElevationOnPath = true
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		h.OSFamily = strings.ToLower(info.PlatformFamily)
		if h.OSFamily == "" {
			h.OSFamily = strings.ToLower(info.Platform)
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemoryMB = vm.Total / (1024 * 1024)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		h.FreeDiskMB = du.Free / (1024 * 1024)
	}
	return h, nil
}

// Validate runs every check against the given facts and collects all
// outcomes. It never mutates the host.
func Validate(h Host, cfg config.PreflightConfig) Report {
	var r Report

	// Mutations run via explicit elevation, never as the top-level
	// identity, to bound blast radius.
	if h.EffectiveUID == 0 {
		r.Failures = append(r.Failures, "running as the superuser: invoke as an unprivileged user with elevation available")
	}
	if !h.ElevationOnPath {
		r.Failures = append(r.Failures, "no elevation capability: sudo not found on PATH")
	}

	if _, ok := supportedFamilies[h.OSFamily]; !ok {
		// Unsupported families degrade to a warning, not a failure.
		r.Warnings = append(r.Warnings, "unsupported OS family "+h.OSFamily+": proceeding without package-manager integration")
	}

	switch {
	case h.MemoryMB < cfg.MinMemoryMB:
		r.Failures = append(r.Failures, "insufficient memory: below absolute floor")
	case h.MemoryMB < cfg.WarnMemoryMB:
		r.Warnings = append(r.Warnings, "memory below recommended minimum")
	}

	switch {
	case h.FreeDiskMB < cfg.MinDiskMB:
		r.Failures = append(r.Failures, "insufficient disk: too low to write an artifact bundle")
	case h.FreeDiskMB < cfg.WarnDiskMB:
		r.Warnings = append(r.Warnings, "free disk below recommended minimum")
	}

	for _, w := range r.Warnings {
		log.Warn().Str("check", "preflight").Msg(w)
	}
	return r
}
