// Package health runs the recurring probe loop: service health checks
// with crash-loop protection, host disk and memory pressure warnings,
// and error-log scanning.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/lifecycle"
	"github.com/stackpilot/stackpilot/internal/metrics"
	"github.com/stackpilot/stackpilot/internal/runlock"
	"github.com/stackpilot/stackpilot/internal/runner"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// restartLockTimeout bounds how long a tick waits for the run lock before
// giving up; a held exclusive lock means another mutation is in flight and
// the restart can wait for the next tick.
const restartLockTimeout = 15 * time.Second

// Monitor owns the recurring health pass over the managed stack.
type Monitor struct {
	ctrl     *lifecycle.Controller
	stateDir string
	cfg      config.HealthConfig

	interval     time.Duration
	probeTimeout time.Duration
	window       time.Duration
	// retryDelay separates the first failed probe from its confirmation
	// probe, filtering transient blips.
	retryDelay time.Duration

	// notify receives operator-facing events (persistent failures,
	// pressure warnings). Optional.
	notify func(kind, msg string)

	now func() time.Time

	mu       sync.Mutex
	restarts map[string][]time.Time
	failed   map[string]bool
}

func NewMonitor(ctrl *lifecycle.Controller, stateDir string, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		ctrl:         ctrl,
		stateDir:     stateDir,
		cfg:          cfg,
		interval:     config.Duration(cfg.Interval, 2*time.Minute),
		probeTimeout: config.Duration(cfg.ProbeTimeout, 5*time.Second),
		window:       config.Duration(cfg.RestartWindow, 10*time.Minute),
		retryDelay:   2 * time.Second,
		now:          time.Now,
		restarts:     map[string][]time.Time{},
		failed:       map[string]bool{},
	}
}

// OnEvent registers an operator notification hook.
func (m *Monitor) OnEvent(fn func(kind, msg string)) { m.notify = fn }

// Run executes health passes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full health pass.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.checkHostPressure(ctx)
	for _, svc := range m.ctrl.Stack().Services {
		m.checkService(ctx, svc)
	}
	m.scanErrorLogs(ctx)
}

// checkService probes one service and restarts it when unhealthy, within
// the crash-loop budget. A single probe failure is retried once before it
// counts: probe timeouts and refusals are treated identically.
func (m *Monitor) checkService(ctx context.Context, svc spec.ServiceSpec) {
	if m.isFailed(svc.Name) {
		return
	}
	st := m.ctrl.Adapter().Status(ctx, svc)
	healthy := st == store.StatusRunning && runner.Probe(ctx, svc.HealthCheck, m.probeTimeout)
	if !healthy && st == store.StatusRunning {
		// Transient blips are not escalated; re-probe before acting.
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.retryDelay):
		}
		healthy = runner.Probe(ctx, svc.HealthCheck, m.probeTimeout)
	}
	metrics.SetHealthy(svc.Name, healthy)
	if healthy {
		metrics.ObserveServiceState(svc.Name, string(store.StatusRunning))
		return
	}
	if svc.RestartPolicy == spec.RestartNever {
		log.Warn().Str("service", svc.Name).Msg("unhealthy; restart policy forbids recovery")
		return
	}
	if st == store.StatusStopped && svc.RestartPolicy == spec.RestartOnFailure {
		// A clean stop is not a failure.
		return
	}
	if !m.recordRestart(svc.Name) {
		log.Error().Str("service", svc.Name).
			Int("max_restarts", m.cfg.MaxRestarts).
			Dur("window", m.window).
			Err(faults.ErrPersistentFailure).
			Msg("restart budget exhausted; giving up")
		metrics.ObserveServiceState(svc.Name, string(store.StatusDegraded))
		if m.notify != nil {
			m.notify("persistent_failure", svc.Name+" exceeded its restart budget and requires intervention")
		}
		return
	}
	log.Warn().Str("service", svc.Name).Str("status", string(st)).Msg("unhealthy; restarting")
	err := runlock.WithExclusive(ctx, m.stateDir, restartLockTimeout, func() error {
		return m.ctrl.Restart(ctx, svc.Name)
	})
	if err != nil {
		log.Error().Str("service", svc.Name).Err(err).Msg("restart failed")
		return
	}
	metrics.IncRestarts(svc.Name)
}

// recordRestart adds a restart to the rolling window and reports whether
// the budget allows it. Crossing the budget marks the service failed; no
// further automatic restarts happen until Reset.
func (m *Monitor) recordRestart(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-m.window)
	kept := m.restarts[name][:0]
	for _, t := range m.restarts[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= m.cfg.MaxRestarts {
		m.restarts[name] = kept
		m.failed[name] = true
		return false
	}
	m.restarts[name] = append(kept, now)
	return true
}

func (m *Monitor) isFailed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[name]
}

// Reset clears a service's failure mark and restart history, used after an
// operator-initiated restart.
func (m *Monitor) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, name)
	delete(m.restarts, name)
}

// Failed lists services whose restart budget is exhausted.
func (m *Monitor) Failed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, f := range m.failed {
		if f {
			out = append(out, name)
		}
	}
	return out
}

// checkHostPressure warns on disk and memory saturation. These never
// trigger restarts; they only surface to the operator.
func (m *Monitor) checkHostPressure(ctx context.Context) {
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		metrics.SetDiskUsedPercent(du.UsedPercent)
		if du.UsedPercent >= m.cfg.DiskWarnPercent {
			log.Warn().Float64("used_percent", du.UsedPercent).Msg("disk pressure high")
			if m.notify != nil {
				m.notify("disk_pressure", "disk usage above warning threshold")
			}
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.SetMemoryUsedPercent(vm.UsedPercent)
		if vm.UsedPercent >= m.cfg.MemoryWarnPercent {
			log.Warn().Float64("used_percent", vm.UsedPercent).Msg("memory pressure high")
			if m.notify != nil {
				m.notify("memory_pressure", "memory usage above warning threshold")
			}
		}
	}
}

// scanErrorLogs tails each service's error output and warns when the
// recent error density crosses the configured threshold.
func (m *Monitor) scanErrorLogs(ctx context.Context) {
	for _, svc := range m.ctrl.Stack().Services {
		lines, err := m.ctrl.Adapter().TailLog(ctx, svc, m.cfg.ErrorLogTailLines)
		if err != nil || len(lines) == 0 {
			continue
		}
		count := 0
		for _, l := range lines {
			if containsErrorMarker(l) {
				count++
			}
		}
		if count >= m.cfg.ErrorLogThreshold {
			log.Warn().Str("service", svc.Name).Int("errors", count).Msg("elevated error rate in logs")
			if m.notify != nil {
				m.notify("error_rate", svc.Name+" is logging errors at an elevated rate")
			}
		}
	}
}

func containsErrorMarker(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "error") || strings.Contains(l, "panic") || strings.Contains(l, "fatal")
}
