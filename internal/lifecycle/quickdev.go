package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/hostrt"
	"github.com/stackpilot/stackpilot/internal/metrics"
	"github.com/stackpilot/stackpilot/internal/runner"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// quickdevRestartBudget bounds in-process restarts per managed service.
// The health monitor's crash-loop guard sits above this.
const quickdevRestartBudget = 3

// QuickDevAdapter supervises the stack in-process with no elevation and
// no resource limits. Nothing it does survives the supervising process.
type QuickDevAdapter struct {
	runner    *runner.ProcessRunner
	bundleDir string

	mu      sync.Mutex
	procs   map[string]*managedProc
	wg      sync.WaitGroup
	closing bool
}

type managedProc struct {
	cancel context.CancelFunc
	pid    int
	err    error // terminal RunManaged error, nil while supervised
	done   bool
}

func NewQuickDevAdapter() *QuickDevAdapter {
	return &QuickDevAdapter{runner: runner.New(), procs: map[string]*managedProc{}}
}

func (a *QuickDevAdapter) Name() string { return "quickdev" }

// ApplyBundle wraps the rendered vhost in a minimal main nginx config so
// the proxy can run unprivileged straight out of the bundle directory.
func (a *QuickDevAdapter) ApplyBundle(ctx context.Context, dir string) error {
	vhost := filepath.Join(dir, "proxy", "stackpilot.conf")
	if _, err := os.Stat(vhost); err != nil {
		return fmt.Errorf("apply bundle: %w", err)
	}
	main := fmt.Sprintf(`daemon off;
pid %s;
error_log stderr;
events {}
http {
    access_log off;
    include %s;
}
`, filepath.Join(dir, "proxy", "nginx.pid"), vhost)
	if err := os.WriteFile(filepath.Join(dir, "proxy", "nginx.conf"), []byte(main), 0o644); err != nil {
		return err
	}
	a.mu.Lock()
	a.bundleDir = dir
	a.mu.Unlock()
	return nil
}

func (a *QuickDevAdapter) options(svc spec.ServiceSpec) (runner.Options, error) {
	opts := runner.Options{
		Name:       svc.Name,
		Command:    svc.Command,
		Args:       svc.Args,
		WorkingDir: svc.WorkingDir,
	}
	a.mu.Lock()
	dir := a.bundleDir
	a.mu.Unlock()
	switch svc.Role {
	case spec.RoleProxy:
		if dir == "" {
			return opts, fmt.Errorf("no bundle applied")
		}
		opts.Args = []string{"-c", filepath.Join(dir, "proxy", "nginx.conf")}
	case spec.RoleApp:
		if dir != "" {
			env, err := envFileLines(filepath.Join(dir, "app.env"))
			if err != nil {
				return opts, fmt.Errorf("read env file: %w", err)
			}
			opts.Env = env
		}
	}
	return opts, nil
}

func (a *QuickDevAdapter) Start(ctx context.Context, svc spec.ServiceSpec) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return fmt.Errorf("adapter shutting down")
	}
	if p, ok := a.procs[svc.Name]; ok && !p.done && hostrt.IsProcessRunning(p.pid) {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	opts, err := a.options(svc)
	if err != nil {
		return err
	}
	budget := quickdevRestartBudget
	if svc.RestartPolicy == spec.RestartNever {
		budget = 0
	}

	// Supervision outlives the caller's ctx; stopping is explicit.
	runCtx, cancel := context.WithCancel(context.Background())
	proc := &managedProc{cancel: cancel}
	a.mu.Lock()
	a.procs[svc.Name] = proc
	a.mu.Unlock()

	started := make(chan struct{})
	var once sync.Once
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.runner.RunManaged(runCtx, opts, budget,
			func(h *runner.ProcessHandle) {
				a.mu.Lock()
				proc.pid = h.PID
				a.mu.Unlock()
				metrics.IncRestarts(svc.Name)
				go metrics.SampleProcessMetrics(runCtx, svc.Name, h.PID)
				once.Do(func() { close(started) })
			},
			nil)
		a.mu.Lock()
		proc.err = err
		proc.done = true
		a.mu.Unlock()
		once.Do(func() { close(started) })
		if err != nil {
			log.Error().Str("service", svc.Name).Err(err).Msg("service supervision ended")
		}
	}()

	select {
	case <-started:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if proc.done && proc.err != nil {
		return proc.err
	}
	return nil
}

func (a *QuickDevAdapter) Stop(ctx context.Context, svc spec.ServiceSpec) error {
	a.mu.Lock()
	proc, ok := a.procs[svc.Name]
	if ok {
		delete(a.procs, svc.Name)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	proc.cancel()
	if proc.pid > 0 {
		_ = a.runner.StopPIDs([]int{proc.pid}, 10*time.Second)
	}
	return nil
}

func (a *QuickDevAdapter) Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	proc, ok := a.procs[svc.Name]
	if !ok {
		return store.StatusStopped
	}
	if proc.done {
		if proc.err != nil {
			return store.StatusDegraded
		}
		return store.StatusStopped
	}
	if proc.pid > 0 && hostrt.IsProcessRunning(proc.pid) {
		return store.StatusRunning
	}
	return store.StatusUnknown
}

// Reload sends SIGHUP to the service's process group.
func (a *QuickDevAdapter) Reload(ctx context.Context, svc spec.ServiceSpec) error {
	a.mu.Lock()
	proc, ok := a.procs[svc.Name]
	a.mu.Unlock()
	if !ok || proc.pid <= 0 {
		return fmt.Errorf("%s is not running", svc.Name)
	}
	return syscall.Kill(-proc.pid, syscall.SIGHUP)
}

// TailLog reads the last n lines of the service's log file when one is
// configured; quickdev processes otherwise stream into the shared logger.
func (a *QuickDevAdapter) TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error) {
	if svc.LogPath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(svc.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Close stops all supervision and waits for goroutines to drain.
func (a *QuickDevAdapter) Close() {
	a.mu.Lock()
	a.closing = true
	procs := a.procs
	a.procs = map[string]*managedProc{}
	a.mu.Unlock()
	for _, p := range procs {
		p.cancel()
	}
	a.wg.Wait()
}
