package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/lifecycle"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// crashingAdapter reports the service alive while its health check (a
// closed port) keeps failing, driving the crash-loop guard.
type crashingAdapter struct {
	mu     sync.Mutex
	starts int
	logs   []string
}

func (f *crashingAdapter) Name() string { return "fake" }

func (f *crashingAdapter) ApplyBundle(ctx context.Context, dir string) error { return nil }

func (f *crashingAdapter) Start(ctx context.Context, svc spec.ServiceSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *crashingAdapter) Stop(ctx context.Context, svc spec.ServiceSpec) error { return nil }

func (f *crashingAdapter) Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus {
	return store.StatusRunning
}

func (f *crashingAdapter) Reload(ctx context.Context, svc spec.ServiceSpec) error { return nil }

func (f *crashingAdapter) TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *crashingAdapter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func unhealthyStack() spec.Stack {
	return spec.Stack{Services: []spec.ServiceSpec{{
		Name:          "app",
		Role:          spec.RoleApp,
		HealthCheck:   "tcp://127.0.0.1:1",
		RestartPolicy: spec.RestartOnFailure,
	}}}
}

func testMonitor(t *testing.T, fa lifecycle.Adapter, stack spec.Stack, maxRestarts int) *Monitor {
	t.Helper()
	ctrl := lifecycle.NewController(fa, stack, store.NewStatusStore(), 100*time.Millisecond)
	ctrl.SetReadyTimeout(200 * time.Millisecond)
	m := NewMonitor(ctrl, t.TempDir(), config.HealthConfig{
		Interval:          "1s",
		ProbeTimeout:      "100ms",
		MaxRestarts:       maxRestarts,
		RestartWindow:     "10m",
		DiskWarnPercent:   101, // never trips in tests
		MemoryWarnPercent: 101,
		ErrorLogThreshold: 3,
		ErrorLogTailLines: 50,
	})
	m.retryDelay = 10 * time.Millisecond
	return m
}

func TestCrashLoopGuardStopsRestarting(t *testing.T) {
	fa := &crashingAdapter{}
	m := testMonitor(t, fa, unhealthyStack(), 3)

	var notices []string
	m.OnEvent(func(kind, msg string) { notices = append(notices, kind) })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.RunOnce(ctx)
	}

	// Three restarts within the window, then the guard trips and the
	// remaining passes leave the service alone.
	assert.Equal(t, 3, fa.startCount())
	assert.Equal(t, []string{"app"}, m.Failed())
	assert.Contains(t, notices, "persistent_failure")
}

func TestResetClearsFailureMark(t *testing.T) {
	fa := &crashingAdapter{}
	m := testMonitor(t, fa, unhealthyStack(), 1)

	ctx := context.Background()
	m.RunOnce(ctx)
	m.RunOnce(ctx)
	require.Equal(t, []string{"app"}, m.Failed())

	m.Reset("app")
	assert.Empty(t, m.Failed())

	m.RunOnce(ctx)
	assert.Equal(t, 2, fa.startCount(), "a reset service earns a fresh restart budget")
}

func TestHealthyServiceNotRestarted(t *testing.T) {
	fa := &crashingAdapter{}
	// Empty health check always passes.
	stack := spec.Stack{Services: []spec.ServiceSpec{{
		Name: "app", Role: spec.RoleApp, RestartPolicy: spec.RestartOnFailure,
	}}}
	m := testMonitor(t, fa, stack, 3)

	m.RunOnce(context.Background())
	assert.Zero(t, fa.startCount())
	assert.Empty(t, m.Failed())
}

func TestRestartNeverPolicyRespected(t *testing.T) {
	fa := &crashingAdapter{}
	stack := unhealthyStack()
	stack.Services[0].RestartPolicy = spec.RestartNever
	m := testMonitor(t, fa, stack, 3)

	m.RunOnce(context.Background())
	assert.Zero(t, fa.startCount())
}

func TestErrorLogScanNotifies(t *testing.T) {
	fa := &crashingAdapter{logs: []string{
		"ERROR: connection refused",
		"error: retrying",
		"panic: oh no",
		"info: fine",
	}}
	stack := spec.Stack{Services: []spec.ServiceSpec{{
		Name: "app", Role: spec.RoleApp, RestartPolicy: spec.RestartOnFailure,
	}}}
	m := testMonitor(t, fa, stack, 3)

	var notices []string
	m.OnEvent(func(kind, msg string) { notices = append(notices, kind) })
	m.RunOnce(context.Background())
	assert.Contains(t, notices, "error_rate")
}
