package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/events"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/lifecycle"
	"github.com/stackpilot/stackpilot/internal/preflight"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/state"
	"github.com/stackpilot/stackpilot/internal/store"
)

// fakeAdapter records lifecycle calls; pingErr simulates an unreachable
// container engine.
type fakeAdapter struct {
	mu      sync.Mutex
	calls   []string
	pingErr error
}

func (f *fakeAdapter) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeAdapter) ApplyBundle(ctx context.Context, dir string) error {
	f.record("apply")
	return nil
}

func (f *fakeAdapter) Start(ctx context.Context, svc spec.ServiceSpec) error {
	f.record("start:" + svc.Name)
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, svc spec.ServiceSpec) error {
	f.record("stop:" + svc.Name)
	return nil
}

func (f *fakeAdapter) Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus {
	return store.StatusStopped
}

func (f *fakeAdapter) Reload(ctx context.Context, svc spec.ServiceSpec) error {
	f.record("reload:" + svc.Name)
	return nil
}

func (f *fakeAdapter) TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error) {
	return nil, nil
}

func listen(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func testOrchestrator(t *testing.T, adapter lifecycle.Adapter) (*Orchestrator, *config.Config) {
	t.Helper()
	stateDir := t.TempDir()
	cfg := &config.Config{
		StateDir:  stateDir,
		Hostnames: config.Hostnames{Public: "example.com", Admin: "admin.example.com"},
		Proxy:     config.ProxyConfig{HTTPPort: listen(t), HTTPSPort: 443, AdminPath: "/admin"},
		App: config.AppConfig{
			ListenPort: listen(t),
			Image:      "registry.example.com/app:latest",
			Replicas:   1,
		},
		Database: config.DatabaseConfig{
			ListenPort: listen(t),
			Name:       "app",
			User:       "app",
			Image:      "postgres:16",
		},
		Health: config.HealthConfig{ProbeTimeout: "200ms"},
	}
	cfg.App.HealthCheck = fmt.Sprintf("tcp://127.0.0.1:%d", cfg.App.ListenPort)

	o := New(cfg, events.Connect(config.EventsConfig{}, "test-host"))
	o.gather = func(ctx context.Context) (preflight.Host, error) {
		return preflight.Host{
			EffectiveUID:    1000,
			ElevationOnPath: true,
			OSFamily:        "debian",
			MemoryMB:        8192,
			FreeDiskMB:      51200,
		}, nil
	}
	o.newAdapter = func(spec.Strategy) (lifecycle.Adapter, error) { return adapter, nil }
	return o, cfg
}

func TestProvisionStartsStackAndRecordsState(t *testing.T) {
	fa := &fakeAdapter{}
	o, cfg := testOrchestrator(t, fa)

	require.NoError(t, o.Provision(context.Background(), spec.StrategyContainerized, false))

	st, err := state.Load(cfg.StateDir)
	require.NoError(t, err)
	assert.Equal(t, spec.StrategyContainerized, st.Strategy)
	assert.NotEmpty(t, st.BundleChecksum)

	calls := fa.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "apply", calls[0])
	assert.Contains(t, calls, "start:database")
	assert.Contains(t, calls, "start:app")
	assert.Contains(t, calls, "start:proxy")

	assert.FileExists(t, filepath.Join(cfg.StateDir, "credentials", "db-password.secret"))
	assert.FileExists(t, filepath.Join(cfg.StateDir, "credentials", "session-secret.secret"))
}

func TestProvisionUnreachableEngineAbortsBeforeMutation(t *testing.T) {
	fa := &fakeAdapter{pingErr: errors.New("cannot connect to the daemon")}
	o, cfg := testOrchestrator(t, fa)

	err := o.Provision(context.Background(), spec.StrategyContainerized, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")

	// Nothing was written or started.
	assert.Empty(t, fa.Calls())
	assert.False(t, state.Exists(cfg.StateDir))
	assert.NoFileExists(t, filepath.Join(cfg.StateDir, "credentials", "db-password.secret"))
}

func TestRenewCertificatesSingleDomain(t *testing.T) {
	o, _ := testOrchestrator(t, &fakeAdapter{})

	// No issue command is configured, so the attempt fails for exactly the
	// requested domain.
	err := o.RenewCertificates(context.Background(), "example.com")
	require.Error(t, err)
	var re *faults.RenewalError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "example.com", re.Domain)
	assert.NotContains(t, err.Error(), "admin.example.com")
}

func TestRenewCertificatesDefaultsToBothHostnames(t *testing.T) {
	o, _ := testOrchestrator(t, &fakeAdapter{})

	err := o.RenewCertificates(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "example.com")
	assert.Contains(t, err.Error(), "admin.example.com")
}
