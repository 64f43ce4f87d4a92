package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// fakeAdapter records calls and serves scripted statuses.
type fakeAdapter struct {
	mu       sync.Mutex
	statuses map[string]store.ServiceStatus
	calls    []string
	applied  string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{statuses: map[string]store.ServiceStatus{}}
}

func (f *fakeAdapter) record(op, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+name)
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) ApplyBundle(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = dir
	return nil
}

func (f *fakeAdapter) Start(ctx context.Context, svc spec.ServiceSpec) error {
	f.record("start", svc.Name)
	f.mu.Lock()
	f.statuses[svc.Name] = store.StatusRunning
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, svc spec.ServiceSpec) error {
	f.record("stop", svc.Name)
	f.mu.Lock()
	f.statuses[svc.Name] = store.StatusStopped
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[svc.Name]; ok {
		return st
	}
	return store.StatusStopped
}

func (f *fakeAdapter) Reload(ctx context.Context, svc spec.ServiceSpec) error {
	f.record("reload", svc.Name)
	return nil
}

func (f *fakeAdapter) TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error) {
	return nil, nil
}

func TestControllerStartAllOrder(t *testing.T) {
	fa := newFakeAdapter()
	c := NewController(fa, stackFixture(), store.NewStatusStore(), time.Second)

	require.NoError(t, c.StartAll(context.Background()))
	assert.Equal(t, []string{"start:database", "start:app", "start:proxy"}, fa.calls)
}

func TestControllerStartAllSkipsHealthy(t *testing.T) {
	fa := newFakeAdapter()
	fa.statuses["database"] = store.StatusRunning
	c := NewController(fa, stackFixture(), store.NewStatusStore(), time.Second)

	require.NoError(t, c.StartAll(context.Background()))
	// Already-running database with a passing (empty) health check is left
	// alone; only app and proxy are started.
	assert.Equal(t, []string{"start:app", "start:proxy"}, fa.calls)
}

func TestControllerStopAllReverseOrder(t *testing.T) {
	fa := newFakeAdapter()
	c := NewController(fa, stackFixture(), store.NewStatusStore(), time.Second)
	require.NoError(t, c.StartAll(context.Background()))
	fa.calls = nil

	require.NoError(t, c.StopAll(context.Background()))
	assert.Equal(t, []string{"stop:proxy", "stop:app", "stop:database"}, fa.calls)
}

func TestControllerStatusAllLayersHealth(t *testing.T) {
	fa := newFakeAdapter()
	fa.statuses["database"] = store.StatusRunning
	fa.statuses["app"] = store.StatusRunning

	stack := stackFixture()
	// Point the app's health check at a port nothing listens on, so the
	// probe fails while the adapter still reports the process alive.
	for i := range stack.Services {
		if stack.Services[i].Name == "app" {
			stack.Services[i].HealthCheck = "tcp://127.0.0.1:1"
		}
	}
	c := NewController(fa, stack, store.NewStatusStore(), 200*time.Millisecond)

	infos := c.StatusAll(context.Background())
	byName := map[string]store.ServiceInfo{}
	for _, i := range infos {
		byName[i.Name] = i
	}
	assert.Equal(t, store.StatusRunning, byName["database"].Status)
	assert.Equal(t, store.StatusDegraded, byName["app"].Status)
	assert.Equal(t, "unhealthy", byName["app"].LastHealth)
	assert.Equal(t, store.StatusStopped, byName["proxy"].Status)
}

func TestControllerReloadProxy(t *testing.T) {
	fa := newFakeAdapter()
	c := NewController(fa, stackFixture(), store.NewStatusStore(), time.Second)
	require.NoError(t, c.ReloadProxy(context.Background()))
	assert.Equal(t, []string{"reload:proxy"}, fa.calls)
}

func TestControllerRestartUnknownService(t *testing.T) {
	fa := newFakeAdapter()
	c := NewController(fa, stackFixture(), store.NewStatusStore(), time.Second)
	err := c.Restart(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}
