// Package lifecycle exposes a uniform start/stop/restart/status surface
// over the strategy-specific control mechanisms. The adapter is selected
// once at provision time from the recorded strategy; no per-call
// re-dispatch happens based on runtime inspection.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/metrics"
	"github.com/stackpilot/stackpilot/internal/runner"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// Adapter drives one strategy's underlying control mechanism.
type Adapter interface {
	Name() string
	// ApplyBundle installs the active bundle's artifacts where the
	// strategy's supervisor expects them.
	ApplyBundle(ctx context.Context, dir string) error
	Start(ctx context.Context, svc spec.ServiceSpec) error
	Stop(ctx context.Context, svc spec.ServiceSpec) error
	// Status reports process/container liveness only; health layering is
	// the controller's job.
	Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus
	// Reload asks a running service to re-read configuration without
	// dropping connections. Used for the proxy on cert or limit changes.
	Reload(ctx context.Context, svc spec.ServiceSpec) error
	// TailLog returns the last n lines of the service's error output.
	TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error)
}

// Controller sequences adapter operations over the whole managed set.
type Controller struct {
	adapter      Adapter
	stack        spec.Stack
	statuses     *store.StatusStore
	probeTimeout time.Duration
	readyTimeout time.Duration
}

func NewController(adapter Adapter, stack spec.Stack, statuses *store.StatusStore, probeTimeout time.Duration) *Controller {
	return &Controller{
		adapter:      adapter,
		stack:        stack,
		statuses:     statuses,
		probeTimeout: probeTimeout,
		readyTimeout: 60 * time.Second,
	}
}

func (c *Controller) Adapter() Adapter  { return c.adapter }
func (c *Controller) Stack() spec.Stack { return c.stack }

// SetReadyTimeout overrides how long StartAll and Restart wait for a
// service's health check to pass.
func (c *Controller) SetReadyTimeout(d time.Duration) { c.readyTimeout = d }

// StartAll starts every service in dependency order, waiting for each
// dependency layer's health before the next starts. Database readiness is
// therefore verified before app processes come up, and the proxy is last.
func (c *Controller) StartAll(ctx context.Context) error {
	order, err := StartOrder(c.stack)
	if err != nil {
		return err
	}
	for _, name := range order {
		svc, _ := c.stack.ByName(name)
		if c.adapter.Status(ctx, svc) == store.StatusRunning && c.probe(ctx, svc) {
			// Already healthy; an idempotent start leaves it alone.
			continue
		}
		log.Info().Str("service", name).Str("adapter", c.adapter.Name()).Msg("starting service")
		if err := c.adapter.Start(ctx, svc); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		if err := c.awaitHealthy(ctx, svc); err != nil {
			return err
		}
		c.statuses.Upsert(store.ServiceInfo{Name: name, Role: string(svc.Role), Status: store.StatusRunning})
		metrics.ObserveServiceState(name, string(store.StatusRunning))
	}
	return nil
}

// StopAll stops services in reverse dependency order.
func (c *Controller) StopAll(ctx context.Context) error {
	order, err := StopOrder(c.stack)
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range order {
		svc, _ := c.stack.ByName(name)
		log.Info().Str("service", name).Msg("stopping service")
		if err := c.adapter.Stop(ctx, svc); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", name, err)
		}
		c.statuses.Upsert(store.ServiceInfo{Name: name, Role: string(svc.Role), Status: store.StatusStopped})
		metrics.ObserveServiceState(name, string(store.StatusStopped))
	}
	return firstErr
}

// RestartAll is StopAll followed by StartAll.
func (c *Controller) RestartAll(ctx context.Context) error {
	if err := c.StopAll(ctx); err != nil {
		return err
	}
	return c.StartAll(ctx)
}

// Restart restarts one service.
func (c *Controller) Restart(ctx context.Context, name string) error {
	svc, ok := c.stack.ByName(name)
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	if err := c.adapter.Stop(ctx, svc); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if err := c.adapter.Start(ctx, svc); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return c.awaitHealthy(ctx, svc)
}

// StatusAll reports per-service status, layering the health probe over
// adapter liveness: alive but failing its health check is Degraded.
func (c *Controller) StatusAll(ctx context.Context) []store.ServiceInfo {
	var out []store.ServiceInfo
	for _, svc := range c.stack.Services {
		st := c.adapter.Status(ctx, svc)
		health := "unknown"
		if st == store.StatusRunning {
			if c.probe(ctx, svc) {
				health = "healthy"
			} else {
				st = store.StatusDegraded
				health = "unhealthy"
			}
		}
		info := store.ServiceInfo{Name: svc.Name, Role: string(svc.Role), Status: st, LastHealth: health}
		c.statuses.Upsert(info)
		stored, _ := c.statuses.Get(svc.Name)
		out = append(out, stored)
		metrics.ObserveServiceState(svc.Name, string(st))
		metrics.SetHealthy(svc.Name, health == "healthy")
	}
	return out
}

// ReloadProxy hot-reloads the proxy so TLS or rate-limit changes apply
// without dropping in-flight connections.
func (c *Controller) ReloadProxy(ctx context.Context) error {
	proxy, ok := c.stack.ByRole(spec.RoleProxy)
	if !ok {
		return fmt.Errorf("stack has no proxy service")
	}
	return c.adapter.Reload(ctx, proxy)
}

func (c *Controller) probe(ctx context.Context, svc spec.ServiceSpec) bool {
	return runner.Probe(ctx, svc.HealthCheck, c.probeTimeout)
}

// awaitHealthy polls the service's health check until it passes or the
// ready timeout elapses.
func (c *Controller) awaitHealthy(ctx context.Context, svc spec.ServiceSpec) error {
	if svc.HealthCheck == "" {
		return nil
	}
	deadline := time.Now().Add(c.readyTimeout)
	for {
		if c.probe(ctx, svc) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not healthy after %s", svc.Name, c.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
