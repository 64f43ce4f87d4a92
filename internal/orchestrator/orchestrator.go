// Package orchestrator ties the subsystems together behind the operation
// surface the CLI and the agent expose: provision, lifecycle control,
// credential rotation and certificate renewal. Every mutating operation
// runs under the exclusive run lock; reads take it shared.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/bundle"
	"github.com/stackpilot/stackpilot/internal/certs"
	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/credentials"
	"github.com/stackpilot/stackpilot/internal/events"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/lifecycle"
	"github.com/stackpilot/stackpilot/internal/preflight"
	"github.com/stackpilot/stackpilot/internal/render"
	"github.com/stackpilot/stackpilot/internal/runlock"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/state"
	"github.com/stackpilot/stackpilot/internal/store"
)

const lockTimeout = 30 * time.Second

// Orchestrator owns the wired subsystems for one host.
type Orchestrator struct {
	cfg      *config.Config
	creds    *credentials.Provisioner
	certmgr  *certs.Manager
	statuses *store.StatusStore
	pub      *events.Publisher

	// Injectable seams for tests.
	gather     func(ctx context.Context) (preflight.Host, error)
	newAdapter func(strategy spec.Strategy) (lifecycle.Adapter, error)

	mu   sync.Mutex
	ctrl *lifecycle.Controller
}

func New(cfg *config.Config, pub *events.Publisher) *Orchestrator {
	certCfg := cfg.Certs
	if certCfg.Dir == "" {
		certCfg.Dir = filepath.Join(cfg.StateDir, "certs")
	}
	o := &Orchestrator{
		cfg:      cfg,
		creds:    credentials.NewProvisioner(filepath.Join(cfg.StateDir, "credentials")),
		certmgr:  certs.NewManager(certCfg.Dir, certs.IssuerFromConfig(certCfg)),
		statuses: store.NewStatusStore(),
		pub:      pub,
		gather:   preflight.Gather,
	}
	o.newAdapter = defaultAdapter
	o.certmgr.OnRenew(func(ctx context.Context, domain string) error {
		return o.refreshBundle(ctx)
	})
	return o
}

func defaultAdapter(strategy spec.Strategy) (lifecycle.Adapter, error) {
	switch strategy {
	case spec.StrategyContainerized:
		return lifecycle.NewDockerAdapter()
	case spec.StrategyNative:
		return lifecycle.NewNativeAdapter(), nil
	case spec.StrategyQuickDev:
		return lifecycle.NewQuickDevAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

func (o *Orchestrator) Config() *config.Config                { return o.cfg }
func (o *Orchestrator) Credentials() *credentials.Provisioner { return o.creds }
func (o *Orchestrator) Certificates() *certs.Manager          { return o.certmgr }
func (o *Orchestrator) Statuses() *store.StatusStore          { return o.statuses }

// State loads the provisioning record.
func (o *Orchestrator) State() (state.Provisioning, error) {
	return state.Load(o.cfg.StateDir)
}

// Controller returns the lifecycle controller for the provisioned
// strategy, constructing it on first use.
func (o *Orchestrator) Controller(ctx context.Context) (*lifecycle.Controller, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctrl != nil {
		return o.ctrl, nil
	}
	st, err := state.Load(o.cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("host is not provisioned: %w", err)
	}
	return o.controllerFor(st.Strategy)
}

func (o *Orchestrator) controllerFor(strategy spec.Strategy) (*lifecycle.Controller, error) {
	adapter, err := o.newAdapter(strategy)
	if err != nil {
		return nil, err
	}
	probeTimeout := config.Duration(o.cfg.Health.ProbeTimeout, 5*time.Second)
	o.ctrl = lifecycle.NewController(adapter, o.cfg.BuildStack(strategy), o.statuses, probeTimeout)
	return o.ctrl, nil
}

// Provision prepares the host end to end: preflight checks, credentials,
// first certificate attempt, rendered bundle, and a started stack. It is
// idempotent; re-running against an already provisioned host converges
// without regenerating credentials. Changing the recorded strategy
// requires reprovision.
func (o *Orchestrator) Provision(ctx context.Context, strategy spec.Strategy, reprovision bool) error {
	return runlock.WithExclusive(ctx, o.cfg.StateDir, lockTimeout, func() error {
		return o.provision(ctx, strategy, reprovision)
	})
}

func (o *Orchestrator) provision(ctx context.Context, strategy spec.Strategy, reprovision bool) error {
	if st, err := state.Load(o.cfg.StateDir); err == nil {
		if st.Strategy != strategy && !reprovision {
			return fmt.Errorf("%w (recorded %q, requested %q)", faults.ErrStrategyImmutable, st.Strategy, strategy)
		}
	}

	host, err := o.gather(ctx)
	if err != nil {
		return fmt.Errorf("inspect host: %w", err)
	}
	report := preflight.Validate(host, o.cfg.Preflight)
	for _, w := range report.Warnings {
		log.Warn().Msg(w)
	}
	if err := report.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	ctrl, err := o.controllerFor(strategy)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	// A strategy whose control plane is a daemon must be reachable before
	// anything is written.
	if p, ok := ctrl.Adapter().(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s control plane unreachable: %w", ctrl.Adapter().Name(), err)
		}
	}

	if _, err := o.creds.Ensure(render.CredDBPassword, "app", "database"); err != nil {
		return err
	}
	if _, err := o.creds.Ensure(render.CredSessionSecret, "app"); err != nil {
		return err
	}

	// First issuance rides the plain HTTP listener, so a failure here only
	// delays TLS; the stack still comes up serving plain traffic.
	if o.cfg.Certs.IssueCommand != "" {
		if _, err := o.certmgr.ObtainOrRenew(ctx, o.cfg.Hostnames.Public); err != nil {
			log.Warn().Err(err).Msg("initial certificate issuance failed; continuing without TLS")
		}
	}

	entry, b, err := o.stageBundle(strategy)
	if err != nil {
		return err
	}
	if err := ctrl.Adapter().ApplyBundle(ctx, entry.Dir); err != nil {
		return err
	}
	if err := ctrl.StartAll(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	st := state.Provisioning{
		Strategy:        strategy,
		CredentialRefs:  []string{render.CredDBPassword, render.CredSessionSecret},
		BundleChecksum:  b.Checksum,
		BundleDir:       entry.Dir,
		LastProvisioned: now,
		Hostnames: map[string]string{
			"public": o.cfg.Hostnames.Public,
			"admin":  o.cfg.Hostnames.Admin,
		},
	}
	if prev, err := state.Load(o.cfg.StateDir); err == nil {
		st.ReleaseVersion = prev.ReleaseVersion
		st.LastDeployed = prev.LastDeployed
	}
	if err := state.Save(o.cfg.StateDir, st); err != nil {
		return err
	}
	o.pub.Publish("provisioned", fmt.Sprintf("host provisioned with %s strategy", strategy))
	log.Info().Str("strategy", string(strategy)).Bool("tls", b.TLSReady).Msg("provisioning complete")
	return nil
}

// stageBundle renders the current configuration and makes it the active
// bundle.
func (o *Orchestrator) stageBundle(strategy spec.Strategy) (bundle.Entry, *render.Bundle, error) {
	b, err := o.renderBundle(strategy)
	if err != nil {
		return bundle.Entry{}, nil, err
	}
	for _, w := range b.Warnings {
		log.Warn().Msg(w)
	}
	idx, err := bundle.LoadIndex(filepath.Join(o.cfg.StateDir, "bundles"))
	if err != nil {
		return bundle.Entry{}, nil, err
	}
	entry, err := idx.Write(b)
	if err != nil {
		return bundle.Entry{}, nil, err
	}
	if _, err := idx.Swap(b.Checksum); err != nil {
		return bundle.Entry{}, nil, err
	}
	return entry, b, nil
}

func (o *Orchestrator) renderBundle(strategy spec.Strategy) (*render.Bundle, error) {
	db, err := o.creds.Ensure(render.CredDBPassword, "app", "database")
	if err != nil {
		return nil, err
	}
	sess, err := o.creds.Ensure(render.CredSessionSecret, "app")
	if err != nil {
		return nil, err
	}
	in := render.Input{
		Strategy: strategy,
		Stack:    o.cfg.BuildStack(strategy),
		Config:   o.cfg,
		Creds: map[string]credentials.Credential{
			render.CredDBPassword:    db,
			render.CredSessionSecret: sess,
		},
		Expired: func(r certs.Record) bool { return r.Expired(time.Now()) },
	}
	if rec, ok := o.certmgr.Load(o.cfg.Hostnames.Public); ok {
		in.Cert = &rec
	}
	if rec, ok := o.certmgr.Load(o.cfg.Hostnames.Admin); ok {
		in.AdminCert = &rec
	}
	// Re-renders must agree byte for byte with the deployed bundle, so the
	// deployed release reference is carried through.
	if st, err := state.Load(o.cfg.StateDir); err == nil && st.ReleaseVersion != "" {
		ref := &render.ReleaseRef{Version: st.ReleaseVersion}
		link := render.ReleaseLink(o.cfg.StateDir)
		if _, err := os.Lstat(link); err == nil {
			ref.Dir = link
		}
		in.Release = ref
	}
	return render.Render(in)
}

// refreshBundle re-renders against current credentials and certificates,
// applies the result and hot-reloads the proxy.
func (o *Orchestrator) refreshBundle(ctx context.Context) error {
	st, err := state.Load(o.cfg.StateDir)
	if err != nil {
		return fmt.Errorf("host is not provisioned: %w", err)
	}
	ctrl, err := o.Controller(ctx)
	if err != nil {
		return err
	}
	entry, b, err := o.stageBundle(st.Strategy)
	if err != nil {
		return err
	}
	if b.Checksum == st.BundleChecksum {
		return nil
	}
	if err := ctrl.Adapter().ApplyBundle(ctx, entry.Dir); err != nil {
		return err
	}
	if err := ctrl.ReloadProxy(ctx); err != nil {
		return err
	}
	st.BundleChecksum = b.Checksum
	st.BundleDir = entry.Dir
	return state.Save(o.cfg.StateDir, st)
}

// Start, Stop, Restart and RestartService hold the exclusive lock for the
// duration of the transition.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.withCtrlExclusive(ctx, func(ctrl *lifecycle.Controller) error {
		return ctrl.StartAll(ctx)
	})
}

func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.withCtrlExclusive(ctx, func(ctrl *lifecycle.Controller) error {
		return ctrl.StopAll(ctx)
	})
}

func (o *Orchestrator) Restart(ctx context.Context) error {
	return o.withCtrlExclusive(ctx, func(ctrl *lifecycle.Controller) error {
		return ctrl.RestartAll(ctx)
	})
}

func (o *Orchestrator) RestartService(ctx context.Context, name string) error {
	return o.withCtrlExclusive(ctx, func(ctrl *lifecycle.Controller) error {
		return ctrl.Restart(ctx, name)
	})
}

func (o *Orchestrator) withCtrlExclusive(ctx context.Context, fn func(*lifecycle.Controller) error) error {
	ctrl, err := o.Controller(ctx)
	if err != nil {
		return err
	}
	return runlock.WithExclusive(ctx, o.cfg.StateDir, lockTimeout, func() error {
		return fn(ctrl)
	})
}

// Status reports per-service status under the shared lock, so it never
// blocks behind other readers and never races a mutation.
func (o *Orchestrator) Status(ctx context.Context) ([]store.ServiceInfo, error) {
	ctrl, err := o.Controller(ctx)
	if err != nil {
		return nil, err
	}
	lock := runlock.New(o.cfg.StateDir)
	if err := lock.Acquire(ctx, runlock.Shared, lockTimeout); err != nil {
		return nil, err
	}
	defer lock.Release()
	return ctrl.StatusAll(ctx), nil
}

// RenewCertificates runs the renewal check for the given domains, or for
// both serving hostnames when none are named. A renewal failure for one
// domain does not stop the others; errors are joined.
func (o *Orchestrator) RenewCertificates(ctx context.Context, domains ...string) error {
	if len(domains) == 0 {
		domains = []string{o.cfg.Hostnames.Public, o.cfg.Hostnames.Admin}
	}
	return runlock.WithExclusive(ctx, o.cfg.StateDir, lockTimeout, func() error {
		var errs []error
		for _, domain := range domains {
			if _, err := o.certmgr.ObtainOrRenew(ctx, domain); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// RotateCredential regenerates a credential, re-renders everything that
// embeds it and restarts its consumers. Returns the restarted consumers.
func (o *Orchestrator) RotateCredential(ctx context.Context, name string) ([]string, error) {
	ctrl, err := o.Controller(ctx)
	if err != nil {
		return nil, err
	}
	var consumers []string
	err = runlock.WithExclusive(ctx, o.cfg.StateDir, lockTimeout, func() error {
		_, c, err := o.creds.Rotate(name)
		if err != nil {
			return err
		}
		consumers = c
		if err := o.refreshBundle(ctx); err != nil {
			return err
		}
		for _, svc := range consumers {
			if _, ok := ctrl.Stack().ByName(svc); !ok {
				continue
			}
			if err := ctrl.Restart(ctx, svc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.pub.Publish("credential_rotated", name+" rotated; consumers restarted")
	return consumers, nil
}
