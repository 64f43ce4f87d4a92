// Package deploy drives the release pipeline: validate the candidate,
// stage its bundle, swap atomically, restart in dependency order and
// verify health within a bounded grace period. Validation always precedes
// mutation; a rejected release leaves the running stack untouched.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/bundle"
	"github.com/stackpilot/stackpilot/internal/certs"
	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/credentials"
	"github.com/stackpilot/stackpilot/internal/faults"
	"github.com/stackpilot/stackpilot/internal/lifecycle"
	"github.com/stackpilot/stackpilot/internal/metrics"
	"github.com/stackpilot/stackpilot/internal/render"
	"github.com/stackpilot/stackpilot/internal/runlock"
	"github.com/stackpilot/stackpilot/internal/runner"
	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/state"
	"github.com/stackpilot/stackpilot/internal/store"
	"github.com/stackpilot/stackpilot/internal/validate"
)

// keepBundles is how many inactive bundles survive pruning after a deploy.
const keepBundles = 3

// Release is a deployable release descriptor.
type Release struct {
	Version     string `toml:"version"`
	ArtifactURL string `toml:"artifact_url"`
	SHA256      string `toml:"sha256"`
	Notes       string `toml:"notes"`
}

// LoadRelease parses and validates a release descriptor. Any defect is a
// validation failure; nothing on the host has been touched yet.
func LoadRelease(path string) (Release, error) {
	var rel Release
	b, err := os.ReadFile(path)
	if err != nil {
		return rel, &faults.ValidationError{Artifact: path, Reason: err.Error()}
	}
	if err := toml.Unmarshal(b, &rel); err != nil {
		return rel, &faults.ValidationError{Artifact: path, Reason: "malformed descriptor: " + err.Error()}
	}
	var generic map[string]any
	if err := toml.Unmarshal(b, &generic); err == nil {
		if err := validate.ValidateReleaseMap(generic); err != nil {
			return rel, &faults.ValidationError{Artifact: path, Reason: err.Error()}
		}
	}
	if _, err := semver.NewVersion(rel.Version); err != nil {
		return rel, &faults.ValidationError{Artifact: path, Reason: fmt.Sprintf("version %q is not semver: %v", rel.Version, err)}
	}
	if rel.ArtifactURL != "" && rel.SHA256 == "" {
		return rel, &faults.ValidationError{Artifact: path, Reason: "artifact_url requires sha256"}
	}
	return rel, nil
}

// Deployer runs deploys against a provisioned host.
type Deployer struct {
	cfg   *config.Config
	ctrl  *lifecycle.Controller
	creds *credentials.Provisioner

	grace        time.Duration
	lockTimeout  time.Duration
	probeTimeout time.Duration
	// fetch is injectable for tests.
	fetch func(ctx context.Context, url, sum, dest string) error
}

func NewDeployer(cfg *config.Config, ctrl *lifecycle.Controller, creds *credentials.Provisioner) *Deployer {
	return &Deployer{
		cfg:          cfg,
		ctrl:         ctrl,
		creds:        creds,
		grace:        60 * time.Second,
		lockTimeout:  30 * time.Second,
		probeTimeout: config.Duration(cfg.Health.ProbeTimeout, 5*time.Second),
		fetch:        fetchArtifact,
	}
}

// Run deploys the release described at releasePath. The deploy is
// cancellable until the bundle swap starts; after that point cancellation
// is refused and the deploy runs to completion or failure.
func (d *Deployer) Run(ctx context.Context, releasePath string) error {
	lock := runlock.New(d.cfg.StateDir)
	if err := lock.Acquire(ctx, runlock.Exclusive, d.lockTimeout); err != nil {
		metrics.ObserveDeploy("error")
		return err
	}
	defer lock.Release()

	err := d.run(ctx, releasePath)
	switch err.(type) {
	case nil:
		metrics.ObserveDeploy("ok")
	case *faults.ValidationError:
		metrics.ObserveDeploy("validation_failed")
	case *faults.DegradedError:
		metrics.ObserveDeploy("degraded")
	default:
		metrics.ObserveDeploy("error")
	}
	return err
}

func (d *Deployer) run(ctx context.Context, releasePath string) error {
	st, err := state.Load(d.cfg.StateDir)
	if err != nil {
		return fmt.Errorf("host is not provisioned: %w", err)
	}
	rel, err := LoadRelease(releasePath)
	if err != nil {
		return err
	}

	// Everything up to the swap is read-only validation and staging.
	var releaseDir string
	if rel.ArtifactURL != "" {
		dest := filepath.Join(d.cfg.StateDir, "releases", rel.Version, "artifact")
		if err := d.fetch(ctx, rel.ArtifactURL, rel.SHA256, dest); err != nil {
			return &faults.ValidationError{Artifact: rel.ArtifactURL, Reason: err.Error()}
		}
		releaseDir = filepath.Dir(dest)
	}

	candidate, err := d.renderCandidate(st.Strategy, rel)
	if err != nil {
		return &faults.ValidationError{Artifact: "bundle", Reason: err.Error()}
	}
	for _, w := range candidate.Warnings {
		log.Warn().Str("release", rel.Version).Msg(w)
	}

	idx, err := bundle.LoadIndex(filepath.Join(d.cfg.StateDir, "bundles"))
	if err != nil {
		return err
	}
	if active, ok := idx.ActiveEntry(); ok &&
		active.Checksum == candidate.Checksum && st.ReleaseVersion == rel.Version {
		log.Info().Str("release", rel.Version).Msg("release already active; nothing to deploy")
		return nil
	}

	// Last cancellation checkpoint before the swap.
	if err := ctx.Err(); err != nil {
		return err
	}
	swapCtx := context.WithoutCancel(ctx)

	// The current-release pointer and the bundle flip at the same point:
	// after this, the staged version is what runs.
	if releaseDir != "" {
		if err := swapCurrentRelease(d.cfg.StateDir, releaseDir); err != nil {
			return fmt.Errorf("swap release pointer: %w", err)
		}
	}
	entry, err := idx.Write(candidate)
	if err != nil {
		return err
	}
	if _, err := idx.Swap(candidate.Checksum); err != nil {
		return err
	}
	log.Info().Str("release", rel.Version).Str("checksum", shortSum(candidate.Checksum)).Msg("bundle swapped")

	if err := d.ctrl.Adapter().ApplyBundle(swapCtx, entry.Dir); err != nil {
		return &faults.PartialApplyError{Stage: "apply", Err: err}
	}
	if err := d.restartOrdered(swapCtx); err != nil {
		return &faults.PartialApplyError{Stage: "restart", Err: err}
	}

	st.BundleChecksum = candidate.Checksum
	st.BundleDir = entry.Dir
	st.ReleaseVersion = rel.Version
	st.LastDeployed = time.Now().UTC()
	if err := state.Save(d.cfg.StateDir, st); err != nil {
		return err
	}
	if err := idx.Prune(keepBundles); err != nil {
		log.Warn().Err(err).Msg("bundle prune failed")
	}
	if ctx.Err() != nil {
		log.Warn().Err(faults.ErrSwapStarted).Msg("cancellation arrived mid-deploy; deploy completed anyway")
	}

	if unhealthy := d.settle(swapCtx); len(unhealthy) > 0 {
		return &faults.DegradedError{Services: unhealthy, Grace: d.grace}
	}
	log.Info().Str("release", rel.Version).Msg("deploy complete")
	return nil
}

// swapCurrentRelease atomically retargets the current-release pointer at
// target, so everything referencing it sees either the old version or the
// new one, never a partial state.
func swapCurrentRelease(stateDir, target string) error {
	link := render.ReleaseLink(stateDir)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

func (d *Deployer) renderCandidate(strategy spec.Strategy, rel Release) (*render.Bundle, error) {
	db, err := d.creds.Ensure(render.CredDBPassword, "app", "database")
	if err != nil {
		return nil, err
	}
	sess, err := d.creds.Ensure(render.CredSessionSecret, "app")
	if err != nil {
		return nil, err
	}
	in := render.Input{
		Strategy: strategy,
		Stack:    d.cfg.BuildStack(strategy),
		Config:   d.cfg,
		Creds: map[string]credentials.Credential{
			render.CredDBPassword:    db,
			render.CredSessionSecret: sess,
		},
		Expired: func(r certs.Record) bool { return r.Expired(time.Now()) },
	}
	if rec, err := certs.LoadRecord(d.certDir(), d.cfg.Hostnames.Public); err == nil {
		in.Cert = &rec
	}
	if rec, err := certs.LoadRecord(d.certDir(), d.cfg.Hostnames.Admin); err == nil {
		in.AdminCert = &rec
	}
	ref := &render.ReleaseRef{Version: rel.Version}
	// The pointer is referenced when this release ships an artifact or an
	// earlier one already established it.
	link := render.ReleaseLink(d.cfg.StateDir)
	if _, err := os.Lstat(link); err == nil || rel.ArtifactURL != "" {
		ref.Dir = link
	}
	in.Release = ref
	return render.Render(in)
}

func (d *Deployer) certDir() string {
	if d.cfg.Certs.Dir != "" {
		return d.cfg.Certs.Dir
	}
	return filepath.Join(d.cfg.StateDir, "certs")
}

// restartOrdered restarts the database and app layers in dependency order
// and hot-reloads the proxy last, falling back to a restart when the proxy
// is not yet running.
func (d *Deployer) restartOrdered(ctx context.Context) error {
	order, err := lifecycle.StartOrder(d.ctrl.Stack())
	if err != nil {
		return err
	}
	for _, name := range order {
		svc, _ := d.ctrl.Stack().ByName(name)
		if svc.Role == spec.RoleProxy {
			continue
		}
		if err := d.ctrl.Restart(ctx, name); err != nil {
			return err
		}
	}
	if err := d.ctrl.ReloadProxy(ctx); err != nil {
		log.Warn().Err(err).Msg("proxy reload failed; restarting proxy")
		proxy, ok := d.ctrl.Stack().ByRole(spec.RoleProxy)
		if !ok {
			return fmt.Errorf("stack has no proxy service")
		}
		return d.ctrl.Restart(ctx, proxy.Name)
	}
	return nil
}

// settle polls all services until they are healthy or the grace period
// elapses, returning the services still unhealthy at the deadline.
func (d *Deployer) settle(ctx context.Context) []string {
	deadline := time.Now().Add(d.grace)
	for {
		unhealthy := d.unhealthyServices(ctx)
		if len(unhealthy) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return unhealthy
		}
		select {
		case <-ctx.Done():
			return unhealthy
		case <-time.After(2 * time.Second):
		}
	}
}

func (d *Deployer) unhealthyServices(ctx context.Context) []string {
	var out []string
	for _, svc := range d.ctrl.Stack().Services {
		if d.ctrl.Adapter().Status(ctx, svc) != store.StatusRunning {
			out = append(out, svc.Name)
			continue
		}
		if !runner.Probe(ctx, svc.HealthCheck, d.probeTimeout) {
			out = append(out, svc.Name)
		}
	}
	return out
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
