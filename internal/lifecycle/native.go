package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// NativeAdapter drives the host's process supervisor through explicit
// elevation. The generated unit manifests are the configuration contract;
// the supervisor binary itself stays an external collaborator.
type NativeAdapter struct {
	// run is injectable for tests; production uses sudo+systemctl.
	run func(ctx context.Context, args ...string) (string, error)
}

func NewNativeAdapter() *NativeAdapter {
	return &NativeAdapter{run: runElevated}
}

func runElevated(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "sudo", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (a *NativeAdapter) Name() string { return "native" }

func unitName(svc spec.ServiceSpec) string {
	if svc.Role == spec.RoleProxy {
		return "nginx"
	}
	return "stackpilot-" + svc.Name
}

// ApplyBundle installs unit manifests, the vhost config and the env file,
// then reloads the supervisor's unit table.
func (a *NativeAdapter) ApplyBundle(ctx context.Context, dir string) error {
	steps := [][]string{
		{"install", "-m", "0644", filepath.Join(dir, "proxy", "stackpilot.conf"), "/etc/nginx/conf.d/stackpilot.conf"},
		{"install", "-m", "0600", filepath.Join(dir, "app.env"), "/var/lib/stackpilot/app.env"},
	}
	units, err := filepath.Glob(filepath.Join(dir, "supervisor", "*.service"))
	if err != nil {
		return err
	}
	for _, u := range units {
		steps = append(steps, []string{"install", "-m", "0644", u, filepath.Join("/etc/systemd/system", filepath.Base(u))})
	}
	steps = append(steps, []string{"systemctl", "daemon-reload"})
	for _, s := range steps {
		if _, err := a.run(ctx, s...); err != nil {
			return fmt.Errorf("apply bundle: %w", err)
		}
	}
	return nil
}

func (a *NativeAdapter) Start(ctx context.Context, svc spec.ServiceSpec) error {
	_, err := a.run(ctx, "systemctl", "start", unitName(svc))
	return err
}

func (a *NativeAdapter) Stop(ctx context.Context, svc spec.ServiceSpec) error {
	_, err := a.run(ctx, "systemctl", "stop", unitName(svc))
	return err
}

func (a *NativeAdapter) Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus {
	out, err := a.run(ctx, "systemctl", "is-active", unitName(svc))
	state := strings.TrimSpace(out)
	switch {
	case state == "active":
		return store.StatusRunning
	case state == "inactive" || state == "failed":
		return store.StatusStopped
	case err != nil && state == "":
		return store.StatusUnknown
	default:
		return store.StatusStopped
	}
}

func (a *NativeAdapter) Reload(ctx context.Context, svc spec.ServiceSpec) error {
	_, err := a.run(ctx, "systemctl", "reload", unitName(svc))
	return err
}

func (a *NativeAdapter) TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error) {
	out, err := a.run(ctx, "journalctl", "-u", unitName(svc), "-n", fmt.Sprint(n), "--no-pager", "-p", "err")
	if err != nil {
		log.Debug().Str("service", svc.Name).Err(err).Msg("journal tail failed")
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	return lines, nil
}
