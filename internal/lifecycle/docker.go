package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/store"
)

// DockerAdapter drives the containerized strategy through the Docker
// Engine API. Containers live on a dedicated bridge network so the app
// reaches the database by service name, while published ports keep the
// host-side health probes working.
type DockerAdapter struct {
	cli       *client.Client
	netName   string
	bundleDir string
}

func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerAdapter{cli: cli, netName: "stackpilot"}, nil
}

func (a *DockerAdapter) Name() string { return "containerized" }

func containerName(svc spec.ServiceSpec) string { return "stackpilot-" + svc.Name }

// ApplyBundle records the active bundle location. The compose manifest in
// the bundle is the operator-facing contract; the adapter consumes the
// same env file and proxy directory directly.
func (a *DockerAdapter) ApplyBundle(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "compose.yaml")); err != nil {
		return fmt.Errorf("apply bundle: %w", err)
	}
	a.bundleDir = dir
	return nil
}

func (a *DockerAdapter) ensureNetwork(ctx context.Context) error {
	if _, err := a.cli.NetworkInspect(ctx, a.netName, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := a.cli.NetworkCreate(ctx, a.netName, network.CreateOptions{Driver: "bridge"})
	return err
}

func (a *DockerAdapter) Start(ctx context.Context, svc spec.ServiceSpec) error {
	if svc.Image == "" {
		return fmt.Errorf("service %s has no image", svc.Name)
	}
	if err := a.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("ensure network: %w", err)
	}
	name := containerName(svc)

	// Reuse an existing container when present; create otherwise.
	if insp, err := a.cli.ContainerInspect(ctx, name); err == nil {
		if insp.State != nil && insp.State.Running {
			return nil
		}
		return a.cli.ContainerStart(ctx, name, container.StartOptions{})
	}

	reader, err := a.cli.ImagePull(ctx, svc.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", svc.Image, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cfg := &container.Config{Image: svc.Image}
	host := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: dockerRestart(svc.RestartPolicy)},
	}
	if svc.Role == spec.RoleApp && a.bundleDir != "" {
		env, err := envFileLines(filepath.Join(a.bundleDir, "app.env"))
		if err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
		cfg.Env = env
		// The current-release pointer from the env file is mounted so the
		// container runs the deployed artifact.
		for _, line := range env {
			if dir, ok := strings.CutPrefix(line, "RELEASE_DIR="); ok && dir != "" {
				host.Binds = append(host.Binds, dir+":/srv/app:ro")
			}
		}
	}
	if svc.MemoryLimitMB > 0 {
		host.Resources.Memory = int64(svc.MemoryLimitMB) * 1024 * 1024
	}
	if svc.ListenPort > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", svc.ListenPort))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		host.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprint(svc.ListenPort)}},
		}
	}
	if svc.Role == spec.RoleProxy && a.bundleDir != "" {
		host.Binds = []string{filepath.Join(a.bundleDir, "proxy") + ":/etc/nginx/conf.d:ro"}
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.netName: {Aliases: []string{svc.Name}},
		},
	}
	resp, err := a.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	log.Info().Str("service", svc.Name).Str("container", resp.ID[:12]).Msg("container started")
	return nil
}

func (a *DockerAdapter) Stop(ctx context.Context, svc spec.ServiceSpec) error {
	timeout := 10
	err := a.cli.ContainerStop(ctx, containerName(svc), container.StopOptions{Timeout: &timeout})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (a *DockerAdapter) Status(ctx context.Context, svc spec.ServiceSpec) store.ServiceStatus {
	insp, err := a.cli.ContainerInspect(ctx, containerName(svc))
	if err != nil {
		if client.IsErrNotFound(err) {
			return store.StatusStopped
		}
		return store.StatusUnknown
	}
	if insp.State != nil && insp.State.Running {
		return store.StatusRunning
	}
	return store.StatusStopped
}

// Reload signals the containerized proxy to re-read its configuration
// without a restart, preserving in-flight connections.
func (a *DockerAdapter) Reload(ctx context.Context, svc spec.ServiceSpec) error {
	return a.cli.ContainerKill(ctx, containerName(svc), "HUP")
}

func (a *DockerAdapter) TailLog(ctx context.Context, svc spec.ServiceSpec, n int) ([]string, error) {
	rc, err := a.cli.ContainerLogs(ctx, containerName(svc), container.LogsOptions{
		ShowStderr: true,
		Tail:       fmt.Sprint(n),
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 1<<20))
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	return lines, nil
}

func dockerRestart(p spec.RestartPolicy) container.RestartPolicyMode {
	switch p {
	case spec.RestartAlways:
		return container.RestartPolicyAlways
	case spec.RestartOnFailure:
		return container.RestartPolicyOnFailure
	default:
		return container.RestartPolicyDisabled
	}
}

// envFileLines reads KEY=VALUE lines from the rendered env file.
func envFileLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, s.Err()
}

// Ping verifies the Docker daemon is reachable, used by provisioning to
// fail fast before any mutation.
func (a *DockerAdapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.cli.Ping(ctx)
	return err
}
