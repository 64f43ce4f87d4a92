package spec

import "fmt"

// Strategy is the mechanism chosen at provision time for running the
// managed services. It is recorded in the provisioning state and is
// immutable afterwards unless the host is explicitly re-provisioned.
type Strategy string

const (
	StrategyContainerized Strategy = "containerized"
	StrategyNative        Strategy = "native"
	StrategyQuickDev      Strategy = "quickdev"
)

// ParseStrategy maps a CLI/config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyContainerized, StrategyNative, StrategyQuickDev:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q (want containerized, native or quickdev)", s)
}

// Role identifies a service's place in the managed stack.
type Role string

const (
	RoleProxy    Role = "proxy"
	RoleApp      Role = "app"
	RoleDatabase Role = "database"
)

// RestartPolicy mirrors the supervisor semantics of the underlying runtime.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ServiceSpec is the logical description of one managed service. It is
// owned by the orchestrator; the renderer and lifecycle adapters treat it
// as read-only input.
type ServiceSpec struct {
	Name          string
	Role          Role
	ListenPort    int
	Command       string
	Args          []string
	WorkingDir    string
	Image         string
	HealthCheck   string // http://..., tcp://..., cmd:...
	RestartPolicy RestartPolicy
	MemoryLimitMB int
	OpenFiles     uint64
	Replicas      int
	LogPath       string
	Deps          []string
}

// Stack is the full managed service set for one host, in no particular
// order. Start ordering is derived from Deps.
type Stack struct {
	Services []ServiceSpec
}

// ByName returns the spec with the given name.
func (s Stack) ByName(name string) (ServiceSpec, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// ByRole returns the first spec with the given role.
func (s Stack) ByRole(role Role) (ServiceSpec, bool) {
	for _, svc := range s.Services {
		if svc.Role == role {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// Names returns service names in declaration order.
func (s Stack) Names() []string {
	out := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		out = append(out, svc.Name)
	}
	return out
}
