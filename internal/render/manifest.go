package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stackpilot/stackpilot/internal/spec"
)

// unitData feeds the process-supervision manifest for one native service.
type unitData struct {
	Name        string
	Description string
	Command     string
	WorkingDir  string
	Restart     string
	MemoryMax   string
	EnvFile     string
	LogIdent    string
}

func renderUnits(in Input) (map[string][]byte, error) {
	out := map[string][]byte{}
	// Deterministic file order: sort by service name.
	svcs := append([]spec.ServiceSpec{}, in.Stack.Services...)
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
	for _, s := range svcs {
		if s.Role == spec.RoleProxy {
			// The proxy ships its own distribution unit; only its vhost
			// config is ours to manage.
			continue
		}
		cmd := s.Command
		if len(s.Args) > 0 {
			cmd = s.Command + " " + strings.Join(s.Args, " ")
		}
		if cmd == "" {
			return nil, fmt.Errorf("render units: service %s has no command", s.Name)
		}
		d := unitData{
			Name:        "stackpilot-" + s.Name,
			Description: fmt.Sprintf("stackpilot managed %s", s.Name),
			Command:     cmd,
			WorkingDir:  s.WorkingDir,
			Restart:     restartDirective(s.RestartPolicy),
			LogIdent:    "stackpilot-" + s.Name,
		}
		if s.MemoryLimitMB > 0 {
			d.MemoryMax = fmt.Sprintf("%dM", s.MemoryLimitMB)
		}
		if s.Role == spec.RoleApp {
			d.EnvFile = "app.env"
			// The unit runs out of the current-release pointer so a deploy
			// retargets it without editing the unit.
			if d.WorkingDir == "" && in.Release != nil && in.Release.Dir != "" {
				d.WorkingDir = in.Release.Dir
			}
		}
		content, err := execTemplate("unit", unitTemplate, d)
		if err != nil {
			return nil, err
		}
		out[d.Name+".service"] = content
	}
	return out, nil
}

func restartDirective(p spec.RestartPolicy) string {
	switch p {
	case spec.RestartAlways:
		return "always"
	case spec.RestartOnFailure:
		return "on-failure"
	default:
		return "no"
	}
}

const unitTemplate = `[Unit]
Description={{.Description}}
After=network.target

[Service]
ExecStart={{.Command}}
{{- if .WorkingDir}}
WorkingDirectory={{.WorkingDir}}
{{- end}}
{{- if .EnvFile}}
EnvironmentFile=%S/stackpilot/{{.EnvFile}}
{{- end}}
Restart={{.Restart}}
RestartSec=2s
StartLimitIntervalSec=60
StartLimitBurst=5
{{- if .MemoryMax}}
MemoryMax={{.MemoryMax}}
{{- end}}
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.LogIdent}}

[Install]
WantedBy=multi-user.target
`

// composeData feeds the container-orchestration manifest.
type composeData struct {
	Services []composeService
}

type composeService struct {
	Name      string
	Image     string
	Replicas  int
	Restart   string
	MemLimit  string
	Ports     []string
	EnvFile   string
	DependsOn []string
	Volumes   []string
}

func renderCompose(in Input) ([]byte, error) {
	svcs := append([]spec.ServiceSpec{}, in.Stack.Services...)
	sort.Slice(svcs, func(i, j int) bool { return svcs[i].Name < svcs[j].Name })
	d := composeData{}
	for _, s := range svcs {
		if s.Image == "" {
			return nil, fmt.Errorf("render compose: service %s has no image", s.Name)
		}
		cs := composeService{
			Name:      s.Name,
			Image:     s.Image,
			Replicas:  s.Replicas,
			Restart:   composeRestart(s.RestartPolicy),
			Ports:     []string{fmt.Sprintf("%d:%d", s.ListenPort, s.ListenPort)},
			DependsOn: append([]string{}, s.Deps...),
		}
		if s.MemoryLimitMB > 0 {
			cs.MemLimit = fmt.Sprintf("%dm", s.MemoryLimitMB)
		}
		switch s.Role {
		case spec.RoleApp:
			cs.EnvFile = "app.env"
			if in.Release != nil && in.Release.Dir != "" {
				cs.Volumes = []string{in.Release.Dir + ":/srv/app:ro"}
			}
		case spec.RoleProxy:
			cs.Volumes = []string{"./proxy:/etc/nginx/conf.d:ro"}
			cs.Ports = []string{
				fmt.Sprintf("%d:%d", in.Config.Proxy.HTTPPort, in.Config.Proxy.HTTPPort),
				fmt.Sprintf("%d:%d", in.Config.Proxy.HTTPSPort, in.Config.Proxy.HTTPSPort),
			}
		case spec.RoleDatabase:
			cs.Volumes = []string{"dbdata:/var/lib/postgresql/data"}
		}
		d.Services = append(d.Services, cs)
	}
	return execTemplate("compose", composeTemplate, d)
}

func composeRestart(p spec.RestartPolicy) string {
	switch p {
	case spec.RestartAlways:
		return "always"
	case spec.RestartOnFailure:
		return "on-failure"
	default:
		return "no"
	}
}

const composeTemplate = `# Generated by stackpilot; do not edit.
services:
{{- range .Services}}
  {{.Name}}:
    image: {{.Image}}
    container_name: stackpilot-{{.Name}}
    restart: {{.Restart}}
{{- if .MemLimit}}
    mem_limit: {{.MemLimit}}
{{- end}}
{{- if gt .Replicas 1}}
    deploy:
      replicas: {{.Replicas}}
{{- end}}
{{- if .EnvFile}}
    env_file:
      - {{.EnvFile}}
{{- end}}
{{- if .Ports}}
    ports:
{{- range .Ports}}
      - "{{.}}"
{{- end}}
{{- end}}
{{- if .Volumes}}
    volumes:
{{- range .Volumes}}
      - {{.}}
{{- end}}
{{- end}}
{{- if .DependsOn}}
    depends_on:
{{- range .DependsOn}}
      - {{.}}
{{- end}}
{{- end}}
    logging:
      driver: json-file
      options:
        max-size: "10m"
        max-file: "3"
{{- end}}

volumes:
  dbdata:
`
