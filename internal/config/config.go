package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/stackpilot/stackpilot/internal/spec"
	"github.com/stackpilot/stackpilot/internal/validate"
)

// Config is the explicit host configuration. Every environment input the
// orchestrator consumes (hostnames, retention, intervals, thresholds) is
// declared here; nothing is inferred from the host at runtime.
type Config struct {
	StateDir  string          `toml:"state_dir"`
	Hostnames Hostnames       `toml:"hostnames"`
	Proxy     ProxyConfig     `toml:"proxy"`
	App       AppConfig       `toml:"app"`
	Database  DatabaseConfig  `toml:"database"`
	Backup    BackupConfig    `toml:"backup"`
	Health    HealthConfig    `toml:"health"`
	Certs     CertConfig      `toml:"certificates"`
	Events    EventsConfig    `toml:"events"`
	Preflight PreflightConfig `toml:"preflight"`
}

// Hostnames models the two serving surfaces. The admin surface carries its
// own virtual host, rate-limit zone and access rules.
type Hostnames struct {
	Public string `toml:"public"`
	Admin  string `toml:"admin"`
}

type ProxyConfig struct {
	HTTPPort  int    `toml:"http_port"`
	HTTPSPort int    `toml:"https_port"`
	AdminPath string `toml:"admin_path"`
	LogPath   string `toml:"log_path"`
}

type AppConfig struct {
	ListenPort    int      `toml:"listen_port"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	WorkingDir    string   `toml:"working_dir"`
	Image         string   `toml:"image"`
	ReleaseURL    string   `toml:"release_url"`
	ReleaseSHA256 string   `toml:"release_sha256"`
	HealthCheck   string   `toml:"health_check"`
	MemoryLimitMB int      `toml:"memory_limit_mb"`
	OpenFiles     uint64   `toml:"open_files"`
	Replicas      int      `toml:"replicas"`
	LogPath       string   `toml:"log_path"`
	StateDir      string   `toml:"state_dir"`
}

type DatabaseConfig struct {
	ListenPort    int    `toml:"listen_port"`
	Name          string `toml:"name"`
	User          string `toml:"user"`
	Command       string `toml:"command"`
	Image         string `toml:"image"`
	DataDir       string `toml:"data_dir"`
	DumpCommand   string `toml:"dump_command"`
	MemoryLimitMB int    `toml:"memory_limit_mb"`
	LogPath       string `toml:"log_path"`
}

type BackupConfig struct {
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
	Interval      string `toml:"interval"`
}

type HealthConfig struct {
	Interval          string `toml:"interval"`
	ProbeTimeout      string `toml:"probe_timeout"`
	MaxRestarts       int    `toml:"max_restarts"`
	RestartWindow     string `toml:"restart_window"`
	DiskWarnPercent   float64 `toml:"disk_warn_percent"`
	MemoryWarnPercent float64 `toml:"memory_warn_percent"`
	ErrorLogThreshold int     `toml:"error_log_threshold"`
	ErrorLogTailLines int     `toml:"error_log_tail_lines"`
}

type CertConfig struct {
	Dir          string `toml:"dir"`
	Email        string `toml:"email"`
	IssueCommand string `toml:"issue_command"`
	CheckEvery   string `toml:"check_every"`
	ValidityDays int    `toml:"validity_days"`
}

type EventsConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

type PreflightConfig struct {
	MinMemoryMB  uint64 `toml:"min_memory_mb"`
	WarnMemoryMB uint64 `toml:"warn_memory_mb"`
	MinDiskMB    uint64 `toml:"min_disk_mb"`
	WarnDiskMB   uint64 `toml:"warn_disk_mb"`
}

// Load reads the TOML host configuration, validates it generically against
// the config schema and applies defaults for optional fields.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var generic map[string]any
	if err := toml.Unmarshal(b, &generic); err == nil {
		if err := validate.ValidateConfigMap(generic); err != nil {
			return nil, fmt.Errorf("config schema: %w", err)
		}
	}
	c.applyDefaults()
	if c.Hostnames.Public == "" || c.Hostnames.Admin == "" {
		return nil, fmt.Errorf("invalid config: hostnames.public and hostnames.admin are required")
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "/var/lib/stackpilot"
	}
	if c.Proxy.HTTPPort == 0 {
		c.Proxy.HTTPPort = 80
	}
	if c.Proxy.HTTPSPort == 0 {
		c.Proxy.HTTPSPort = 443
	}
	if c.Proxy.AdminPath == "" {
		c.Proxy.AdminPath = "/admin"
	}
	if c.App.ListenPort == 0 {
		c.App.ListenPort = 3000
	}
	if c.App.Replicas == 0 {
		c.App.Replicas = 1
	}
	if c.App.MemoryLimitMB == 0 {
		c.App.MemoryLimitMB = 512
	}
	if c.Database.ListenPort == 0 {
		c.Database.ListenPort = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "app"
	}
	if c.Database.User == "" {
		c.Database.User = "app"
	}
	if c.Database.MemoryLimitMB == 0 {
		c.Database.MemoryLimitMB = 1024
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Backup.Interval == "" {
		c.Backup.Interval = "24h"
	}
	if c.Health.Interval == "" {
		c.Health.Interval = "2m"
	}
	if c.Health.ProbeTimeout == "" {
		c.Health.ProbeTimeout = "5s"
	}
	if c.Health.MaxRestarts == 0 {
		c.Health.MaxRestarts = 3
	}
	if c.Health.RestartWindow == "" {
		c.Health.RestartWindow = "10m"
	}
	if c.Health.DiskWarnPercent == 0 {
		c.Health.DiskWarnPercent = 85
	}
	if c.Health.MemoryWarnPercent == 0 {
		c.Health.MemoryWarnPercent = 90
	}
	if c.Health.ErrorLogThreshold == 0 {
		c.Health.ErrorLogThreshold = 20
	}
	if c.Health.ErrorLogTailLines == 0 {
		c.Health.ErrorLogTailLines = 200
	}
	if c.Certs.CheckEvery == "" {
		c.Certs.CheckEvery = "12h"
	}
	if c.Certs.ValidityDays == 0 {
		c.Certs.ValidityDays = 90
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "stackpilot.events"
	}
	if c.Preflight.MinMemoryMB == 0 {
		c.Preflight.MinMemoryMB = 512
	}
	if c.Preflight.WarnMemoryMB == 0 {
		c.Preflight.WarnMemoryMB = 2048
	}
	if c.Preflight.MinDiskMB == 0 {
		c.Preflight.MinDiskMB = 1024
	}
	if c.Preflight.WarnDiskMB == 0 {
		c.Preflight.WarnDiskMB = 10240
	}
}

// Duration parses a duration field that has already passed schema
// validation, falling back to def on malformed input.
func Duration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// BuildStack derives the managed service set from the host configuration.
// Dependency edges encode the fixed restart order: database first, then
// app processes, proxy last.
func (c *Config) BuildStack(strategy spec.Strategy) spec.Stack {
	replicas := c.App.Replicas
	appMem := c.App.MemoryLimitMB
	dbMem := c.Database.MemoryLimitMB
	if strategy == spec.StrategyQuickDev {
		// QuickDev runs a minimal footprint: one replica, no ceilings.
		replicas = 1
		appMem = 0
		dbMem = 0
	}
	db := spec.ServiceSpec{
		Name:          "database",
		Role:          spec.RoleDatabase,
		ListenPort:    c.Database.ListenPort,
		Command:       c.Database.Command,
		Image:         c.Database.Image,
		HealthCheck:   fmt.Sprintf("tcp://127.0.0.1:%d", c.Database.ListenPort),
		RestartPolicy: spec.RestartAlways,
		MemoryLimitMB: dbMem,
		Replicas:      1,
		LogPath:       c.Database.LogPath,
	}
	app := spec.ServiceSpec{
		Name:          "app",
		Role:          spec.RoleApp,
		ListenPort:    c.App.ListenPort,
		Command:       c.App.Command,
		Args:          c.App.Args,
		WorkingDir:    c.App.WorkingDir,
		Image:         c.App.Image,
		HealthCheck:   c.App.HealthCheck,
		RestartPolicy: spec.RestartOnFailure,
		MemoryLimitMB: appMem,
		OpenFiles:     c.App.OpenFiles,
		Replicas:      replicas,
		LogPath:       c.App.LogPath,
		Deps:          []string{"database"},
	}
	if app.HealthCheck == "" {
		app.HealthCheck = fmt.Sprintf("http://127.0.0.1:%d/healthz", c.App.ListenPort)
	}
	proxy := spec.ServiceSpec{
		Name:          "proxy",
		Role:          spec.RoleProxy,
		ListenPort:    c.Proxy.HTTPPort,
		Command:       "nginx",
		Image:         "nginx:stable",
		HealthCheck:   fmt.Sprintf("tcp://127.0.0.1:%d", c.Proxy.HTTPPort),
		RestartPolicy: spec.RestartAlways,
		Replicas:      1,
		LogPath:       c.Proxy.LogPath,
		Deps:          []string{"app"},
	}
	return spec.Stack{Services: []spec.ServiceSpec{db, app, proxy}}
}
