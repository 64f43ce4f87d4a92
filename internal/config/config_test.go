package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/spec"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
[hostnames]
public = "example.com"
admin = "admin.example.com"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stackpilot", cfg.StateDir)
	assert.Equal(t, 80, cfg.Proxy.HTTPPort)
	assert.Equal(t, 443, cfg.Proxy.HTTPSPort)
	assert.Equal(t, "/admin", cfg.Proxy.AdminPath)
	assert.Equal(t, 3000, cfg.App.ListenPort)
	assert.Equal(t, 5432, cfg.Database.ListenPort)
	assert.Equal(t, 7, cfg.Backup.RetentionDays)
	assert.Equal(t, "24h", cfg.Backup.Interval)
	assert.Equal(t, 3, cfg.Health.MaxRestarts)
	assert.Equal(t, "10m", cfg.Health.RestartWindow)
	assert.Equal(t, 90, cfg.Certs.ValidityDays)
	assert.Equal(t, "stackpilot.events", cfg.Events.Subject)
}

func TestLoadRequiresHostnames(t *testing.T) {
	_, err := Load(writeConfig(t, `state_dir = "/tmp/sp"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hostnames")
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[proxy]
http_port = 8080
admin_path = "/ops"

[backup]
retention_days = 14
`))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Proxy.HTTPPort)
	assert.Equal(t, "/ops", cfg.Proxy.AdminPath)
	assert.Equal(t, 14, cfg.Backup.RetentionDays)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Minute, Duration("2m", time.Second))
	assert.Equal(t, time.Second, Duration("garbage", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("-5s", time.Second))
}

func TestBuildStackDependencyShape(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	stack := cfg.BuildStack(spec.StrategyContainerized)
	require.Len(t, stack.Services, 3)

	app, ok := stack.ByName("app")
	require.True(t, ok)
	assert.Equal(t, []string{"database"}, app.Deps)
	assert.Equal(t, "http://127.0.0.1:3000/healthz", app.HealthCheck)

	proxy, ok := stack.ByRole(spec.RoleProxy)
	require.True(t, ok)
	assert.Equal(t, []string{"app"}, proxy.Deps)
}

func TestBuildStackQuickDevDropsLimits(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[app]
replicas = 4
memory_limit_mb = 2048
`))
	require.NoError(t, err)

	qd := cfg.BuildStack(spec.StrategyQuickDev)
	app, ok := qd.ByName("app")
	require.True(t, ok)
	assert.Equal(t, 1, app.Replicas)
	assert.Equal(t, 0, app.MemoryLimitMB)

	db, ok := qd.ByName("database")
	require.True(t, ok)
	assert.Equal(t, 0, db.MemoryLimitMB)

	full := cfg.BuildStack(spec.StrategyContainerized)
	appFull, _ := full.ByName("app")
	assert.Equal(t, 4, appFull.Replicas)
	assert.Equal(t, 2048, appFull.MemoryLimitMB)
}
