package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/spec"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))

	p := Provisioning{
		Strategy:        spec.StrategyContainerized,
		CredentialRefs:  []string{"db-password", "session-secret"},
		BundleChecksum:  "abc123",
		BundleDir:       "/var/lib/stackpilot/bundles/abc123",
		ReleaseVersion:  "1.2.3",
		LastProvisioned: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Hostnames:       map[string]string{"public": "example.com", "admin": "admin.example.com"},
	}
	require.NoError(t, Save(dir, p))
	assert.True(t, Exists(dir))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestSaveOverwrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Provisioning{Strategy: spec.StrategyNative}))
	require.NoError(t, Save(dir, Provisioning{Strategy: spec.StrategyNative, ReleaseVersion: "2.0.0"}))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.ReleaseVersion)
}
