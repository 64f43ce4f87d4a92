package preflight

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackpilot/stackpilot/internal/config"
	"github.com/stackpilot/stackpilot/internal/faults"
)

var thresholds = config.PreflightConfig{
	MinMemoryMB:  512,
	WarnMemoryMB: 2048,
	MinDiskMB:    1024,
	WarnDiskMB:   10240,
}

func healthyHost() Host {
	return Host{
		EffectiveUID:    1000,
		ElevationOnPath: true,
		OSFamily:        "debian",
		MemoryMB:        8192,
		FreeDiskMB:      50000,
	}
}

func TestValidateHealthyHost(t *testing.T) {
	r := Validate(healthyHost(), thresholds)
	assert.True(t, r.OK())
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Warnings)
}

func TestValidateCollectsAllFailures(t *testing.T) {
	h := Host{
		EffectiveUID:    0,
		ElevationOnPath: false,
		OSFamily:        "arch",
		MemoryMB:        256,
		FreeDiskMB:      100,
	}
	r := Validate(h, thresholds)
	assert.False(t, r.OK())
	// Superuser, missing sudo, memory floor and disk floor all reported at
	// once; the unsupported OS is only a warning.
	assert.Len(t, r.Failures, 4)
	assert.Len(t, r.Warnings, 1)

	err := r.Err()
	require.Error(t, err)
	var pe *faults.PreflightError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, r.Failures, pe.Failures)
}

func TestValidateWarnBands(t *testing.T) {
	h := healthyHost()
	h.MemoryMB = 1024   // above floor, below recommended
	h.FreeDiskMB = 5000 // same for disk
	r := Validate(h, thresholds)
	assert.True(t, r.OK())
	assert.Len(t, r.Warnings, 2)
}

func TestValidateRootIsFailure(t *testing.T) {
	h := healthyHost()
	h.EffectiveUID = 0
	r := Validate(h, thresholds)
	require.Len(t, r.Failures, 1)
	assert.Contains(t, r.Failures[0], "superuser")
}
