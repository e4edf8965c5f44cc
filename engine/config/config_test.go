package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_name = "Sandbox"
width = 1920
height = 1080
max_frames_in_flight = 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Sandbox", cfg.AppName)
	assert.Equal(t, uint32(1920), cfg.Width)
	assert.Equal(t, 3, cfg.MaxFramesInFlight)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, DefaultFenceTimeoutMS, cfg.FenceTimeoutMS)
	assert.Equal(t, DefaultGraceBudgetMS, cfg.GraceBudgetMS)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`app_name = `), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`max_frames_in_flight = 0`), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "max_frames_in_flight")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.FenceTimeoutMS = 0
	assert.ErrorContains(t, bad.Validate(), "fence_timeout_ms")

	bad = cfg
	bad.GraceBudgetMS = cfg.FenceTimeoutMS - 1
	assert.ErrorContains(t, bad.Validate(), "grace_budget_ms")

	bad = cfg
	bad.Width = 0
	assert.ErrorContains(t, bad.Validate(), "window size")

	// Headless runs have no window, so a zero extent is fine.
	bad.Headless = true
	assert.NoError(t, bad.Validate())
}

func TestDurationAccessors(t *testing.T) {
	cfg := Config{FenceTimeoutMS: 250, GraceBudgetMS: 4000}
	assert.Equal(t, 250*time.Millisecond, cfg.FenceTimeout())
	assert.Equal(t, 4*time.Second, cfg.GraceBudget())
}
