package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, DefaultSearch(), cfg.Search)
	require.Equal(t, 30*time.Second, cfg.Processing.TaskTimeout.Std())
	require.Equal(t, 60*time.Second, cfg.Processing.ShutdownTimeout.Std())
	require.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"search": {"stepMicrons": 0.5, "cropFactor": 3, "channel": "DAPI"},
		"processing": {"workers": 2, "taskTimeout": "5s", "shutdownTimeout": 12},
		"stage": {"kind": "replay", "dir": "/frames"}
	}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 0.5, cfg.Search.StepMicrons)
	require.Equal(t, 19.0, cfg.Search.SearchRangeMicrons)
	require.Equal(t, 1.0, cfg.Search.CropFactor)
	require.Equal(t, "DAPI", cfg.Search.Channel)
	require.Equal(t, 2, cfg.Processing.Workers)
	require.Equal(t, 5*time.Second, cfg.Processing.TaskTimeout.Std())
	require.Equal(t, 12*time.Second, cfg.Processing.ShutdownTimeout.Std())
	require.Equal(t, "replay", cfg.Stage.Kind)
	require.Equal(t, "/frames", cfg.Stage.Dir)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"processing": {"taskTimeout": "soon"}}`), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestNormalizedClampsCrop(t *testing.T) {
	s := DefaultSearch()
	s.CropFactor = 0.001
	require.Equal(t, 0.01, s.Normalized().CropFactor)

	s.CropFactor = 0.4
	require.Equal(t, 0.4, s.Normalized().CropFactor)
}

func TestSearchDriftBound(t *testing.T) {
	require.InDelta(t, 15.3846, DefaultSearch().Drift().MaxDisplacement(), 1e-4)
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandUser("~/x/y")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "x/y"), got)

	got, err = expandUser("/abs")
	require.NoError(t, err)
	require.Equal(t, "/abs", got)
}
