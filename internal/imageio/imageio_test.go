package imageio

import (
	"path/filepath"
	"testing"

	"driftfocus/internal/frame"

	"github.com/stretchr/testify/require"
)

func TestTIFFRoundTrip(t *testing.T) {
	img := frame.Texture(40, 30, 5)
	path := filepath.Join(t.TempDir(), "slice.tif")

	require.NoError(t, Save(path, img))
	back, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, img.Width(), back.Width())
	require.Equal(t, img.Height(), back.Height())
	require.Equal(t, img.Pix(), back.Pix())
}

func TestPNGRoundTripKeepsDepth(t *testing.T) {
	img := frame.Texture(24, 16, 9)
	path := filepath.Join(t.TempDir(), "slice.png")

	require.NoError(t, Save(path, img))
	back, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, img.Pix(), back.Pix())
}

func TestSaveRejectsEmpty(t *testing.T) {
	require.ErrorIs(t, Save(filepath.Join(t.TempDir(), "x.tif"), frame.Image{}), frame.ErrEmpty)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.tif"))
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
}
