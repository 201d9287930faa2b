package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListFramesNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"z10.tif", "z2.tif", "z1.TIFF", "notes.txt", "z3.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.tif"), 0o755))

	files, err := ListFrames(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	require.Equal(t, []string{"z1.TIFF", "z2.tif", "z3.png", "z10.tif"}, names)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "req.json")
	require.NoError(t, WriteFileAtomic(p, []byte(`{"a":1}`), 0o644))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
