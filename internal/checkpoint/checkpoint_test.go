package checkpoint

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeBlob persists values as raw little-endian float32 under <root>/<path>.
func writeBlob(t *testing.T, root, path string, values []float32) {
	file := filepath.Join(root, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	require.NoError(t, os.WriteFile(file, raw, 0o644))
}

func newSnapshot(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DoneMarker), nil, 0o644))
	return root
}

func TestOpenRequiresMarker(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root)
	require.ErrorContains(t, err, DoneMarker)

	_, err = Open(filepath.Join(root, "nowhere"))
	require.Error(t, err)
}

func TestMaterialize(t *testing.T) {
	root := newSnapshot(t)
	writeBlob(t, root, "conv0.weight/out", []float32{1, 2, 3, 4, 5, 6})

	dir, err := Open(root)
	require.NoError(t, err)
	defer func() { require.NoError(t, dir.Close()) }()

	assert.True(t, dir.Has("conv0.weight/out"))
	assert.False(t, dir.Has("conv0.bias/out"))

	tensor, err := dir.Materialize("conv0.weight/out", shapes.Make(dtypes.Float32, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())

	// Same blob, reusing the cached mapping.
	again, err := dir.Materialize("conv0.weight/out", shapes.Make(dtypes.Float32, 6))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, again.Value())
}

func TestMaterializeSizeMismatch(t *testing.T) {
	root := newSnapshot(t)
	writeBlob(t, root, "w/out", []float32{1, 2, 3})

	dir, err := Open(root)
	require.NoError(t, err)
	defer dir.Close()

	_, err = dir.Materialize("w/out", shapes.Make(dtypes.Float32, 2, 2))
	require.ErrorContains(t, err, "16 bytes")
}

func TestMaterializeMissing(t *testing.T) {
	root := newSnapshot(t)
	dir, err := Open(root)
	require.NoError(t, err)
	defer dir.Close()

	_, err = dir.Materialize("ghost/out", shapes.Make(dtypes.Float32, 1))
	require.Error(t, err)
}

func TestDirectFallbackMatchesMmap(t *testing.T) {
	root := newSnapshot(t)
	writeBlob(t, root, "w/out", []float32{-1.5, 2.25})
	dir, err := Open(root)
	require.NoError(t, err)
	defer dir.Close()

	shape := shapes.Make(dtypes.Float32, 2)
	direct, err := dir.materializeDirect(dir.blobFile("w/out"), "w/out", shape, 8)
	require.NoError(t, err)
	mapped, err := dir.Materialize("w/out", shape)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](mapped), tensors.CopyFlatData[float32](direct))
}
