// Package checkpoint reads OneFlow snapshot directories.
//
// A snapshot is a directory tree with one file per persisted parameter: the tensor
// stored under path "<variable>/out" lives in the file <root>/<variable>/out, as raw
// little-endian bytes with no header. A "snapshot_done" marker file at the root
// signals the snapshot was written completely.
//
// Dir implements oneflow.ParamStore on top of such a directory. Files are
// memory-mapped and the bytes copied straight into the tensor's backing memory;
// mapping is cached per file since Materialize may be called concurrently.
package checkpoint

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// DoneMarker is the file OneFlow writes last when persisting a snapshot.
const DoneMarker = "snapshot_done"

// Dir is an open snapshot directory. Safe for concurrent use.
type Dir struct {
	root string

	mu      sync.Mutex
	readers map[string]*mmap.ReaderAt
}

// Open opens a snapshot directory, verifying the completion marker. Snapshots
// without the marker may be half-written and are rejected.
func Open(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "opening snapshot directory %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("snapshot path %q is not a directory", root)
	}
	if _, err := os.Stat(filepath.Join(root, DoneMarker)); err != nil {
		return nil, errors.Wrapf(err, "snapshot %q has no %q marker, refusing to read it", root, DoneMarker)
	}
	return &Dir{
		root:    root,
		readers: make(map[string]*mmap.ReaderAt),
	}, nil
}

// blobFile maps a storage path ("<variable>/out") to its file under the snapshot.
func (d *Dir) blobFile(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(path))
}

// Has reports whether the snapshot holds a tensor under the given storage path.
func (d *Dir) Has(path string) bool {
	info, err := os.Stat(d.blobFile(path))
	return err == nil && info.Mode().IsRegular()
}

// reader returns the cached mmap reader of one blob file, mapping it on first use.
func (d *Dir) reader(file string) (*mmap.ReaderAt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reader, found := d.readers[file]; found {
		return reader, nil
	}
	reader, err := mmap.Open(file)
	if err != nil {
		return nil, err
	}
	d.readers[file] = reader
	return reader, nil
}

// Materialize reads the tensor stored under path. The stored byte count must match
// the expected shape exactly; a mismatch means the job and the snapshot disagree.
func (d *Dir) Materialize(path string, shape shapes.Shape) (*tensors.Tensor, error) {
	file := d.blobFile(path)
	expected := shape.Size() * shape.DType.Size()

	reader, err := d.reader(file)
	if err != nil {
		// Some filesystems cannot mmap; fall back to a plain read.
		return d.materializeDirect(file, path, shape, expected)
	}
	if reader.Len() != expected {
		return nil, errors.Errorf("parameter %q shaped %s needs %d bytes, but %q holds %d",
			path, shape, expected, file, reader.Len())
	}

	tensor := tensors.FromShape(shape)
	tensor.MutableBytes(func(data []byte) {
		var n int
		n, err = reader.ReadAt(data, 0)
		if err == io.EOF && n == len(data) {
			err = nil
		}
	})
	if err != nil {
		tensor.FinalizeAll()
		return nil, errors.Wrapf(err, "reading parameter %q from %q", path, file)
	}
	return tensor, nil
}

func (d *Dir) materializeDirect(file, path string, shape shapes.Shape, expected int) (*tensors.Tensor, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "reading parameter %q", path)
	}
	if len(raw) != expected {
		return nil, errors.Errorf("parameter %q shaped %s needs %d bytes, but %q holds %d",
			path, shape, expected, file, len(raw))
	}
	tensor := tensors.FromShape(shape)
	tensor.MutableBytes(func(data []byte) {
		copy(data, raw)
	})
	return tensor, nil
}

// Close unmaps every cached file. The Dir must not be used afterwards.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for file, reader := range d.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing mmap of %q", file)
		}
	}
	d.readers = nil
	return firstErr
}
