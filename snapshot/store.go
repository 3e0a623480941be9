package snapshot

import (
	"os"
	"path/filepath"

	"github.com/cloudflare/pywasm-bootstrap/config"
)

// ArtifactSink is the external sink spec.md §6 names: Store is used by
// validator mode, Put by disk mode. Both are fire-and-forget beyond their
// boolean result.
type ArtifactSink interface {
	Store(snapshotBytes []byte, importedModulesList []string, snapshotType config.SnapshotType) bool
	Put(name string, bytes []byte) bool
}

// SnapshotReader is the external host-supplied reader spec.md §6 names.
type SnapshotReader interface {
	Read(offset int64, buf []byte) (int, error)
	TotalSize() int64
	Dispose() error
}

// DiskArtifactSink writes artifacts to a local directory, grounded on the
// teacher's temp-file-then-rename object write (hcas/object_writer.go's
// makeTempFile followed by a final rename into the content-addressed
// path) so a reader never observes a partially written artifact.
type DiskArtifactSink struct {
	dir string
}

// NewDiskArtifactSink returns a sink that writes under dir.
func NewDiskArtifactSink(dir string) *DiskArtifactSink {
	return &DiskArtifactSink{dir: dir}
}

func (s *DiskArtifactSink) Put(name string, data []byte) bool {
	tmp, err := os.CreateTemp(s.dir, "snapshot-tmp-*")
	if err != nil {
		return false
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false
	}
	if err := tmp.Close(); err != nil {
		return false
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return false
	}
	return true
}

// Store ignores importedModulesList/snapshotType: disk mode persists the
// raw artifact bytes only, the JSON metadata embedded in it already
// carries both.
func (s *DiskArtifactSink) Store(snapshotBytes []byte, importedModulesList []string, snapshotType config.SnapshotType) bool {
	return s.Put("snapshot.bin", snapshotBytes)
}

// DiskSnapshotReader reads a previously stored artifact back off disk.
type DiskSnapshotReader struct {
	file *os.File
	size int64
}

// OpenDiskSnapshotReader opens path for reading.
func OpenDiskSnapshotReader(path string) (*DiskSnapshotReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &DiskSnapshotReader{file: f, size: info.Size()}, nil
}

func (r *DiskSnapshotReader) Read(offset int64, buf []byte) (int, error) {
	return r.file.ReadAt(buf, offset)
}

func (r *DiskSnapshotReader) TotalSize() int64 { return r.size }

func (r *DiskSnapshotReader) Dispose() error { return r.file.Close() }

// ReadAll reads an entire DiskSnapshotReader's content, the shape Decode
// needs.
func ReadAll(r SnapshotReader) ([]byte, error) {
	total := r.TotalSize()
	out := make([]byte, total)
	var pos int64
	for pos < total {
		n, err := r.Read(pos, out[pos:])
		if n > 0 {
			pos += int64(n)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return out[:pos], nil
}
