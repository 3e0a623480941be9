package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/pywasm-bootstrap/tarfs"
)

type memReader struct{ data []byte }

func (r *memReader) Read(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(r.data)) {
		return 0, nil
	}
	return copy(buf, r.data[offset:]), nil
}

func buildTree(t *testing.T) *tarfs.Node {
	t.Helper()
	root := tarfs.NewDir("", "/", 0o040755, 0)
	pkg := tarfs.NewDir("pkg", "/pkg", 0o040755, 0)
	require.True(t, root.InsertChild("pkg", pkg))

	data := []byte("hello world")
	reader := &memReader{data: data}
	file := &tarfs.Node{
		Kind:          tarfs.KindFile,
		Name:          "a.txt",
		Path:          "/pkg/a.txt",
		Mode:          0o100644,
		Size:          uint64(len(data)),
		ContentOffset: 0,
		SourceReader:  reader,
	}
	require.True(t, pkg.InsertChild("a.txt", file))
	return root
}

func TestReadonlyFSLookupAndRead(t *testing.T) {
	root := buildTree(t)
	fs := NewTrustedFS(FromTarNode(root))
	assert.True(t, fs.Trusted())

	pkg, err := fs.Lookup(fs.Root(), "pkg")
	require.NoError(t, err)
	assert.True(t, pkg.IsDir())

	file, err := fs.Lookup(pkg, "a.txt")
	require.NoError(t, err)
	assert.False(t, file.IsDir())

	attr := fs.GetAttr(file)
	assert.EqualValues(t, 11, attr.Size)

	buf := make([]byte, 32)
	n, err := fs.Read(file, buf, 0, len(buf), 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))

	_, err = fs.Lookup(pkg, "missing")
	require.Error(t, err)
	vfsErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ENOENT, vfsErr.Errno)
}

func TestReadonlyFSLookupOnFileIsENOENT(t *testing.T) {
	root := buildTree(t)
	fs := NewTrustedFS(FromTarNode(root))
	pkg, err := fs.Lookup(fs.Root(), "pkg")
	require.NoError(t, err)
	file, err := fs.Lookup(pkg, "a.txt")
	require.NoError(t, err)

	_, err = fs.Lookup(file, "anything")
	require.Error(t, err)
}

func TestReadClampsToUsedBytes(t *testing.T) {
	root := buildTree(t)
	fs := NewTrustedFS(FromTarNode(root))
	pkg, _ := fs.Lookup(fs.Root(), "pkg")
	file, _ := fs.Lookup(pkg, "a.txt")

	buf := make([]byte, 4)
	n, err := fs.Read(file, buf, 0, len(buf), 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // "hello world" has 3 bytes left from position 8
}

type fakeMetadataReader struct {
	names []string
	sizes []int
	data  [][]byte
}

func (r *fakeMetadataReader) Names() []string { return r.names }
func (r *fakeMetadataReader) Sizes() []int     { return r.sizes }
func (r *fakeMetadataReader) Read(idx int, pos int64, buf []byte) (int, error) {
	content := r.data[idx]
	if pos >= int64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[pos:]), nil
}

func TestMetadataFSBuildsTreeFromFlatNames(t *testing.T) {
	reader := &fakeMetadataReader{
		names: []string{"worker.py", "pkg/util.py"},
		sizes: []int{5, 7},
		data:  [][]byte{[]byte("worke"), []byte("helper1")},
	}
	root := BuildMetadataTree(reader)
	fs := NewUntrustedFS(root)
	assert.False(t, fs.Trusted())

	workerNode, err := fs.Lookup(fs.Root(), "worker.py")
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := fs.Read(workerNode, buf, 0, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, "worke", string(buf[:n]))

	pkgNode, err := fs.Lookup(fs.Root(), "pkg")
	require.NoError(t, err)
	assert.True(t, pkgNode.IsDir())

	utilNode, err := fs.Lookup(pkgNode, "util.py")
	require.NoError(t, err)
	buf2 := make([]byte, 7)
	n, err = fs.Read(utilNode, buf2, 0, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, "helper1", string(buf2[:n]))
}
