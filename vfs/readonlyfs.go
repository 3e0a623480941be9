package vfs

import (
	"github.com/cloudflare/pywasm-bootstrap/tarfs"
)

// ReadonlyFS is the generic adapter from an FSNode tree to the
// interpreter's fixed VFS operation set (spec.md §4.2). A ReadonlyFS built
// from a trusted source (today: only tar-backed trees) may back dynamic
// library loads; one built over a user's metadata bundle may never.
//
// ReadonlyFS holds no replaceable read hook: Read is a fixed method that
// always dispatches to the package-level Read on the node it is given, so
// there is no stream-ops table a caller could reassign after construction.
type ReadonlyFS struct {
	root    FSNode
	trusted bool
}

// NewTrustedFS wraps a tar-backed tree. Only these may back dynlib loads.
func NewTrustedFS(root FSNode) *ReadonlyFS {
	return &ReadonlyFS{root: root, trusted: true}
}

// NewUntrustedFS wraps any other read-only tree (the metadata bundle).
func NewUntrustedFS(root FSNode) *ReadonlyFS {
	return &ReadonlyFS{root: root, trusted: false}
}

func (fs *ReadonlyFS) Root() FSNode    { return fs.root }
func (fs *ReadonlyFS) Trusted() bool   { return fs.trusted }
func (fs *ReadonlyFS) GetAttr(n FSNode) Attr { return GetAttr(n) }
func (fs *ReadonlyFS) Readdir(n FSNode) []string { return Readdir(n) }
func (fs *ReadonlyFS) Lookup(dir FSNode, name string) (FSNode, error) { return Lookup(dir, name) }
func (fs *ReadonlyFS) Seek(n FSNode, cur, offset int64, whence int) (int64, error) {
	return Seek(n, cur, offset, whence)
}
func (fs *ReadonlyFS) Read(n FSNode, buf []byte, offsetInBuf, length int, position int64) (int, error) {
	return Read(n, buf, offsetInBuf, length, position)
}

// Resolve walks a "/"-separated absolute path from the FS root, the way
// the dynlib loader resolves a library path to bytes (spec.md §4.5 step 1).
func (fs *ReadonlyFS) Resolve(pathComponents []string) (FSNode, bool) {
	cur := fs.root
	for _, comp := range pathComponents {
		if comp == "" {
			continue
		}
		next, ok := cur.Lookup(comp)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// ReadAll reads a file node's entire content, looping over Read calls the
// way a real caller must (io.ReadAll has no analogue here since FSNode
// exposes positioned reads, not a Reader). Used by the dynlib loader to
// pull a library's bytes before handing them to the interpreter.
func (fs *ReadonlyFS) ReadAll(n FSNode) ([]byte, error) {
	total := int(usedBytes(n))
	out := make([]byte, 0, total)
	buf := make([]byte, 64*1024)
	var pos int64
	for pos < int64(total) {
		read, err := fs.Read(n, buf, 0, len(buf), pos)
		if err != nil {
			return nil, err
		}
		if read == 0 {
			break
		}
		out = append(out, buf[:read]...)
		pos += int64(read)
	}
	return out, nil
}

// tarFSNode adapts *tarfs.Node to the FSNode interface so ReadonlyFS never
// needs to know it is looking at a tar-derived tree.
type tarFSNode struct {
	node *tarfs.Node
}

// FromTarNode wraps a tarfs tree root for mounting as a trusted FS.
func FromTarNode(root *tarfs.Node) FSNode {
	return tarFSNode{node: root}
}

func (n tarFSNode) IsDir() bool     { return n.node.Kind == tarfs.KindDir }
func (n tarFSNode) NodeMode() uint32 { return n.node.Mode }
func (n tarFSNode) NodeSize() uint64 { return n.node.Size }
func (n tarFSNode) NodeMtime() int64 { return n.node.Mtime }

func (n tarFSNode) ChildNames() []string {
	return n.node.ChildNames()
}

func (n tarFSNode) Lookup(name string) (FSNode, bool) {
	child := n.node.Lookup(name)
	if child == nil {
		return nil, false
	}
	return tarFSNode{node: child}, true
}

func (n tarFSNode) ReadAt(buf []byte, position int64) (int, error) {
	if n.node.Kind != tarfs.KindFile {
		return 0, errNoEnt("read")
	}
	return n.node.SourceReader.Read(n.node.ContentOffset+position, buf)
}
