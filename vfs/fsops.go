// Package vfs adapts parsed tar trees (package C1) and a user's metadata
// bundle into the fixed operation set the interpreter's virtual file
// system expects: getattr, readdir, lookup, seek, read. It implements
// components C2 (ReadonlyFS) and C4 (MetadataFS) of the bootstrap core.
//
// Per spec.md §9 this follows the "polymorphism over FS op set" design
// note: FSNode is the small interface both the tar-backed and
// metadata-backed trees satisfy, and ReadonlyFS is the single generic
// wrapper that implements the interpreter-facing operations against any
// FSNode tree.
package vfs

import (
	"io"

	"github.com/cloudflare/pywasm-bootstrap/internal/unixmode"
)

// Attr is the getattr shape the interpreter's VFS expects (spec.md §4.2).
type Attr struct {
	Mode    uint32
	Size    uint64
	Atime   int64
	Mtime   int64
	Ctime   int64
	Blksize uint32
	Blocks  uint64
	Nlink   uint32
	Uid     uint32
	Gid     uint32
}

const blockSize = 4096

// FSNode is the minimal shape a tree node must provide. tarfs.Node and the
// metadata tree's node type both satisfy it through thin adapters so
// ReadonlyFS never needs to know which backed it.
type FSNode interface {
	IsDir() bool
	NodeMode() uint32
	NodeSize() uint64
	NodeMtime() int64
	ChildNames() []string
	Lookup(name string) (FSNode, bool)
	ReadAt(buf []byte, position int64) (int, error)
}

// Seek whence values, matching the POSIX constants the interpreter's FS
// layer uses (spec.md §4.2).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// ENOENT is returned (wrapped in an *Error) by Lookup on a miss, using the
// interpreter's own FS errno numbering, not the host's errno(2) value.
const ENOENT = unixmode.ENOENT

// Error is a VFS-level failure carrying an errno the interpreter's FS
// dispatch understands.
type Error struct {
	Errno int
	Op    string
}

func (e *Error) Error() string {
	return e.Op + ": errno " + itoa(e.Errno)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func errNoEnt(op string) error {
	return &Error{Errno: ENOENT, Op: op}
}

// GetAttr computes the Attr the interpreter's VFS getattr call needs for
// node, per spec.md §4.2: directories report a used_bytes of 1024 the way
// the teacher's fusefs.inodeAttr sizes directories, files report their
// real size.
func GetAttr(node FSNode) Attr {
	size := node.NodeSize()
	if node.IsDir() {
		size = 1024
	}
	return Attr{
		Mode:    node.NodeMode(),
		Size:    size,
		Atime:   node.NodeMtime(),
		Mtime:   node.NodeMtime(),
		Ctime:   node.NodeMtime(),
		Blksize: blockSize,
		Blocks:  unixmode.BlockCount(size),
		Nlink:   1,
	}
}

// usedBytes mirrors GetAttr's size convention for seek/read clamping.
func usedBytes(node FSNode) uint64 {
	if node.IsDir() {
		return 1024
	}
	return node.NodeSize()
}

// Readdir yields dir's child names in the order the node reports them:
// tar-walk insertion order for tar-backed trees, sorted for the metadata
// tree.
func Readdir(dir FSNode) []string {
	return dir.ChildNames()
}

// Lookup resolves name under dir, or returns an ENOENT *Error — including
// when dir is itself a file (spec.md §4.2: "missing directory lookups on
// a file also signal ENOENT").
func Lookup(dir FSNode, name string) (FSNode, error) {
	if !dir.IsDir() {
		return nil, errNoEnt("lookup")
	}
	child, ok := dir.Lookup(name)
	if !ok {
		return nil, errNoEnt("lookup")
	}
	return child, nil
}

// Seek computes a stream's new position given its current position,
// clamping nowhere itself — read() is what clamps against used_bytes.
func Seek(node FSNode, currentPos int64, offset int64, whence int) (int64, error) {
	switch whence {
	case SeekSet:
		return offset, nil
	case SeekCur:
		return currentPos + offset, nil
	case SeekEnd:
		return int64(usedBytes(node)) + offset, nil
	default:
		return 0, &Error{Errno: 28, Op: "seek"} // EINVAL in the WASM libc numbering
	}
}

// Read clamps length to the node's remaining used_bytes from position and
// copies the result into buf[offsetInBuf:offsetInBuf+n].
func Read(node FSNode, buf []byte, offsetInBuf int, length int, position int64) (int, error) {
	total := int64(usedBytes(node))
	if position >= total {
		return 0, nil
	}
	if remaining := total - position; int64(length) > remaining {
		length = int(remaining)
	}
	n, err := node.ReadAt(buf[offsetInBuf:offsetInBuf+length], position)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}
