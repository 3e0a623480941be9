package vfs

import (
	"sort"
	"strings"
)

// MetadataReader is the external interface a user's bundle (module
// sources plus data blobs) is read through (spec.md §6). It is flat: a
// list of "/"-separated names, a parallel list of sizes, and positional
// reads by index.
type MetadataReader interface {
	Names() []string
	Sizes() []int
	Read(idx int, pos int64, buf []byte) (int, error)
}

// metadataNode is a directory tree built once from a MetadataReader's flat
// name list, split on "/". Unlike tarfs.Node it is never trusted: the
// dynlib loader may only read extension-module bytes out of it via the
// explicit "/session/metadata/..." exception in spec.md §4.5 step 1, never
// as a general preload source.
type metadataNode struct {
	isDir      bool
	mode       uint32
	size       uint64
	fileIdx    int
	childOrder []string
	children   map[string]*metadataNode
}

const (
	metaDirMode = 0o040755
	metaRegMode = 0o100644
)

func newMetaDir() *metadataNode {
	return &metadataNode{isDir: true, mode: metaDirMode, children: make(map[string]*metadataNode)}
}

func (n *metadataNode) child(name string) *metadataNode {
	if existing, ok := n.children[name]; ok {
		return existing
	}
	child := newMetaDir()
	n.children[name] = child
	n.childOrder = append(n.childOrder, name)
	return child
}

// BuildMetadataTree indexes reader into a directory tree rooted at "/",
// splitting each flat name on "/" to build intermediate directories
// (spec.md §4.4).
func BuildMetadataTree(reader MetadataReader) FSNode {
	root := newMetaDir()
	names := reader.Names()
	sizes := reader.Sizes()

	for idx, name := range names {
		parts := strings.Split(strings.Trim(name, "/"), "/")
		cur := root
		for i, part := range parts {
			if part == "" {
				continue
			}
			if i == len(parts)-1 {
				leaf := &metadataNode{
					mode:    metaRegMode,
					size:    uint64(sizes[idx]),
					fileIdx: idx,
				}
				cur.children[part] = leaf
				cur.childOrder = append(cur.childOrder, part)
			} else {
				cur = cur.child(part)
			}
		}
	}

	return metadataFSNode{reader: reader, node: root}
}

type metadataFSNode struct {
	reader MetadataReader
	node   *metadataNode
}

func (n metadataFSNode) IsDir() bool      { return n.node.isDir }
func (n metadataFSNode) NodeMode() uint32 { return n.node.mode }
func (n metadataFSNode) NodeSize() uint64 { return n.node.size }
func (n metadataFSNode) NodeMtime() int64 { return 0 }

func (n metadataFSNode) ChildNames() []string {
	names := make([]string, 0, len(n.node.childOrder))
	names = append(names, n.node.childOrder...)
	sort.Strings(names)
	return names
}

func (n metadataFSNode) Lookup(name string) (FSNode, bool) {
	child, ok := n.node.children[name]
	if !ok {
		return nil, false
	}
	return metadataFSNode{reader: n.reader, node: child}, true
}

func (n metadataFSNode) ReadAt(buf []byte, position int64) (int, error) {
	if n.node.isDir {
		return 0, errNoEnt("read")
	}
	return n.reader.Read(n.node.fileIdx, position, buf)
}
