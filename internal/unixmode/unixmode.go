// Package unixmode carries the small slice of POSIX mode-bit constants the
// virtual file system needs to translate tar headers and directory entries
// into the attribute shape the interpreter's FS layer expects.
package unixmode

import (
	"golang.org/x/sys/unix"
)

const (
	S_IFDIR = unix.S_IFDIR
	S_IFREG = unix.S_IFREG
)

// ENOENT is the errno the interpreter's virtual FS layer expects on a
// failed lookup. This is the WASM libc FS numbering, not the host kernel's
// errno(2) value (which is 2) — see spec.md §4.2.
const ENOENT = 44

// BlockCount returns the number of 4096-byte blocks needed to hold size
// bytes, per ReadonlyFS.getattr in spec.md §4.2.
func BlockCount(size uint64) uint64 {
	return (size + 4095) / 4096
}
