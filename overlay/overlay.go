// Package overlay implements component C3 (VirtualizedDir): composing
// multiple package trees into a single site-packages view and a single
// dynamic-library view, tracking which package contributed which ".so"
// file along the way.
package overlay

import (
	"github.com/cloudflare/pywasm-bootstrap/tarfs"
	"github.com/cloudflare/pywasm-bootstrap/usererr"
)

// InstallDir selects which of VirtualizedDir's two roots a small bundle
// mounts under.
type InstallDir int

const (
	InstallSite InstallDir = iota
	InstallDynlib
)

// SoFile is one dynamic library discovered while composing the overlay.
// ResolvePath is what DynlibLoader walks from Root to find the library's
// bytes; Fragment is the recorded path-component fragment per spec.md's
// data model — for packages folded in through AddBigBundle this has the
// package name dropped, matching §4.3's "the first component is dropped
// from the recorded fragment" (ResolvePath keeps the full path, package
// name included).
type SoFile struct {
	Root        InstallDir
	ResolvePath []string
	Fragment    []string
}

// VirtualizedDir holds the two composed roots plus bookkeeping the rest
// of the bootstrap core needs: which .so files to preload and which
// requirements have already been folded in.
type VirtualizedDir struct {
	SitePackagesRoot *tarfs.Node
	DynlibRoot       *tarfs.Node

	soFiles            []SoFile
	loadedRequirements map[string]bool

	// owner tracks which requirement installed each top-level name under
	// each root, so a later collision can name both offending packages in
	// a user-facing diagnostic rather than just the colliding path.
	owner map[InstallDir]map[string]string
}

// New creates an empty overlay with both roots as empty directories.
func New() *VirtualizedDir {
	return &VirtualizedDir{
		SitePackagesRoot:   tarfs.NewDir("", "/", 0o040755, 0),
		DynlibRoot:         tarfs.NewDir("", "/", 0o040755, 0),
		loadedRequirements: make(map[string]bool),
		owner: map[InstallDir]map[string]string{
			InstallSite:   make(map[string]string),
			InstallDynlib: make(map[string]string),
		},
	}
}

// errDuplicateEntry reports a collision between two packages: a user
// mistake (two bundled packages both provide the same file), not an
// internal bug, per spec.md §7.
func errDuplicateEntry(path, existingOwner, newOwner string) error {
	return usererr.DuplicateEntry(path, existingOwner, newOwner)
}

// errMissingRequirement reports a requirement with no matching bundle
// entry — also a user mistake (spec.md §4.3 MissingRequirement).
func errMissingRequirement(name string) error {
	return usererr.UnknownRequirement(name)
}

func (v *VirtualizedDir) rootFor(dir InstallDir) *tarfs.Node {
	if dir == InstallDynlib {
		return v.DynlibRoot
	}
	return v.SitePackagesRoot
}

// attachUnique inserts every top-level child of src into dst, erroring
// without modifying dst if any name is already present — the overlay
// invariant applies at the point of attachment (spec.md §4.3, §8
// invariant 4: composition always errors on colliding names, never
// silently). Collisions deeper than the attachment point cannot occur:
// two subtrees can only ever share a path if they share a top-level name,
// and that is exactly what this check rejects. owners records, and checks
// against, which requirement already claimed each top-level name.
func attachUnique(dst, src *tarfs.Node, owners map[string]string, newOwner string) error {
	for _, child := range src.Children() {
		if dst.Lookup(child.Name) != nil {
			return errDuplicateEntry(child.Path, owners[child.Name], newOwner)
		}
	}
	for _, child := range src.Children() {
		dst.InsertChild(child.Name, child)
		owners[child.Name] = newOwner
	}
	return nil
}

// AddSmallBundle mounts tree's entire contents under either the
// site-packages or dynlib root (spec.md §4.3). soPaths are recorded as-is
// since they are already relative to the root they are mounted under.
func (v *VirtualizedDir) AddSmallBundle(tree *tarfs.Node, soPaths [][]string, requirement string, installDir InstallDir) error {
	root := v.rootFor(installDir)
	if err := attachUnique(root, tree, v.owner[installDir], requirement); err != nil {
		return err
	}

	for _, p := range soPaths {
		v.soFiles = append(v.soFiles, SoFile{
			Root:        installDir,
			ResolvePath: p,
			Fragment:    p,
		})
	}
	if requirement != "" {
		v.loadedRequirements[CanonicalName(requirement)] = true
	}
	return nil
}

// AddBigBundle overlays, for each name in requirements, tree's subtree of
// that name under site-packages (spec.md §4.3). .so paths are kept only
// when their first component names a requested requirement; the first
// component is then dropped from the recorded Fragment, while
// ResolvePath keeps it so DynlibLoader can still find the bytes.
func (v *VirtualizedDir) AddBigBundle(tree *tarfs.Node, soPaths [][]string, requirements []string) error {
	wanted := make(map[string]bool, len(requirements))
	for _, r := range requirements {
		wanted[CanonicalName(r)] = true
	}

	for _, name := range requirements {
		child := lookupCanonical(tree, name)
		if child == nil {
			return errMissingRequirement(name)
		}
		if err := attachUnique(v.SitePackagesRoot, wrapSingleChild(child), v.owner[InstallSite], name); err != nil {
			return err
		}
		v.loadedRequirements[CanonicalName(name)] = true
	}

	for _, p := range soPaths {
		if len(p) == 0 {
			continue
		}
		if !wanted[CanonicalName(p[0])] {
			continue
		}
		v.soFiles = append(v.soFiles, SoFile{
			Root:        InstallSite,
			ResolvePath: p,
			Fragment:    p[1:],
		})
	}
	return nil
}

// lookupCanonical finds tree's direct child whose CanonicalName matches
// name, per spec.md §4.3's "package names are matched canonically"
// (AddBigBundle's requirements arrive as user-facing package names, which
// may differ from a bundle's actual top-level directory name only in case
// or separator style).
func lookupCanonical(tree *tarfs.Node, name string) *tarfs.Node {
	want := CanonicalName(name)
	for _, child := range tree.Children() {
		if CanonicalName(child.Name) == want {
			return child
		}
	}
	return nil
}

// wrapSingleChild presents a single existing node as a one-child
// directory so attachUnique's "check then insert top-level children"
// logic can be reused unchanged for the big-bundle per-requirement case.
func wrapSingleChild(child *tarfs.Node) *tarfs.Node {
	wrapper := tarfs.NewDir("", "/", 0o040755, 0)
	wrapper.InsertChild(child.Name, child)
	return wrapper
}

// HasRequirementLoaded reports whether a package by this name has already
// been folded into the overlay, used by higher layers to skip
// already-installed packages.
func (v *VirtualizedDir) HasRequirementLoaded(name string) bool {
	return v.loadedRequirements[CanonicalName(name)]
}

// SoFiles returns the ordered list of discovered .so files, in attachment
// order (the order DynlibLoader uses when no load_order has been recorded
// and legacy preload ordering is off; the legacy path re-sorts it —
// spec.md §4.5).
func (v *VirtualizedDir) SoFiles() []SoFile {
	out := make([]SoFile, len(v.soFiles))
	copy(out, v.soFiles)
	return out
}
