// Package dynlib implements component C5 (DynlibLoader): resolving a
// virtualized overlay's ".so" files to bytes and driving the interpreter
// through loading them in a deterministic order, with memory and
// function-table placement that is stable across a capture/restore cycle
// (spec.md §4.5, §9 PlacementOracle).
package dynlib

import (
	goerrors "github.com/go-errors/errors"

	"github.com/cloudflare/pywasm-bootstrap/hostmodule"
	"github.com/cloudflare/pywasm-bootstrap/overlay"
	"github.com/cloudflare/pywasm-bootstrap/tarfs"
	"github.com/cloudflare/pywasm-bootstrap/vfs"
)

// Record is the placement bookkeeping a capture persists and a later
// restore feeds back in, keyed by both a library's full resolve path and
// its bare file name (spec.md §4.5 step 4, §8 invariant: "DSO base
// stability").
type Record struct {
	MemoryBases map[string]uint64
	TableBases  map[string]uint64
	LoadOrder   []string
	Handles     map[string][]int
}

// NewRecord returns an empty Record ready to accumulate a fresh load.
func NewRecord() *Record {
	return &Record{
		MemoryBases: make(map[string]uint64),
		TableBases:  make(map[string]uint64),
		Handles:     make(map[string][]int),
	}
}

func lookupBase(m map[string]uint64, keys ...string) (uint64, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return 0, false
}

func errUnresolved(path string) error {
	return goerrors.Errorf("dynlib: could not resolve library path %q against any mounted file system", path)
}

// Loader drives DynlibLoader's preload sequence against a Module.
type Loader struct {
	Site     *vfs.ReadonlyFS
	Dynlib   *vfs.ReadonlyFS
	Metadata *vfs.ReadonlyFS
}

// resolve walks path (already "/"-split) across the three mountable trees
// in the order the source tries them: site-packages, then the dedicated
// dynlib tree, then the metadata bundle (spec.md §4.5 step 1). The first
// two are used only when they are trusted; the metadata bundle is tried
// only for paths rooted at session/metadata, resolved below that prefix.
func (l *Loader) resolve(path []string) (*vfs.ReadonlyFS, vfs.FSNode, bool) {
	for _, fs := range []*vfs.ReadonlyFS{l.Site, l.Dynlib} {
		if fs == nil || !fs.Trusted() {
			continue
		}
		if node, ok := fs.Resolve(path); ok {
			return fs, node, true
		}
	}
	if l.Metadata != nil && len(path) > 2 && path[0] == "session" && path[1] == "metadata" {
		if node, ok := l.Metadata.Resolve(path[2:]); ok {
			return l.Metadata, node, true
		}
	}
	return nil, nil, false
}

// legacyOrder reproduces the source's 0.26.0a2 fixed preload order
// (spec.md §4.5 "Legacy preload order"), which has two arms:
//
//   - isBaseline: only `_lzma.so` and `_ssl.so` are preloaded, in that
//     order, when either is present in files. Everything else a baseline
//     snapshot's overlay carries is left for the running interpreter to
//     dlopen on demand after restore, matching the source's behavior for
//     the run that produces or was restored from a baseline snapshot.
//   - otherwise: the full list, sorted with `_lzma.so` first and
//     `_ssl.so` second (the Testable Property 6 ordering of
//     tarfs.SortSoFiles, reused unchanged).
func legacyOrder(files []overlay.SoFile, isBaseline bool) []overlay.SoFile {
	paths := make([][]string, len(files))
	byPath := make(map[string]overlay.SoFile, len(files))
	for i, f := range files {
		paths[i] = f.ResolvePath
		byPath[joinPath(f.ResolvePath)] = f
	}
	sorted := tarfs.SortSoFiles(paths)

	if isBaseline {
		var out []overlay.SoFile
		for _, p := range sorted {
			base := p[len(p)-1]
			if base == "_lzma.so" || base == "_ssl.so" {
				out = append(out, byPath[joinPath(p)])
			}
		}
		return out
	}

	out := make([]overlay.SoFile, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, byPath[joinPath(p)])
	}
	return out
}

func joinPath(p []string) string {
	out := ""
	for i, c := range p {
		if i > 0 {
			out += "/"
		}
		out += c
	}
	return out
}

// Load preloads every library in files against mod, in the order recorded
// by prior (a previous capture being restored) or, absent that, legacyOrder
// when legacyCompat is set, or files' own attachment order otherwise.
// isBaseline selects legacyOrder's baseline-only arm and is ignored unless
// legacyCompat is set. It returns the Record a subsequent capture should
// persist.
//
// Handle continuity (spec.md §4.5 step 5) and base stability (step 4) both
// flow from prior: pass nil for a first-ever bootstrap.
func (l *Loader) Load(mod hostmodule.Module, files []overlay.SoFile, prior *Record, legacyCompat, isBaseline bool) (*Record, error) {
	order := files
	if prior != nil && len(prior.LoadOrder) > 0 {
		order = reorderByLoadOrder(files, prior.LoadOrder)
	} else if legacyCompat {
		order = legacyOrder(files, isBaseline)
	}

	record := NewRecord()
	if prior != nil {
		record.Handles = prior.Handles
	}

	for _, f := range order {
		if err := l.loadOne(mod, f, prior, record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// reorderByLoadOrder lays files out in the order loadOrder names (matching
// by full resolve path), appending any files loadOrder doesn't mention at
// the end — new libraries the current bundle selection picked up since the
// snapshot was captured.
func reorderByLoadOrder(files []overlay.SoFile, loadOrder []string) []overlay.SoFile {
	byPath := make(map[string]overlay.SoFile, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		byPath[joinPath(f.ResolvePath)] = f
	}
	out := make([]overlay.SoFile, 0, len(files))
	for _, p := range loadOrder {
		if f, ok := byPath[p]; ok {
			out = append(out, f)
			seen[p] = true
		}
	}
	for _, f := range files {
		if !seen[joinPath(f.ResolvePath)] {
			out = append(out, f)
		}
	}
	return out
}

func (l *Loader) loadOne(mod hostmodule.Module, f overlay.SoFile, prior *Record, record *Record) error {
	fullPath := joinPath(f.ResolvePath)
	baseName := ""
	if len(f.ResolvePath) > 0 {
		baseName = f.ResolvePath[len(f.ResolvePath)-1]
	}

	fs, node, ok := l.resolve(f.ResolvePath)
	if !ok {
		return errUnresolved(fullPath)
	}
	bytes, err := fs.ReadAll(node)
	if err != nil {
		return err
	}

	if err := mod.NewDso(fullPath); err != nil {
		return err
	}

	var usedPrior bool
	if prior != nil {
		if b, ok := lookupBase(prior.MemoryBases, fullPath, baseName); ok {
			if tb, ok := lookupBase(prior.TableBases, fullPath, baseName); ok {
				usedPrior = true
				place := func(uint32) (uint32, error) { return uint32(b), nil }
				if _, err := mod.LoadWasmModule(bytes, fullPath, place); err != nil {
					return err
				}
				record.MemoryBases[fullPath] = b
				record.MemoryBases[baseName] = b
				record.TableBases[fullPath] = tb
				record.TableBases[baseName] = tb
			}
		}
	}

	if !usedPrior {
		tableBaseBefore := uint64(mod.WasmTableLength())
		var memBase uint32
		place := func(size uint32) (uint32, error) {
			b, err := mod.AllocateFresh(size)
			if err != nil {
				return 0, err
			}
			memBase = b
			return b, nil
		}
		if _, err := mod.LoadWasmModule(bytes, fullPath, place); err != nil {
			return err
		}
		record.MemoryBases[fullPath] = uint64(memBase)
		record.MemoryBases[baseName] = uint64(memBase)
		record.TableBases[fullPath] = tableBaseBefore
		record.TableBases[baseName] = tableBaseBefore
		record.LoadOrder = append(record.LoadOrder, fullPath)
	}

	if handles, ok := record.Handles[fullPath]; ok && len(handles) > 0 {
		if err := mod.BindHandles(fullPath, handles); err != nil {
			return err
		}
	}

	return nil
}

// ReserveEmergencySlot borrows one function-table index for the duration
// of dynlib preload during a restore, and returns a function that gives it
// back (spec.md §6, Emergency Pyodide-0.28 shim). When no free slot is
// available nothing is reserved and the returned function does nothing.
func ReserveEmergencySlot(mod hostmodule.Module) func() {
	free := mod.FreeTableIndexes()
	if len(free) == 0 {
		return func() {}
	}
	slot := free[len(free)-1]
	mod.SetFreeTableIndexes(free[:len(free)-1])
	return func() {
		mod.SetFreeTableIndexes(append(mod.FreeTableIndexes(), slot))
	}
}
