// Package bootctx replaces the source's module-scope mutable globals
// (LOADED_SNAPSHOT_META, CREATED_SNAPSHOT_META, preload lists) with a
// single struct constructed once per interpreter and threaded through
// every component that used to reach for a global (spec.md §9).
package bootctx

import (
	"github.com/google/uuid"

	"github.com/cloudflare/pywasm-bootstrap/config"
	"github.com/cloudflare/pywasm-bootstrap/dynlib"
	"github.com/cloudflare/pywasm-bootstrap/overlay"
)

// Context is constructed once when an interpreter instance is created and
// carries everything that would otherwise live in global variables for
// the lifetime of that instance.
type Context struct {
	// ID identifies this interpreter instance for logging/tracing.
	ID uuid.UUID

	Config *config.Config

	// Overlay is the composed site-packages/dynlib view this instance
	// mounts. Built once, frozen before the interpreter runs.
	Overlay *overlay.VirtualizedDir

	// LoadedSnapshotMeta is the metadata of the snapshot this instance was
	// restored from, or nil on a cold start / baseline-create run. This
	// replaces the source's LOADED_SNAPSHOT_META global.
	LoadedSnapshotMeta *SnapshotMeta

	// CreatedSnapshotMeta accumulates the metadata this instance will
	// encode if it is running a create-* bootstrap mode. This replaces
	// CREATED_SNAPSHOT_META.
	CreatedSnapshotMeta *SnapshotMeta

	// DsoRecord accumulates dynlib placement bookkeeping across the
	// lifetime of this instance (spec.md §3's DsoRecord).
	DsoRecord *dynlib.Record
}

// SnapshotMeta mirrors the JSON metadata schema of spec.md §3, kept here
// (rather than only in the snapshot package) so bootctx.Context can refer
// to "the metadata of a snapshot" without importing snapshot, which in
// turn depends on bootctx for the in-progress capture state.
// snapshot.Metadata is a separate wire-format type (nested settings,
// dso_handles entries) that the snapshot package converts to and from
// this one.
type SnapshotMeta struct {
	Version             int
	ImportedModulesList []string
	Hiwire              []byte
	DsoHandles          map[string][]int
	LoadOrder           []string
	SoMemoryBases       map[string]uint64
	SoTableBases        map[string]uint64
	SnapshotType        config.SnapshotType
	CompatFlags         config.CompatFlags
}

// New constructs a fresh Context for one interpreter instance.
func New(cfg *config.Config) *Context {
	return &Context{
		ID:        uuid.New(),
		Config:    cfg,
		Overlay:   overlay.New(),
		DsoRecord: dynlib.NewRecord(),
	}
}

// BeginCapture initializes CreatedSnapshotMeta for a create-* bootstrap
// mode, called once at the start of the capture sequence (spec.md §4.6).
func (c *Context) BeginCapture(snapshotType config.SnapshotType) {
	c.CreatedSnapshotMeta = &SnapshotMeta{
		Version:       1,
		DsoHandles:    make(map[string][]int),
		SoMemoryBases: make(map[string]uint64),
		SoTableBases:  make(map[string]uint64),
		SnapshotType:  snapshotType,
		CompatFlags:   c.Config.CompatFlags,
	}
}
