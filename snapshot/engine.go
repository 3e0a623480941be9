package snapshot

import (
	"context"
	"encoding/json"
	"strings"

	goerrors "github.com/go-errors/errors"

	"github.com/cloudflare/pywasm-bootstrap/bootctx"
	"github.com/cloudflare/pywasm-bootstrap/config"
	"github.com/cloudflare/pywasm-bootstrap/dynlib"
	"github.com/cloudflare/pywasm-bootstrap/hostmodule"
	"github.com/cloudflare/pywasm-bootstrap/telemetry"
	"github.com/cloudflare/pywasm-bootstrap/usererr"
)

// ImportPrelude is the fixed, ordered word list spec.md §4.6 names; the
// asyncio import dominates the warm-up cost.
var ImportPrelude = []string{
	"_pyodide.docstring", "_pyodide._core_docs", "traceback", "collections.abc",
	"asyncio", "inspect", "tarfile", "importlib.metadata", "re", "shutil",
	"sysconfig", "importlib.machinery", "pathlib", "site", "tempfile",
	"typing", "zipfile",
}

// Engine drives the capture and restore sequences of spec.md §4.6.
type Engine struct {
	Loader *dynlib.Loader
	Tracer telemetry.Tracer
}

// NewEngine constructs an Engine.
func NewEngine(loader *dynlib.Loader, tracer telemetry.Tracer) *Engine {
	return &Engine{Loader: loader, Tracer: tracer}
}

func preludeCode(modules []string) string {
	var b strings.Builder
	for _, m := range modules {
		b.WriteString("import ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	b.WriteString("sysconfig.get_config_vars()\n")
	for _, m := range modules {
		root := m
		if idx := strings.IndexByte(root, '.'); idx >= 0 {
			root = root[:idx]
		}
		b.WriteString("del ")
		b.WriteString(root)
		b.WriteString("\n")
	}
	return b.String()
}

func filterUserImports(userTopLevelImports []string, prelude []string) []string {
	preludeRoots := make(map[string]bool, len(prelude))
	for _, m := range prelude {
		preludeRoots[m] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range userTopLevelImports {
		if preludeRoots[m] || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Capture runs spec.md §4.6's capture sequence and returns the encoded
// artifact bytes. lookupForeignObjects supplies the live top-level globals
// a dedicated-mode capture must serialize into the hiwire state; it is
// nil for baseline/package mode, where there is no user state to capture.
func (e *Engine) Capture(
	mod hostmodule.Module,
	bctx *bootctx.Context,
	snapshotType config.SnapshotType,
	userTopLevelImports []string,
	lookupForeignObjects func() map[string]any,
) (_ []byte, err error) {
	_, span := e.Tracer.Start(context.Background(), "snapshot.capture")
	span.SetAttr("snapshot_type", string(snapshotType))
	defer func() { span.End(err) }()

	bctx.BeginCapture(snapshotType)

	var prior *dynlib.Record
	if bctx.LoadedSnapshotMeta != nil {
		prior = &dynlib.Record{
			MemoryBases: bctx.LoadedSnapshotMeta.SoMemoryBases,
			TableBases:  bctx.LoadedSnapshotMeta.SoTableBases,
			LoadOrder:   bctx.LoadedSnapshotMeta.LoadOrder,
			Handles:     bctx.LoadedSnapshotMeta.DsoHandles,
		}
	}
	record, err := e.Loader.Load(mod, bctx.Overlay.SoFiles(), prior, bctx.Config.CompatFlags.LegacyPreloadOrder(), snapshotType == config.SnapshotBaseline)
	if err != nil {
		return nil, err
	}
	bctx.DsoRecord = record

	status, stderr := mod.RawRun(preludeCode(ImportPrelude))
	if status != 0 {
		return nil, goerrors.Errorf("snapshot: import prelude failed: %s", stderr)
	}

	var importedModules []string
	if snapshotType == config.SnapshotPackage || snapshotType == config.SnapshotDedicated {
		fresh := filterUserImports(userTopLevelImports, ImportPrelude)
		for _, m := range fresh {
			status, stderr := mod.RawRun("import " + m)
			if status != 0 {
				if snapshotType == config.SnapshotDedicated {
					return nil, goerrors.Errorf("snapshot: dedicated-mode import of %q failed: %s", m, stderr)
				}
				// package-mode prelude imports are best-effort (spec.md §7).
				continue
			}
			importedModules = append(importedModules, m)
		}
	}

	var failedValue any
	serializer := func(obj any) (hostmodule.SerializedRef, bool) {
		ref, ok := tryBuiltinSerialize(obj)
		if !ok {
			failedValue = obj
		}
		return ref, ok
	}

	var hiwireState hostmodule.HiwireState
	if snapshotType == config.SnapshotDedicated && lookupForeignObjects != nil {
		for _, v := range lookupForeignObjects() {
			if _, ok := tryBuiltinSerialize(v); !ok {
				serializer(v)
				return nil, usererr.UnserializableForeignObject(failedValue)
			}
		}
	}
	hiwireState, err = mod.SerializeHiwireState(serializer)
	if err != nil {
		if failedValue != nil {
			return nil, usererr.UnserializableForeignObject(failedValue)
		}
		return nil, err
	}

	meta := *bctx.CreatedSnapshotMeta
	meta.ImportedModulesList = importedModules
	meta.LoadOrder = record.LoadOrder
	meta.SoMemoryBases = record.MemoryBases
	meta.SoTableBases = record.TableBases
	meta.DsoHandles = record.Handles
	meta.Hiwire = hiwireState

	return Encode(toWireMetadata(meta), mod.Heap())
}

// tryBuiltinSerialize handles the small set of foreign objects this core
// knows how to describe directly (nil and plain data are always fine);
// anything else must come back from the interpreter's own serializer.
func tryBuiltinSerialize(obj any) (hostmodule.SerializedRef, bool) {
	if obj == nil {
		return hostmodule.SerializedRef{}, true
	}
	switch obj.(type) {
	case string, bool, int, int64, float64, []byte:
		return hostmodule.SerializedRef{}, true
	default:
		return hostmodule.SerializedRef{}, false
	}
}

func toDsoHandleEntries(handles map[string][]int) map[string]DsoHandleEntry {
	out := make(map[string]DsoHandleEntry, len(handles))
	for k, v := range handles {
		out[k] = DsoHandleEntry{Handles: v}
	}
	return out
}

func toWireMetadata(m bootctx.SnapshotMeta) Metadata {
	return Metadata{
		Version:             m.Version,
		ImportedModulesList: m.ImportedModulesList,
		Hiwire:              json.RawMessage(m.Hiwire),
		DsoHandles:          toDsoHandleEntries(m.DsoHandles),
		LoadOrder:           m.LoadOrder,
		SoMemoryBases:       m.SoMemoryBases,
		SoTableBases:        m.SoTableBases,
		Settings: Settings{
			SnapshotType: m.SnapshotType,
			CompatFlags:  m.CompatFlags,
		},
	}
}

// Restore runs spec.md §4.6's restore sequence against artifact,
// returning the decoded metadata for bootctx.Context.LoadedSnapshotMeta.
func (e *Engine) Restore(mod hostmodule.Module, bctx *bootctx.Context, artifact []byte) (_ *bootctx.SnapshotMeta, err error) {
	_, span := e.Tracer.Start(context.Background(), "snapshot.restore")
	defer func() { span.End(err) }()

	meta, heap, err := Decode(artifact)
	if err != nil {
		return nil, err
	}
	if err := bctx.Config.CheckSnapshotType(meta.Settings.SnapshotType); err != nil {
		return nil, err
	}

	prior := &dynlib.Record{
		MemoryBases: meta.SoMemoryBases,
		TableBases:  meta.SoTableBases,
		LoadOrder:   meta.LoadOrder,
		Handles:     fromDsoHandleEntries(meta.DsoHandles),
	}

	release := dynlib.ReserveEmergencySlot(mod)
	defer release()

	if uint32(len(heap)) > uint32(len(mod.Heap())) {
		if err := mod.GrowMemory(uint32(len(heap)) - uint32(len(mod.Heap()))); err != nil {
			return nil, err
		}
	}

	record, err := e.Loader.Load(mod, bctx.Overlay.SoFiles(), prior, bctx.Config.CompatFlags.LegacyPreloadOrder(), meta.Settings.SnapshotType == config.SnapshotBaseline)
	if err != nil {
		return nil, err
	}
	bctx.DsoRecord = record

	copy(mod.Heap(), heap)

	mod.InvalidateImporterCaches()

	deserializer := func(ref hostmodule.SerializedRef) (any, error) {
		return nil, goerrors.Errorf("snapshot: unrecognized serialized ref for module %q", ref.ModuleName)
	}
	if err := mod.FinalizeBootstrap(hostmodule.HiwireState(meta.Hiwire), deserializer); err != nil {
		return nil, err
	}

	loadedMeta := &bootctx.SnapshotMeta{
		Version:             meta.Version,
		ImportedModulesList: meta.ImportedModulesList,
		Hiwire:              []byte(meta.Hiwire),
		DsoHandles:          fromDsoHandleEntries(meta.DsoHandles),
		LoadOrder:           meta.LoadOrder,
		SoMemoryBases:       meta.SoMemoryBases,
		SoTableBases:        meta.SoTableBases,
		SnapshotType:        meta.Settings.SnapshotType,
		CompatFlags:         meta.Settings.CompatFlags,
	}
	bctx.LoadedSnapshotMeta = loadedMeta
	return loadedMeta, nil
}

func fromDsoHandleEntries(entries map[string]DsoHandleEntry) map[string][]int {
	out := make(map[string][]int, len(entries))
	for k, v := range entries {
		out[k] = v.Handles
	}
	return out
}
