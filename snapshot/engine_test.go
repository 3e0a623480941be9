package snapshot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/pywasm-bootstrap/bootctx"
	"github.com/cloudflare/pywasm-bootstrap/config"
	"github.com/cloudflare/pywasm-bootstrap/dynlib"
	"github.com/cloudflare/pywasm-bootstrap/hostmodule"
	"github.com/cloudflare/pywasm-bootstrap/overlay"
	"github.com/cloudflare/pywasm-bootstrap/tarfs"
	"github.com/cloudflare/pywasm-bootstrap/telemetry"
	"github.com/cloudflare/pywasm-bootstrap/usererr"
	"github.com/cloudflare/pywasm-bootstrap/vfs"
)

type snapshotTestReader struct{ data []byte }

func (r *snapshotTestReader) Read(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(r.data)) {
		return 0, nil
	}
	return copy(buf, r.data[offset:]), nil
}

func splitSnapshotPath(s string) []string {
	var out []string
	for _, c := range strings.Split(s, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func insertSnapshotFile(root *tarfs.Node, path []string, content []byte) {
	cur := root
	for i, comp := range path {
		if i == len(path)-1 {
			cur.InsertChild(comp, &tarfs.Node{
				Kind:          tarfs.KindFile,
				Name:          comp,
				Path:          "/" + strings.Join(path, "/"),
				Mode:          0o100644,
				Size:          uint64(len(content)),
				SourceReader:  &snapshotTestReader{data: content},
				ContentOffset: 0,
			})
			return
		}
		next := cur.Lookup(comp)
		if next == nil {
			next = tarfs.NewDir(comp, "", 0o040755, 0)
			cur.InsertChild(comp, next)
		}
		cur = next
	}
}

func buildSiteFSForSnapshot(files map[string][]byte) *vfs.ReadonlyFS {
	root := tarfs.NewDir("", "/", 0o040755, 0)
	for path, content := range files {
		insertSnapshotFile(root, splitSnapshotPath(path), content)
	}
	return vfs.NewTrustedFS(vfs.FromTarNode(root))
}

func singleFileTree(path string, content []byte) *tarfs.Node {
	root := tarfs.NewDir("", "/", 0o040755, 0)
	insertSnapshotFile(root, splitSnapshotPath(path), content)
	return root
}

type fakeModule struct {
	hostmodule.Module // nil embed: panics if a method we don't override is called

	heap        []byte
	tableLen    uint32
	free        []int
	nextMemBase uint32

	allocateCalls      int
	invalidated        bool
	rawRunStatus       int
	rawRunStderr       string
	hiwireOut          hostmodule.HiwireState
	finalizeCalled     bool
	finalizeGotState   hostmodule.HiwireState
	failImportModule   string
}

func newFakeModule(heapSize int) *fakeModule {
	return &fakeModule{
		heap:        make([]byte, heapSize),
		nextMemBase: 0x10000,
		hiwireOut:   hostmodule.HiwireState("{}"),
	}
}

func (m *fakeModule) Heap() []byte { return m.heap }

func (m *fakeModule) GrowMemory(additionalBytes uint32) error {
	m.heap = append(m.heap, make([]byte, additionalBytes)...)
	return nil
}

func (m *fakeModule) WasmTableLength() uint32     { return m.tableLen }
func (m *fakeModule) FreeTableIndexes() []int     { return m.free }
func (m *fakeModule) SetFreeTableIndexes(v []int) { m.free = v }

func (m *fakeModule) AllocateFresh(size uint32) (uint32, error) {
	m.allocateCalls++
	base := m.nextMemBase
	m.nextMemBase += size
	return base, nil
}

func (m *fakeModule) NewDso(path string) error { return nil }

func (m *fakeModule) LoadWasmModule(bytes []byte, path string, place hostmodule.PlacementFunc) (hostmodule.Exports, error) {
	if _, err := place(uint32(len(bytes))); err != nil {
		return nil, err
	}
	m.tableLen += 4
	return hostmodule.Exports{}, nil
}

func (m *fakeModule) BindHandles(path string, handles []int) error { return nil }

func (m *fakeModule) RawRun(code string) (int, string) {
	if m.failImportModule != "" && strings.Contains(code, "import "+m.failImportModule) {
		return 1, "ImportError: no module named " + m.failImportModule
	}
	return m.rawRunStatus, m.rawRunStderr
}

func (m *fakeModule) SerializeHiwireState(s hostmodule.Serializer) (hostmodule.HiwireState, error) {
	return m.hiwireOut, nil
}

func (m *fakeModule) FinalizeBootstrap(state hostmodule.HiwireState, d hostmodule.Deserializer) error {
	m.finalizeCalled = true
	m.finalizeGotState = state
	return nil
}

func (m *fakeModule) InvalidateImporterCaches() { m.invalidated = true }

func newTestEngine() *Engine {
	return NewEngine(&dynlib.Loader{}, telemetry.NewSlogTracer(nil))
}

func newTestConfig(dedicated bool) *config.Config {
	return &config.Config{
		CompatFlags: config.CompatFlags{"dedicated_snapshot": dedicated},
	}
}

func TestCaptureBaselineExcludesUserImports(t *testing.T) {
	mod := newFakeModule(1024)
	bctx := bootctx.New(newTestConfig(false))
	e := newTestEngine()

	artifact, err := e.Capture(mod, bctx, config.SnapshotBaseline, []string{"numpy", "pandas"}, nil)
	require.NoError(t, err)

	meta, _, err := Decode(artifact)
	require.NoError(t, err)
	assert.Empty(t, meta.ImportedModulesList)
	assert.Equal(t, config.SnapshotBaseline, meta.Settings.SnapshotType)
}

func TestCapturePackageRecordsSuccessfulImports(t *testing.T) {
	mod := newFakeModule(1024)
	mod.failImportModule = "broken"
	bctx := bootctx.New(newTestConfig(false))
	e := newTestEngine()

	artifact, err := e.Capture(mod, bctx, config.SnapshotPackage, []string{"numpy", "broken"}, nil)
	require.NoError(t, err)

	meta, _, err := Decode(artifact)
	require.NoError(t, err)
	assert.Equal(t, []string{"numpy"}, meta.ImportedModulesList)
}

func TestCaptureDedicatedFailsFastOnBrokenImport(t *testing.T) {
	mod := newFakeModule(1024)
	mod.failImportModule = "broken"
	bctx := bootctx.New(newTestConfig(true))
	e := newTestEngine()

	_, err := e.Capture(mod, bctx, config.SnapshotDedicated, []string{"broken"}, nil)
	assert.Error(t, err)
}

func TestCaptureDedicatedAbortsOnUnserializableGlobal(t *testing.T) {
	mod := newFakeModule(1024)
	bctx := bootctx.New(newTestConfig(true))
	e := newTestEngine()

	type foreignHandle struct{ id int }
	lookup := func() map[string]any {
		return map[string]any{"my_client": foreignHandle{id: 1}}
	}

	_, err := e.Capture(mod, bctx, config.SnapshotDedicated, nil, lookup)
	require.Error(t, err)
	var uerr *usererr.Error
	require.ErrorAs(t, err, &uerr)
}

func TestEncodeDecodeRoundTripViaCapture(t *testing.T) {
	mod := newFakeModule(2048)
	mod.hiwireOut = hostmodule.HiwireState(`{"ids":[1,2,3]}`)
	bctx := bootctx.New(newTestConfig(false))
	e := newTestEngine()

	artifact, err := e.Capture(mod, bctx, config.SnapshotPackage, nil, nil)
	require.NoError(t, err)

	meta, heap, err := Decode(artifact)
	require.NoError(t, err)
	assert.Equal(t, mod.Heap(), heap)
	assert.JSONEq(t, `{"ids":[1,2,3]}`, string(meta.Hiwire))
}

func TestRestoreRejectsSnapshotTypeMismatch(t *testing.T) {
	capturingMod := newFakeModule(64)
	captureCtx := bootctx.New(newTestConfig(false))
	e := newTestEngine()
	artifact, err := e.Capture(capturingMod, captureCtx, config.SnapshotPackage, nil, nil)
	require.NoError(t, err)

	restoringMod := newFakeModule(64)
	// restoringMod's config expects dedicated snapshots, but the artifact
	// above was captured as package-type: spec.md §4.6's SnapshotTypeMismatch.
	restoreCtx := bootctx.New(newTestConfig(true))
	_, err = e.Restore(restoringMod, restoreCtx, artifact)
	assert.Error(t, err)
}

func TestRestoreInvalidatesImporterCaches(t *testing.T) {
	capturingMod := newFakeModule(64)
	captureCtx := bootctx.New(newTestConfig(false))
	e := newTestEngine()
	artifact, err := e.Capture(capturingMod, captureCtx, config.SnapshotPackage, nil, nil)
	require.NoError(t, err)

	restoringMod := newFakeModule(64)
	restoreCtx := bootctx.New(newTestConfig(false))
	_, err = e.Restore(restoringMod, restoreCtx, artifact)
	require.NoError(t, err)
	assert.True(t, restoringMod.invalidated)
	assert.True(t, restoringMod.finalizeCalled)
}

func TestRestorePreservesRecordedMemoryBases(t *testing.T) {
	site := buildSiteFSForSnapshot(map[string][]byte{
		"pkg_a/ext.so": []byte("aaaa"),
	})

	capturingMod := newFakeModule(64)
	captureCtx := bootctx.New(newTestConfig(false))
	require.NoError(t, captureCtx.Overlay.AddSmallBundle(singleFileTree("pkg_a/ext.so", []byte("aaaa")), [][]string{{"pkg_a", "ext.so"}}, "pkg_a", overlay.InstallSite))

	e := &Engine{Loader: &dynlib.Loader{Site: site}, Tracer: telemetry.NewSlogTracer(nil)}
	artifact, err := e.Capture(capturingMod, captureCtx, config.SnapshotPackage, nil, nil)
	require.NoError(t, err)

	meta, _, err := Decode(artifact)
	require.NoError(t, err)
	firstBase, ok := meta.SoMemoryBases["pkg_a/ext.so"]
	require.True(t, ok)

	restoringMod := newFakeModule(64)
	restoreCtx := bootctx.New(newTestConfig(false))
	require.NoError(t, restoreCtx.Overlay.AddSmallBundle(singleFileTree("pkg_a/ext.so", []byte("aaaa")), [][]string{{"pkg_a", "ext.so"}}, "pkg_a", overlay.InstallSite))

	loadedMeta, err := e.Restore(restoringMod, restoreCtx, artifact)
	require.NoError(t, err)
	assert.Equal(t, firstBase, loadedMeta.SoMemoryBases["pkg_a/ext.so"])
	assert.Equal(t, 0, restoringMod.allocateCalls)
}
