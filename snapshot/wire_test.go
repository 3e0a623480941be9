package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/pywasm-bootstrap/config"
)

func sampleMetadata() Metadata {
	return Metadata{
		Version:             1,
		ImportedModulesList: []string{"numpy", "json"},
		DsoHandles: map[string]DsoHandleEntry{
			"numpy/core/_multiarray_umath.so": {Handles: []int{3}},
		},
		LoadOrder:     []string{"numpy/core/_multiarray_umath.so"},
		SoMemoryBases: map[string]uint64{"numpy/core/_multiarray_umath.so": 0x20000},
		SoTableBases:  map[string]uint64{"numpy/core/_multiarray_umath.so": 12},
		Settings: Settings{
			SnapshotType: config.SnapshotPackage,
			CompatFlags:  config.CompatFlags{"dedicated_snapshot": false},
		},
	}
}

func TestEncodeHeaderStartsWithMagicBytes(t *testing.T) {
	heap := bytes.Repeat([]byte{0x41}, 65536)
	encoded, err := Encode(sampleMetadata(), heap)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(encoded), 16)
	assert.Equal(t, []byte{0x00, 0x73, 0x6e, 0x70}, encoded[0:4])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	heap := bytes.Repeat([]byte{0x41}, 65536)
	meta := sampleMetadata()

	encoded, err := Encode(meta, heap)
	require.NoError(t, err)

	decodedMeta, decodedHeap, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, meta.ImportedModulesList, decodedMeta.ImportedModulesList)
	assert.Equal(t, meta.LoadOrder, decodedMeta.LoadOrder)
	assert.Equal(t, meta.SoMemoryBases, decodedMeta.SoMemoryBases)
	assert.Equal(t, meta.SoTableBases, decodedMeta.SoTableBases)
	assert.Equal(t, meta.DsoHandles, decodedMeta.DsoHandles)
	assert.Equal(t, meta.Settings, decodedMeta.Settings)
	assert.Equal(t, heap, decodedHeap)
}

func TestEncodeHeapStartsOn8ByteBoundary(t *testing.T) {
	heap := []byte{1, 2, 3}
	encoded, err := Encode(sampleMetadata(), heap)
	require.NoError(t, err)

	heapOffset := len(encoded) - len(heap)
	assert.Equal(t, 0, heapOffset%8)
}

// legacyArtifact builds a pre-version artifact: no magic, an 8-byte
// {heap_offset, json_bytes} header, and a settings.baselineSnapshot flag
// rather than settings.snapshot_type.
func legacyArtifact(t *testing.T) ([]byte, []byte) {
	t.Helper()
	legacyJSON := []byte(`{
		"_lzma.so": {"handles": [2]},
		"settings": {"baselineSnapshot": true}
	}`)
	heap := bytes.Repeat([]byte{0x7f}, 64)
	heapOffset := 8 + len(legacyJSON)

	buf := make([]byte, heapOffset+len(heap))
	putU32LE(buf[0:4], uint32(heapOffset))
	putU32LE(buf[4:8], uint32(len(legacyJSON)))
	copy(buf[8:8+len(legacyJSON)], legacyJSON)
	copy(buf[heapOffset:], heap)
	return buf, heap
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestDecodeLegacyArtifact(t *testing.T) {
	artifact, heap := legacyArtifact(t)

	meta, decodedHeap, err := Decode(artifact)
	require.NoError(t, err)

	assert.Equal(t, heap, decodedHeap)
	assert.Equal(t, config.SnapshotBaseline, meta.Settings.SnapshotType)
	require.Contains(t, meta.DsoHandles, "_lzma.so")
	assert.Equal(t, []int{2}, meta.DsoHandles["_lzma.so"].Handles)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{0, 1, 2})
	assert.Error(t, err)
}

func TestDecodeRejectsHeaderFieldsPastArtifactLength(t *testing.T) {
	encoded, err := Encode(sampleMetadata(), []byte{1, 2, 3})
	require.NoError(t, err)

	// The heap runs to the end of the artifact, so only a cut that reaches
	// back before heap_offset makes a header field point past the end:
	// drop the whole 3-byte heap plus one more byte.
	_, _, err = Decode(encoded[:len(encoded)-4])
	assert.Error(t, err)
}
