package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	goerrors "github.com/go-errors/errors"

	"github.com/cloudflare/pywasm-bootstrap/config"
)

// magicBytes are the four raw header bytes spec.md §8 scenario 4 pins
// literally ("encoded bytes begin with 00 73 6E 70"); written and compared
// as raw bytes rather than through a single numeric constant so the wire
// format can never drift from that literal test vector regardless of how
// a hex constant might be transcribed.
var magicBytes = [4]byte{0x00, 0x73, 0x6e, 0x70}

const formatVersion = 2
const headerSize = 16

func errBadHeader(reason string) error {
	return goerrors.Errorf("snapshot: invalid artifact header: %s", reason)
}

func align8(n int) int {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}
	return n
}

// Encode produces the {header | json | pad | heap} byte layout of spec.md
// §6, with heap landing at the recorded heap_offset.
func Encode(meta Metadata, heap []byte) ([]byte, error) {
	jsonBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, goerrors.WrapPrefix(err, "snapshot: encoding metadata", 0)
	}
	heapOffset := align8(headerSize + len(jsonBytes))

	buf := make([]byte, heapOffset+len(heap))
	copy(buf[0:4], magicBytes[:])
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(heapOffset))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(jsonBytes)))
	copy(buf[headerSize:headerSize+len(jsonBytes)], jsonBytes)
	// bytes between the json and heapOffset are left zero (make already
	// zero-initializes buf), satisfying the zero-pad-to-alignment rule.
	copy(buf[heapOffset:], heap)
	return buf, nil
}

// Decode parses an artifact produced by Encode, or a legacy-format
// artifact (spec.md §8 scenario 5): one whose first four bytes are not
// magicBytes, where the first 8 bytes are instead heap_offset and
// json_bytes directly.
func Decode(data []byte) (Metadata, []byte, error) {
	if len(data) < 8 {
		return Metadata{}, nil, errBadHeader("shorter than the minimum 8-byte legacy header")
	}

	if len(data) >= headerSize && bytes.Equal(data[0:4], magicBytes[:]) {
		heapOffset := binary.LittleEndian.Uint32(data[8:12])
		jsonLen := binary.LittleEndian.Uint32(data[12:16])
		if int(heapOffset) > len(data) || headerSize+int(jsonLen) > len(data) {
			return Metadata{}, nil, errBadHeader("header fields exceed artifact length")
		}
		var meta Metadata
		if err := json.Unmarshal(data[headerSize:headerSize+jsonLen], &meta); err != nil {
			return Metadata{}, nil, goerrors.WrapPrefix(err, "snapshot: decoding metadata", 0)
		}
		return meta, data[heapOffset:], nil
	}

	heapOffset := binary.LittleEndian.Uint32(data[0:4])
	jsonLen := binary.LittleEndian.Uint32(data[4:8])
	if int(heapOffset) > len(data) || 8+int(jsonLen) > len(data) {
		return Metadata{}, nil, errBadHeader("legacy header fields exceed artifact length")
	}
	meta, err := decodeLegacyMetadata(data[8 : 8+jsonLen])
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, data[heapOffset:], nil
}

// decodeLegacyMetadata interprets the pre-version JSON shape: its
// top-level keys are dso_handles entries, and settings.baselineSnapshot
// maps to settings.snapshot_type (spec.md §3 legacy variant, §8 scenario 5).
func decodeLegacyMetadata(raw []byte) (Metadata, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Metadata{}, goerrors.WrapPrefix(err, "snapshot: decoding legacy metadata", 0)
	}

	snapshotType := config.SnapshotPackage
	if settingsRaw, ok := generic["settings"]; ok {
		var legacySettings struct {
			BaselineSnapshot bool `json:"baselineSnapshot"`
		}
		if err := json.Unmarshal(settingsRaw, &legacySettings); err == nil && legacySettings.BaselineSnapshot {
			snapshotType = config.SnapshotBaseline
		}
		delete(generic, "settings")
	}

	dsoHandles := make(map[string]DsoHandleEntry, len(generic))
	for k, v := range generic {
		var entry DsoHandleEntry
		if err := json.Unmarshal(v, &entry); err == nil {
			dsoHandles[k] = entry
		}
	}

	return Metadata{
		DsoHandles: dsoHandles,
		Settings:   Settings{SnapshotType: snapshotType},
	}, nil
}
