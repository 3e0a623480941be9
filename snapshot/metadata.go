// Package snapshot implements component C6 (SnapshotEngine): the wire
// format, capture sequence, and restore sequence from spec.md §3, §4.6,
// and §6.
package snapshot

import (
	"encoding/json"

	"github.com/cloudflare/pywasm-bootstrap/config"
)

// DsoHandleEntry is one entry of the JSON schema's dso_handles map.
type DsoHandleEntry struct {
	Handles []int `json:"handles"`
}

// Settings is the nested settings object of the JSON metadata schema.
type Settings struct {
	SnapshotType config.SnapshotType `json:"snapshot_type"`
	CompatFlags  config.CompatFlags  `json:"compat_flags"`
}

// Metadata is the JSON metadata schema of spec.md §3, decoded from or
// about to be encoded into a snapshot artifact.
type Metadata struct {
	Version             int                       `json:"version"`
	ImportedModulesList []string                  `json:"imported_modules_list"`
	Hiwire              json.RawMessage           `json:"hiwire,omitempty"`
	DsoHandles          map[string]DsoHandleEntry `json:"dso_handles"`
	LoadOrder           []string                  `json:"load_order"`
	SoMemoryBases       map[string]uint64         `json:"so_memory_bases"`
	SoTableBases        map[string]uint64         `json:"so_table_bases"`
	Settings            Settings                  `json:"settings"`
}

// LookupMemoryBase resolves a library's recorded memory base by checking
// both its full path and bare name, the alias rule spec.md §4.5 step 4
// requires. Table bases are not looked up here.
func (m Metadata) LookupMemoryBase(fullPath, baseName string) (uint64, bool) {
	if v, ok := m.SoMemoryBases[fullPath]; ok {
		return v, true
	}
	if baseName != "" {
		if v, ok := m.SoMemoryBases[baseName]; ok {
			return v, true
		}
	}
	return 0, false
}
