// Package config loads the host-supplied compatibility flags and
// bootstrap-mode selection (spec.md §4.6, §6), and applies the fixed
// environment-variable rules the interpreter process expects.
package config

import (
	"os"

	goerrors "github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

// BootstrapMode selects one of spec.md §4.6's five mutually exclusive
// bootstrap modes.
type BootstrapMode string

const (
	ModeColdStart       BootstrapMode = "cold_start"
	ModeCreateBaseline  BootstrapMode = "create_baseline"
	ModeCreatePackage   BootstrapMode = "create_package"
	ModeCreateDedicated BootstrapMode = "create_dedicated"
	ModeRestore         BootstrapMode = "restore"
)

// SnapshotType is the settings.snapshot_type value recorded into and read
// back from a snapshot's metadata (spec.md §3).
type SnapshotType string

const (
	SnapshotBaseline  SnapshotType = "baseline"
	SnapshotPackage   SnapshotType = "package"
	SnapshotDedicated SnapshotType = "dedicated"
)

// CompatFlags are the named boolean feature flags spec.md §4.6's compat
// check reads from (the dedicated-snapshot flag among them) and that get
// persisted into a captured snapshot's settings.compat_flags.
type CompatFlags map[string]bool

// DedicatedEnabled reports whether the dedicated-snapshot compat flag is
// set, the flag spec.md §4.6's SnapshotTypeMismatch check compares against.
func (f CompatFlags) DedicatedEnabled() bool {
	return f["dedicated_snapshot"]
}

// LegacyPreloadOrder reports whether the 0.26.0a2 legacy preload-order
// compat mode (spec.md §4.5) is in effect.
func (f CompatFlags) LegacyPreloadOrder() bool {
	return f["legacy_preload_order_0_26_0a2"]
}

// Config is the full host-supplied configuration for one bootstrap run.
type Config struct {
	Mode        BootstrapMode `yaml:"mode"`
	CompatFlags CompatFlags   `yaml:"compat_flags"`

	// SecondValidationPhase marks the exceptional restore case from
	// spec.md §4.6's compat-flag check: during this phase any
	// non-dedicated snapshot fails validation, whatever the compat flags say.
	SecondValidationPhase bool `yaml:"second_validation_phase"`
}

// Load reads a YAML config file from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerrors.WrapPrefix(err, "config: reading "+path, 0)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, goerrors.WrapPrefix(err, "config: parsing "+path, 0)
	}
	if c.CompatFlags == nil {
		c.CompatFlags = CompatFlags{}
	}
	return &c, nil
}

// SessionEnv is the fixed environment-variable ruleset spec.md §6
// mandates for the interpreter process. LDLibraryPathExtra is appended
// after finalize_bootstrap, per ordering guarantee (iv) in §5; callers
// apply it in a second pass rather than including it here unconditionally.
func SessionEnv() map[string]string {
	return map[string]string{
		"HOME":           "/session",
		"PYTHONHASHSEED": "111",
	}
}

// LDLibraryPathExtra is the path appended to LD_LIBRARY_PATH after
// finalize_bootstrap (spec.md §6).
const LDLibraryPathExtra = "/session/metadata/python_modules/lib/"

// AugmentLDLibraryPath appends LDLibraryPathExtra to an existing
// LD_LIBRARY_PATH value, using ":" the way POSIX search paths are joined.
func AugmentLDLibraryPath(existing string) string {
	if existing == "" {
		return LDLibraryPathExtra
	}
	return existing + ":" + LDLibraryPathExtra
}

// CheckSnapshotType implements spec.md §4.6's compat-flag check:
// SnapshotTypeMismatch if a dedicated snapshot is being restored with the
// dedicated flag off (or vice versa), and also when a second validation
// phase is running against a non-dedicated snapshot.
func (c *Config) CheckSnapshotType(snapshotType SnapshotType) error {
	isDedicated := snapshotType == SnapshotDedicated
	if isDedicated != c.CompatFlags.DedicatedEnabled() {
		return goerrors.Errorf("config: SnapshotTypeMismatch: snapshot type %q, dedicated_snapshot flag=%v", snapshotType, c.CompatFlags.DedicatedEnabled())
	}
	if c.SecondValidationPhase && !isDedicated {
		return goerrors.Errorf("config: SnapshotTypeMismatch: second validation phase requires a dedicated snapshot, got %q", snapshotType)
	}
	return nil
}
