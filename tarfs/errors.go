package tarfs

import (
	goerrors "github.com/go-errors/errors"
)

// Internal parse errors (spec.md §4.1, §7): a bug in the archive or a
// corrupt upstream artifact, never a user mistake. All carry a stack via
// go-errors so the host can log cause + multi-line stack per §7.

func errInvalidHeader(field, path string) error {
	return goerrors.Errorf("tarfs: invalid header field %q for entry %q", field, path)
}

func errUnknownType(typeflag byte, path string) error {
	return goerrors.Errorf("tarfs: unsupported entry type %q for entry %q", string(typeflag), path)
}

func errOrphanEntry(path string) error {
	return goerrors.Errorf("tarfs: orphan entry %q: parent directory has no prior entry", path)
}
