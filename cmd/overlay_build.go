package main

import (
	"strings"

	goerrors "github.com/go-errors/errors"

	"github.com/cloudflare/pywasm-bootstrap/overlay"
	"github.com/cloudflare/pywasm-bootstrap/tarfs"
)

// smallBundleSpec is one "--small" flag value: path:requirement:site|dynlib
// (spec.md §4.3 add_small_bundle).
type smallBundleSpec struct {
	path        string
	requirement string
	installDir  overlay.InstallDir
}

func parseSmallBundleSpec(raw string) (smallBundleSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return smallBundleSpec{}, goerrors.Errorf("--small must be path:requirement:site|dynlib, got %q", raw)
	}
	var dir overlay.InstallDir
	switch parts[2] {
	case "site":
		dir = overlay.InstallSite
	case "dynlib":
		dir = overlay.InstallDynlib
	default:
		return smallBundleSpec{}, goerrors.Errorf("--small install dir must be site or dynlib, got %q", parts[2])
	}
	return smallBundleSpec{path: parts[0], requirement: parts[1], installDir: dir}, nil
}

// buildOverlay parses and folds in every small and big bundle named on the
// command line into a fresh overlay.VirtualizedDir, in the order given
// (spec.md §4.3: composition is commutative for non-colliding input, so
// order only matters for which package's name appears first in a
// collision diagnostic). File nodes in the resulting tree keep reading
// through the archives they came from, so the returned close func must
// stay deferred for as long as the overlay itself is in use (in
// particular, through any later dynlib load).
func buildOverlay(smallSpecs []string, bigPath string, bigRequirements []string) (*overlay.VirtualizedDir, func(), error) {
	v := overlay.New()
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, raw := range smallSpecs {
		spec, err := parseSmallBundleSpec(raw)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		tree, soFiles, closeFn, err := parseTarFile(spec.path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, closeFn)
		if err := v.AddSmallBundle(tree, soFiles, spec.requirement, spec.installDir); err != nil {
			closeAll()
			return nil, nil, err
		}
	}

	if bigPath != "" {
		tree, soFiles, closeFn, err := parseTarFile(bigPath)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, closeFn)
		if err := v.AddBigBundle(tree, soFiles, bigRequirements); err != nil {
			closeAll()
			return nil, nil, err
		}
	}

	return v, closeAll, nil
}

// parseTarFile opens path and runs it through tarfs.Parse, returning a
// close func the caller owns.
func parseTarFile(path string) (*tarfs.Node, [][]string, func(), error) {
	reader, closeFn, err := openFileTarReader(path)
	if err != nil {
		return nil, nil, func() {}, err
	}
	tree, soFiles, err := tarfs.Parse(reader)
	if err != nil {
		closeFn()
		return nil, nil, func() {}, goerrors.WrapPrefix(err, "parsing tar "+path, 0)
	}
	return tree, soFiles, closeFn, nil
}
