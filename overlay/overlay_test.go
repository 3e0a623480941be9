package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/pywasm-bootstrap/tarfs"
)

func fileNode(name, path string) *tarfs.Node {
	return &tarfs.Node{
		Kind: tarfs.KindFile,
		Name: name,
		Path: path,
		Mode: 0o100644,
	}
}

func dirWithChild(name string, child *tarfs.Node) *tarfs.Node {
	d := tarfs.NewDir(name, "/"+name, 0o040755, 0)
	d.InsertChild(child.Name, child)
	return d
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "scikit-learn", CanonicalName("scikit_learn"))
	assert.Equal(t, "scikit-learn", CanonicalName("Scikit.Learn"))
	assert.Equal(t, "numpy", CanonicalName("NumPy"))
}

func TestAddSmallBundleCollision(t *testing.T) {
	v := New()

	tree1 := tarfs.NewDir("", "/", 0o040755, 0)
	tree1.InsertChild("conflict.py", fileNode("conflict.py", "/conflict.py"))

	tree2 := tarfs.NewDir("", "/", 0o040755, 0)
	tree2.InsertChild("conflict.py", fileNode("conflict.py", "/conflict.py"))

	require.NoError(t, v.AddSmallBundle(tree1, nil, "pkg-a", InstallSite))
	err := v.AddSmallBundle(tree2, nil, "pkg-b", InstallSite)
	require.Error(t, err)

	// Partial state from the failed call must not appear: only the
	// first bundle's child survives.
	assert.NotNil(t, v.SitePackagesRoot.Lookup("conflict.py"))
	assert.False(t, v.HasRequirementLoaded("pkg-b"))
}

func TestAddSmallBundleNonCollidingIsCommutative(t *testing.T) {
	makeTree := func(name string) *tarfs.Node {
		tree := tarfs.NewDir("", "/", 0o040755, 0)
		tree.InsertChild(name+".py", fileNode(name+".py", "/"+name+".py"))
		return tree
	}

	v1 := New()
	require.NoError(t, v1.AddSmallBundle(makeTree("a"), nil, "a", InstallSite))
	require.NoError(t, v1.AddSmallBundle(makeTree("b"), nil, "b", InstallSite))

	v2 := New()
	require.NoError(t, v2.AddSmallBundle(makeTree("b"), nil, "b", InstallSite))
	require.NoError(t, v2.AddSmallBundle(makeTree("a"), nil, "a", InstallSite))

	assert.ElementsMatch(t, v1.SitePackagesRoot.ChildNames(), v2.SitePackagesRoot.ChildNames())
}

func TestAddBigBundleSelection(t *testing.T) {
	tree := tarfs.NewDir("", "/", 0o040755, 0)
	tree.InsertChild("pkg_a", dirWithChild("pkg_a", fileNode("init.py", "/pkg_a/init.py")))
	tree.InsertChild("pkg_b", dirWithChild("pkg_b", fileNode("init.py", "/pkg_b/init.py")))
	tree.InsertChild("pkg_c", dirWithChild("pkg_c", fileNode("init.py", "/pkg_c/init.py")))

	soPaths := [][]string{
		{"pkg_a", "ext.so"},
		{"pkg_b", "ext.so"},
		{"pkg_c", "ext.so"},
	}

	v := New()
	require.NoError(t, v.AddBigBundle(tree, soPaths, []string{"pkg_a", "pkg_c"}))

	names := v.SitePackagesRoot.ChildNames()
	assert.ElementsMatch(t, []string{"pkg_a", "pkg_c"}, names)
	assert.True(t, v.HasRequirementLoaded("pkg_a"))
	assert.True(t, v.HasRequirementLoaded("pkg_c"))
	assert.False(t, v.HasRequirementLoaded("pkg_b"))

	so := v.SoFiles()
	require.Len(t, so, 2)
	for _, f := range so {
		assert.NotEqual(t, "pkg_b", f.ResolvePath[0])
		assert.Equal(t, []string{"ext.so"}, f.Fragment)
	}
}

func TestAddBigBundleMatchesByCanonicalName(t *testing.T) {
	tree := tarfs.NewDir("", "/", 0o040755, 0)
	tree.InsertChild("scikit_learn", dirWithChild("scikit_learn", fileNode("init.py", "/scikit_learn/init.py")))

	v := New()
	require.NoError(t, v.AddBigBundle(tree, nil, []string{"scikit-learn"}))

	assert.ElementsMatch(t, []string{"scikit_learn"}, v.SitePackagesRoot.ChildNames())
	assert.True(t, v.HasRequirementLoaded("scikit-learn"))
}

func TestAddBigBundleMissingRequirement(t *testing.T) {
	tree := tarfs.NewDir("", "/", 0o040755, 0)
	tree.InsertChild("pkg_a", dirWithChild("pkg_a", fileNode("init.py", "/pkg_a/init.py")))

	v := New()
	err := v.AddBigBundle(tree, nil, []string{"pkg_missing"})
	require.Error(t, err)
}
