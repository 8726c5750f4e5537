package pathrules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsonkit/jsonkit/internal/tree"
)

func TestSplit(t *testing.T) {
	root := filepath.FromSlash("/data")

	segs, err := Split(root, filepath.FromSlash("/data/x/y.json"))
	require.NoError(t, err)
	assert.Equal(t, Segments{"x", "y.json"}, segs)

	segs, err = Split(root, root)
	require.NoError(t, err)
	assert.Empty(t, segs)

	_, err = Split(root, filepath.FromSlash("/other/y.json"))
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	_, err = Split(root, filepath.FromSlash("/data/../etc"))
	assert.ErrorIs(t, err, tree.ErrAccessDenied)
}

func TestSegments_JoinRoundTrip(t *testing.T) {
	root := filepath.FromSlash("/data")
	p := filepath.FromSlash("/data/a/b/c.json")

	segs, err := Split(root, p)
	require.NoError(t, err)
	assert.Equal(t, p, segs.Join(root))
	assert.Equal(t, root, Segments{}.Join(root))
}

func TestSegments_Ancestors(t *testing.T) {
	segs := Segments{"a", "b", "c.json"}

	anc := segs.Ancestors()
	require.Len(t, anc, 2)
	assert.Equal(t, Segments{"a"}, anc[0])
	assert.Equal(t, Segments{"a", "b"}, anc[1])

	// Appending to an ancestor must not clobber the original.
	_ = append(anc[0], "zzz")
	assert.Equal(t, Segments{"a", "b", "c.json"}, segs)

	assert.Nil(t, Segments{"a"}.Ancestors())
	assert.Equal(t, Segments{"a", "b"}, segs.Parent())
	assert.Equal(t, "c.json", segs.Base())
	assert.Equal(t, "", Segments{}.Base())
}

func TestContains(t *testing.T) {
	root := filepath.FromSlash("/data/a")

	assert.True(t, Contains(root, root))
	assert.True(t, Contains(root, filepath.FromSlash("/data/a/b")))
	assert.False(t, Contains(root, filepath.FromSlash("/data/ab")))
	assert.False(t, Contains(root, filepath.FromSlash("/data")))
}

func TestNameRules(t *testing.T) {
	assert.True(t, IsJSON("a.json"))
	assert.False(t, IsJSON("a.json.bak"))
	assert.True(t, HasNoExt("Makefile"))
	assert.False(t, HasNoExt("a.txt"))
	assert.True(t, IsHidden(filepath.FromSlash("/x/.git")))
	assert.False(t, IsHidden("visible.json"))
	assert.True(t, Segments{"a", ".cache", "b"}.HasHiddenSegment())
}

func TestReal(t *testing.T) {
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	target := filepath.Join(base, "target")
	require.NoError(t, os.Mkdir(target, 0755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(target, link))

	assert.Equal(t, target, Real(link))
	assert.Equal(t, filepath.Join(target, "a", "b.json"), Real(filepath.Join(link, "a", "b.json")))
	assert.Equal(t, filepath.Join(base, "missing"), Real(filepath.Join(base, "missing")))
}
