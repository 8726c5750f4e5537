package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsonkit/jsonkit/internal/extdata"
	"github.com/jsonkit/jsonkit/internal/tree"
)

func mkfile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newScanner(t *testing.T, root string, rules extdata.Rules, excluded ...string) *Scanner {
	t.Helper()
	cache, err := extdata.NewCache(extdata.New(rules, nil), 0)
	require.NoError(t, err)
	s, err := New(Config{Root: root, Excluded: excluded, Cache: cache, Parallelism: 2})
	require.NoError(t, err)
	return s
}

func titles(nodes []*tree.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Title
	}
	return out
}

func TestScan_DirectoriesBeforeFilesSorted(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "C.json"} {
		mkfile(t, filepath.Join(root, name), `{}`)
	}
	for _, name := range []string{"zeta", "alpha", "Mid"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0755))
	}

	node, err := newScanner(t, root, nil).Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"Mid", "alpha", "zeta", "C.json", "a.json", "b.json"}, titles(node.Children))
	assert.Equal(t, root, node.Key)
	for _, c := range node.Children {
		assert.Equal(t, filepath.Join(root, c.Title), c.Key)
	}
}

func TestScan_ExcludesNonJSONHiddenAndSymlinks(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "keep.json"), `{}`)
	mkfile(t, filepath.Join(root, "notes.txt"), `text`)
	mkfile(t, filepath.Join(root, "README"), `text`)
	mkfile(t, filepath.Join(root, ".hidden.json"), `{}`)
	mkfile(t, filepath.Join(root, ".git", "config.json"), `{}`)
	require.NoError(t, os.Symlink(filepath.Join(root, "keep.json"), filepath.Join(root, "link.json")))

	node, err := newScanner(t, root, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.json"}, titles(node.Children))
}

func TestScan_NestedWithExtData(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "x", "y.json"), `{"tags":["a","b","a"]}`)
	mkfile(t, filepath.Join(root, "x", "broken.json"), `{"tags":`)
	require.NoError(t, os.Mkdir(filepath.Join(root, "x", "empty"), 0755))

	node, err := newScanner(t, root, extdata.Rules{"tags": "$.tags[*]"}).Scan(context.Background(), root)
	require.NoError(t, err)

	require.Len(t, node.Children, 1)
	x := node.Children[0]
	assert.Equal(t, filepath.Join(root, "x"), x.Key)
	assert.Equal(t, []string{"empty", "broken.json", "y.json"}, titles(x.Children))

	empty := x.Children[0]
	assert.True(t, empty.IsDir())
	assert.NotNil(t, empty.Children)

	broken := x.Children[1]
	assert.Nil(t, broken.ExtData, "malformed files are listed without extData")

	y := x.Children[2]
	assert.Equal(t, tree.ExtData{"tags": {"a", "b"}}, y.ExtData)
}

func TestScan_NoRulesMeansNoExtData(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "a.json"), `{"tags":["a"]}`)

	node, err := newScanner(t, root, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Nil(t, node.Children[0].ExtData)
}

func TestScan_AccessDenied(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "data")
	assets := filepath.Join(root, "public")
	require.NoError(t, os.MkdirAll(assets, 0755))
	mkfile(t, filepath.Join(assets, "app.json"), `{}`)
	mkfile(t, filepath.Join(root, "a.json"), `{}`)

	s := newScanner(t, root, nil, assets)

	_, err := s.Scan(context.Background(), base)
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	_, err = s.Scan(context.Background(), assets)
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	_, err = s.Scan(context.Background(), filepath.Join(root, ".."))
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	// The asset root is skipped when scanning its parent.
	node, err := s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, titles(node.Children))
}

func TestScan_SymlinkOutOfRootDenied(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "data")
	mkfile(t, filepath.Join(root, "sub", "inner.json"), `{}`)
	mkfile(t, filepath.Join(base, "secret", "private.json"), `{"tags":["leak"]}`)
	require.NoError(t, os.Symlink(filepath.Join(base, "secret"), filepath.Join(root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(base, "secret", "private.json"), filepath.Join(root, "private.json")))
	require.NoError(t, os.Symlink(filepath.Join(root, "sub"), filepath.Join(root, "alias")))

	s := newScanner(t, root, extdata.Rules{"tags": "tags"})

	_, err := s.Scan(context.Background(), filepath.Join(root, "escape"))
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	_, err = s.Check(filepath.Join(root, "escape", "private.json"))
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	_, err = s.Check(filepath.Join(root, "private.json"))
	assert.ErrorIs(t, err, tree.ErrAccessDenied)

	// A link that stays inside the root may be followed.
	node, err := s.Scan(context.Background(), filepath.Join(root, "alias"))
	require.NoError(t, err)
	assert.Equal(t, []string{"inner.json"}, titles(node.Children))

	// Links are left out of listings.
	node, err = s.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, titles(node.Children))
}

func TestScan_RootBehindSymlink(t *testing.T) {
	base := t.TempDir()
	mkfile(t, filepath.Join(base, "real", "a.json"), `{}`)
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(filepath.Join(base, "real"), link))

	s := newScanner(t, link, nil)
	node, err := s.Scan(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, titles(node.Children))

	_, err = s.Check(filepath.Join(link, "missing", "new.json"))
	assert.NoError(t, err)
}

func TestScan_NotFoundAndNotDirectory(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "a.json"), `{}`)
	s := newScanner(t, root, nil)

	_, err := s.Scan(context.Background(), filepath.Join(root, "missing"))
	assert.ErrorIs(t, err, tree.ErrNotFound)

	_, err = s.Scan(context.Background(), filepath.Join(root, "a.json"))
	assert.ErrorIs(t, err, tree.ErrIO)
}

func TestScan_UnreadableSubdirectoryIsOmitted(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "ok", "a.json"), `{}`)
	locked := filepath.Join(root, "locked")
	mkfile(t, filepath.Join(locked, "b.json"), `{}`)
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	node, err := newScanner(t, root, nil).Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, titles(node.Children))
}

func TestScan_DeepTree(t *testing.T) {
	root := t.TempDir()
	depth := 64
	parts := make([]string, depth)
	for i := range parts {
		parts[i] = "d"
	}
	deep := filepath.Join(append([]string{root}, parts...)...)
	mkfile(t, filepath.Join(deep, "leaf.json"), `{}`)

	node, err := newScanner(t, root, nil).Scan(context.Background(), root)
	require.NoError(t, err)

	cur := node
	for i := 0; i < depth; i++ {
		require.Len(t, cur.Children, 1)
		cur = cur.Children[0]
	}
	require.Len(t, cur.Children, 1)
	assert.Equal(t, "leaf.json", cur.Children[0].Title)
	assert.True(t, strings.HasSuffix(cur.Children[0].Key, filepath.Join("d", "leaf.json")))
}

func TestScan_CancelledContext(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "a.json"), `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newScanner(t, root, nil).Scan(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestList_ReturnsChildren(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "sub", "a.json"), `{}`)
	mkfile(t, filepath.Join(root, "b.json"), `{}`)

	nodes, err := newScanner(t, root, nil).List(context.Background(), filepath.Join(root, "sub"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, titles(nodes))
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
