// Package client keeps a local mirror of the served tree current by
// applying change events as they arrive, without reloading the whole tree.
package client

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/jsonkit/jsonkit/internal/pathrules"
	"github.com/jsonkit/jsonkit/internal/tree"
)

// DisplayFunc is called with the path of the active file when its content
// changed and must be fetched and shown again.
type DisplayFunc func(path string)

// Reconciler owns a mirror of the tree under one root.
type Reconciler struct {
	mu      sync.Mutex
	root    *tree.Node
	active  string
	display DisplayFunc
}

// NewReconciler creates an empty mirror rooted at root. display may be nil.
func NewReconciler(root string, display DisplayFunc) *Reconciler {
	key := pathrules.Segments{}.Join(root)
	return &Reconciler{
		root:    tree.NewDir(filepath.Base(key), key),
		display: display,
	}
}

// Root returns the key of the mirror root.
func (r *Reconciler) Root() string {
	return r.root.Key
}

// Load replaces the mirror with nodes, the children of the root as returned
// by a directory listing.
func (r *Reconciler) Load(nodes []*tree.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := tree.NewDir(r.root.Title, r.root.Key)
	for _, n := range nodes {
		root.Insert(n)
	}
	r.root = root
}

// Snapshot returns a deep copy of the mirror.
func (r *Reconciler) Snapshot() *tree.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Clone()
}

// Lookup returns a copy of the node with the given key, or nil.
func (r *Reconciler) Lookup(key string) *tree.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	segs, err := pathrules.Split(r.root.Key, key)
	if err != nil {
		return nil
	}
	if n := r.find(segs); n != nil {
		return n.Clone()
	}
	return nil
}

// SetActive sets the currently displayed file. An empty path clears it.
func (r *Reconciler) SetActive(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = path
}

// Active returns the currently displayed file, or "".
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Apply mutates the mirror for one event and reports whether it changed.
// Events outside the root are ignored.
func (r *Reconciler) Apply(ev tree.Event) bool {
	r.mu.Lock()
	changed, redisplay := r.apply(ev)
	display := r.display
	r.mu.Unlock()

	if redisplay && display != nil {
		display(ev.Path)
	}
	return changed
}

func (r *Reconciler) apply(ev tree.Event) (changed, redisplay bool) {
	segs, err := pathrules.Split(r.root.Key, ev.Path)
	if err != nil || len(segs) == 0 {
		return false, false
	}

	switch ev.Kind {
	case tree.DirAdded:
		return r.add(segs, tree.NewDir(segs.Base(), segs.Join(r.root.Key))), false

	case tree.FileAdded:
		return r.add(segs, tree.NewFile(segs.Base(), segs.Join(r.root.Key), ev.ExtData)), false

	case tree.FileRemoved, tree.DirRemoved:
		parent := r.find(segs.Parent())
		if parent == nil || parent.Remove(segs.Base()) == nil {
			return false, false
		}
		if r.active != "" && pathrules.Contains(ev.Path, r.active) {
			r.active = ""
		}
		return true, false

	case tree.FileChanged:
		n := r.find(segs)
		if n == nil || n.IsDir() {
			return false, false
		}
		n.ExtData = ev.ExtData
		return true, r.active == n.Key
	}
	return false, false
}

// add inserts leaf at segs, first creating every missing ancestor directory.
func (r *Reconciler) add(segs pathrules.Segments, leaf *tree.Node) bool {
	parent := r.root
	for _, anc := range segs.Ancestors() {
		next := parent.Child(anc.Base())
		if next == nil || !next.IsDir() {
			next = tree.NewDir(anc.Base(), anc.Join(r.root.Key))
			parent.Insert(next)
		}
		parent = next
	}

	existing := parent.Child(leaf.Title)
	if existing != nil && existing.Kind == leaf.Kind {
		if leaf.IsDir() || reflect.DeepEqual(existing.ExtData, leaf.ExtData) {
			return false
		}
		existing.ExtData = leaf.ExtData
		return true
	}
	parent.Insert(leaf)
	return true
}

// find walks segs from the root. The empty segment list is the root.
func (r *Reconciler) find(segs pathrules.Segments) *tree.Node {
	cur := r.root
	for _, seg := range segs {
		// Files have no children, so a file in the middle ends the walk.
		if cur = cur.Child(seg); cur == nil {
			return nil
		}
	}
	return cur
}

// Graft replaces the children of the directory at key with a lazily
// fetched listing. The directory is created if it is missing.
func (r *Reconciler) Graft(key string, children []*tree.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	segs, err := pathrules.Split(r.root.Key, key)
	if err != nil {
		return err
	}

	dir := r.root
	if len(segs) > 0 {
		dir = r.find(segs)
		if dir == nil {
			r.add(segs, tree.NewDir(segs.Base(), segs.Join(r.root.Key)))
			dir = r.find(segs)
		}
		if !dir.IsDir() {
			return fmt.Errorf("%s is not a directory: %w", key, tree.ErrIO)
		}
	}

	dir.Children = make([]*tree.Node, 0, len(children))
	for _, c := range children {
		dir.Insert(c)
	}
	return nil
}

// Filter evaluates f against every node of the mirror. It never mutates
// the mirror.
func (r *Reconciler) Filter(f Filter, query string) FilterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res FilterResult
	expanded := make(map[string]bool)
	r.root.Walk(func(n *tree.Node) bool {
		if n == r.root || !f.Match(n, query) {
			return true
		}
		res.Matches = append(res.Matches, n.Key)

		segs, err := pathrules.Split(r.root.Key, n.Key)
		if err != nil {
			return true
		}
		for _, anc := range segs.Ancestors() {
			key := anc.Join(r.root.Key)
			if !expanded[key] {
				expanded[key] = true
				res.Expand = append(res.Expand, key)
			}
		}
		return true
	})
	return res
}
