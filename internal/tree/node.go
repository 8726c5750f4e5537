// Package tree defines the data model exchanged between the server and its
// clients: directory tree nodes, canonical change events and the error
// taxonomy shared by every component.
package tree

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Kind distinguishes directories from files.
type Kind int

const (
	// KindDirectory is a directory node; it carries children.
	KindDirectory Kind = iota
	// KindFile is a JSON file node; it may carry extData.
	KindFile
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindDirectory, KindFile:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown node kind %d", int(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "directory":
		*k = KindDirectory
	case "file":
		*k = KindFile
	default:
		return fmt.Errorf("unknown node type %q", string(b))
	}
	return nil
}

// ExtData maps an extraction rule name to the deduplicated values it matched.
type ExtData map[string][]any

// Clone returns a copy whose lists can be modified independently.
func (d ExtData) Clone() ExtData {
	if d == nil {
		return nil
	}
	out := make(ExtData, len(d))
	for name, values := range d {
		out[name] = slices.Clone(values)
	}
	return out
}

// Node is one filesystem entry exposed to clients.
type Node struct {
	Title    string
	Key      string
	Kind     Kind
	Children []*Node
	ExtData  ExtData
}

// NewDir returns an empty directory node.
func NewDir(title, key string) *Node {
	return &Node{Title: title, Key: key, Kind: KindDirectory, Children: []*Node{}}
}

// NewFile returns a file node carrying extData (which may be nil).
func NewFile(title, key string, ext ExtData) *Node {
	return &Node{Title: title, Key: key, Kind: KindFile, ExtData: ext}
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool {
	return n.Kind == KindDirectory
}

// Child returns the direct child with the given title, or nil.
func (n *Node) Child(title string) *Node {
	for _, c := range n.Children {
		if c.Title == title {
			return c
		}
	}
	return nil
}

// Insert places child among n's children in canonical order. A sibling with
// the same title is replaced, so titles stay unique.
func (n *Node) Insert(child *Node) {
	n.Remove(child.Title)
	i, _ := slices.BinarySearchFunc(n.Children, child, Compare)
	n.Children = slices.Insert(n.Children, i, child)
}

// Remove detaches the child with the given title and returns it, or nil.
func (n *Node) Remove(title string) *Node {
	for i, c := range n.Children {
		if c.Title == title {
			n.Children = slices.Delete(n.Children, i, i+1)
			return c
		}
	}
	return nil
}

// SortChildren puts n's direct children in canonical order.
func (n *Node) SortChildren() {
	slices.SortFunc(n.Children, Compare)
}

// Walk visits n and all of its descendants depth first, parents before
// children. Returning false from fn skips the node's subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(cur) {
			continue
		}
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	type pair struct{ src, dst *Node }

	shallow := func(src *Node) *Node {
		return &Node{Title: src.Title, Key: src.Key, Kind: src.Kind, ExtData: src.ExtData.Clone()}
	}
	root := shallow(n)
	stack := []pair{{n, root}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.src.Children == nil {
			continue
		}
		p.dst.Children = make([]*Node, len(p.src.Children))
		for i, c := range p.src.Children {
			p.dst.Children[i] = shallow(c)
			stack = append(stack, pair{c, p.dst.Children[i]})
		}
	}
	return root
}

// Compare orders siblings: directories before files, then by title.
func Compare(a, b *Node) int {
	if a.Kind != b.Kind {
		if a.Kind == KindDirectory {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Title, b.Title)
}

type wireNode struct {
	Title    string   `json:"title"`
	Key      string   `json:"key"`
	Type     Kind     `json:"type"`
	Children *[]*Node `json:"children,omitempty"`
	ExtData  ExtData  `json:"extData,omitempty"`
}

// MarshalJSON encodes the listing shape: directories always carry a
// children array, files never do, and extData is omitted when empty.
func (n *Node) MarshalJSON() ([]byte, error) {
	w := wireNode{Title: n.Title, Key: n.Key, Type: n.Kind}
	if n.IsDir() {
		children := n.Children
		if children == nil {
			children = []*Node{}
		}
		w.Children = &children
	} else if len(n.ExtData) > 0 {
		w.ExtData = n.ExtData
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the listing shape.
func (n *Node) UnmarshalJSON(b []byte) error {
	var w wireNode
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*n = Node{Title: w.Title, Key: w.Key, Kind: w.Type, ExtData: w.ExtData}
	if w.Children != nil {
		n.Children = *w.Children
	}
	if n.IsDir() && n.Children == nil {
		n.Children = []*Node{}
	}
	return nil
}
