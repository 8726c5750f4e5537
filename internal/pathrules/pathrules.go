// Package pathrules holds the path vocabulary shared by the scanner, the
// watcher and the client mirror: segment decomposition, containment checks
// and the file-name rules that decide what belongs in the tree.
package pathrules

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// Segments is a path relative to some root, one element per directory level.
// The zero value is the root itself.
type Segments []string

// Split decomposes p into segments relative to root.
// Returns an error wrapping tree.ErrAccessDenied if p is not inside root.
func Split(root, p string) (Segments, error) {
	root = filepath.Clean(root)
	p = filepath.Clean(p)

	rel, err := filepath.Rel(root, p)
	if err != nil {
		return nil, fmt.Errorf("%s is not under %s: %w", p, root, tree.ErrAccessDenied)
	}
	if rel == "." {
		return Segments{}, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s is not under %s: %w", p, root, tree.ErrAccessDenied)
	}
	return Segments(strings.Split(rel, string(filepath.Separator))), nil
}

// Join forms the absolute key of s under root.
func (s Segments) Join(root string) string {
	if len(s) == 0 {
		return filepath.Clean(root)
	}
	return filepath.Join(append([]string{root}, s...)...)
}

// Parent returns s without its last segment. The parent of the root is the root.
func (s Segments) Parent() Segments {
	if len(s) == 0 {
		return s
	}
	return s[:len(s)-1]
}

// Base returns the last segment, or "" for the root.
func (s Segments) Base() string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// Ancestors returns every proper, non-empty prefix of s, shortest first.
// For a/b/c that is [a] and [a b].
func (s Segments) Ancestors() []Segments {
	if len(s) < 2 {
		return nil
	}
	out := make([]Segments, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		out = append(out, s[:i:i])
	}
	return out
}

// Contains reports whether p is root or lies beneath it. The comparison is
// segment-aware: /data/ab is not inside /data/a.
func Contains(root, p string) bool {
	_, err := Split(root, p)
	return err == nil
}

// Abs returns the cleaned absolute form of p.
func Abs(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

// IsJSON reports whether name carries a .json extension.
func IsJSON(name string) bool {
	return strings.HasSuffix(name, ".json")
}

// HasNoExt reports whether name has no extension at all.
func HasNoExt(name string) bool {
	return filepath.Ext(name) == ""
}

// IsHidden reports whether the base name of p starts with a dot.
func IsHidden(p string) bool {
	return strings.HasPrefix(filepath.Base(p), ".")
}

// HasHiddenSegment reports whether any segment of s is hidden.
func (s Segments) HasHiddenSegment() bool {
	for _, seg := range s {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// Real resolves symlinks in abs. When abs does not exist, the longest
// existing prefix is resolved and the missing remainder appended, so that a
// path about to be created still resolves to where it would land.
func Real(abs string) string {
	abs = filepath.Clean(abs)
	var rest []string
	cur := abs
	for {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{real}, rest...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
