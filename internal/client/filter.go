package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// Filter is the visibility predicate over mirror nodes.
type Filter struct {
	// MinLength is the query length from which extData values are searched
	// as well as titles.
	MinLength int
}

// FilterResult lists the keys that matched, in tree order, and the
// directories that must be expanded to show them.
type FilterResult struct {
	Matches []string
	Expand  []string
}

// Match reports whether n matches query. The title always takes part;
// extData values only when query is at least MinLength runes long.
// Comparison is case-insensitive.
func (f Filter) Match(n *tree.Node, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(n.Title), q) {
		return true
	}
	if utf8.RuneCountInString(query) < f.MinLength {
		return false
	}
	for _, values := range n.ExtData {
		for _, v := range values {
			if strings.Contains(strings.ToLower(valueString(v)), q) {
				return true
			}
		}
	}
	return false
}

func valueString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return "null"
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}
