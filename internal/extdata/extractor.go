// Package extdata derives per-file metadata ("extData") by running named
// queries against a JSON document.
//
// Two query dialects are accepted. Expressions starting with "$" are
// JSONPath ("$.tags[*]", "$..id"); anything else is a GJSON path
// ("tags", "items.#.name"). Every rule yields an ordered list of distinct
// values; a rule that matches nothing yields an empty list.
package extdata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/tidwall/gjson"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// Rules maps a rule name to its query expression.
type Rules map[string]string

type rule struct {
	name  string
	query string
	path  jp.Expr // nil for GJSON rules and for invalid JSONPath
	gjson bool
}

// Extractor evaluates a compiled rule set. It is safe for concurrent use.
type Extractor struct {
	rules      []rule
	needsBytes bool
}

// New compiles rules. Invalid JSONPath expressions are logged and kept as
// rules that never match, so the rule name still appears in the output.
func New(rules Rules, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	e := &Extractor{rules: make([]rule, 0, len(names))}
	for _, name := range names {
		query := strings.TrimSpace(rules[name])
		r := rule{name: name, query: query}
		if strings.HasPrefix(query, "$") {
			expr, err := jp.ParseString(query)
			if err != nil {
				logger.Warn("invalid extData query",
					slog.String("rule", name),
					slog.String("query", query),
					slog.String("error", err.Error()))
			} else {
				r.path = expr
			}
		} else {
			r.gjson = true
			e.needsBytes = true
		}
		e.rules = append(e.rules, r)
	}
	return e
}

// Empty reports whether no rules are configured.
func (e *Extractor) Empty() bool {
	return e == nil || len(e.rules) == 0
}

// Names returns the rule names in evaluation order.
func (e *Extractor) Names() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.name
	}
	return out
}

// Rules returns the rule set the extractor was built from.
func (e *Extractor) Rules() Rules {
	out := make(Rules)
	if e == nil {
		return out
	}
	for _, r := range e.rules {
		out[r.name] = r.query
	}
	return out
}

// Extract evaluates every rule against an already parsed document.
// It never returns nil: with no rules the result is an empty map.
func (e *Extractor) Extract(parsed any) tree.ExtData {
	var raw []byte
	if e != nil && e.needsBytes {
		// GJSON works on bytes; re-encode once for all rules.
		raw, _ = json.Marshal(parsed)
	}
	return e.extract(parsed, raw)
}

// ExtractBytes parses raw and evaluates every rule against it.
// Returns an error wrapping tree.ErrMalformedContent if raw is not JSON.
func (e *Extractor) ExtractBytes(raw []byte) (tree.ExtData, error) {
	if e.Empty() {
		return tree.ExtData{}, nil
	}
	parsed, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse JSON: %v: %w", err, tree.ErrMalformedContent)
	}
	return e.extract(parsed, raw), nil
}

func (e *Extractor) extract(parsed any, raw []byte) tree.ExtData {
	out := tree.ExtData{}
	if e == nil {
		return out
	}
	for _, r := range e.rules {
		var matches []any
		switch {
		case r.gjson:
			matches = queryGJSON(raw, r.query)
		case r.path != nil:
			matches = r.path.Get(parsed)
		}
		out[r.name] = dedup(matches)
	}
	return out
}

// queryGJSON flattens array results one level, so "items.#.id" yields the
// ids themselves rather than a single array.
func queryGJSON(raw []byte, query string) []any {
	if len(raw) == 0 {
		return nil
	}
	res := gjson.GetBytes(raw, query)
	if !res.Exists() {
		return nil
	}
	if !res.IsArray() {
		return []any{res.Value()}
	}
	items := res.Array()
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out
}

// dedup keeps the first occurrence of every value. Values are compared by
// their canonical JSON encoding so maps and slices dedup too.
func dedup(values []any) []any {
	out := make([]any, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		k := dedupKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

func dedupKey(v any) string {
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("v:%#v", v)
	}
	return "j:" + string(b)
}
