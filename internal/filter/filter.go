// Package filter implements the list-based query filters and query options
// accepted by every `*.query` method and by event subscriptions:
//
//	[["name", "=", "wheel"], ["id", ">", 3]]
//	[["OR", [[["state", "=", "RUNNING"]], [["state", "=", "WAITING"]]]]]
//
// Fields may address nested objects with dots ("progress.percent").
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Row is a decoded JSON object.
type Row = map[string]any

// Expr is a compiled filter list. The zero value matches everything.
type Expr struct {
	clauses []clause
}

type clause struct {
	field string
	op    string
	value any
	re    *regexp.Regexp
	or    []Expr
}

var validOps = map[string]bool{
	"=": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"~": true, "in": true, "nin": true, "rin": true, "rnin": true,
	"^": true, "!^": true, "$": true, "!$": true,
}

// Parse compiles a decoded filter list. raw may be nil, []any or a JSON
// encoded list.
func Parse(raw any) (Expr, error) {
	switch v := raw.(type) {
	case nil:
		return Expr{}, nil
	case Expr:
		return v, nil
	case json.RawMessage:
		if len(v) == 0 {
			return Expr{}, nil
		}
		var decoded []any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return Expr{}, fmt.Errorf("filter: decode: %w", err)
		}
		return parseList(decoded)
	case []any:
		return parseList(v)
	case [][]any:
		list := make([]any, len(v))
		for i := range v {
			list[i] = v[i]
		}
		return parseList(list)
	default:
		return Expr{}, fmt.Errorf("filter: expected list, got %T", raw)
	}
}

// MustParse is Parse for literals in code and tests.
func MustParse(raw any) Expr {
	expr, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return expr
}

// Eq builds a single equality filter.
func Eq(field string, value any) Expr {
	return Expr{clauses: []clause{{field: field, op: "=", value: normalize(value)}}}
}

func parseList(list []any) (Expr, error) {
	expr := Expr{clauses: make([]clause, 0, len(list))}
	for i, item := range list {
		entry, ok := item.([]any)
		if !ok {
			return Expr{}, fmt.Errorf("filter: entry %d: expected list, got %T", i, item)
		}
		c, err := parseClause(entry)
		if err != nil {
			return Expr{}, fmt.Errorf("filter: entry %d: %w", i, err)
		}
		expr.clauses = append(expr.clauses, c)
	}
	return expr, nil
}

func parseClause(entry []any) (clause, error) {
	if len(entry) == 2 {
		if name, _ := entry[0].(string); strings.EqualFold(name, "OR") {
			branches, ok := entry[1].([]any)
			if !ok {
				return clause{}, fmt.Errorf("OR expects a list of filter lists")
			}
			c := clause{op: "OR"}
			for _, branch := range branches {
				list, ok := branch.([]any)
				if !ok {
					return clause{}, fmt.Errorf("OR branch: expected list, got %T", branch)
				}
				sub, err := parseList(list)
				if err != nil {
					return clause{}, err
				}
				c.or = append(c.or, sub)
			}
			return c, nil
		}
	}
	if len(entry) != 3 {
		return clause{}, fmt.Errorf("expected [field, op, value]")
	}
	field, ok := entry[0].(string)
	if !ok || field == "" {
		return clause{}, fmt.Errorf("field must be a non-empty string")
	}
	op, ok := entry[1].(string)
	if !ok || !validOps[op] {
		return clause{}, fmt.Errorf("invalid operator %v", entry[1])
	}
	c := clause{field: field, op: op, value: normalize(entry[2])}
	switch op {
	case "~":
		pattern, ok := c.value.(string)
		if !ok {
			return clause{}, fmt.Errorf("operator ~ expects a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return clause{}, fmt.Errorf("invalid pattern: %w", err)
		}
		c.re = re
	case "in", "nin":
		if _, ok := c.value.([]any); !ok {
			return clause{}, fmt.Errorf("operator %s expects a list", op)
		}
	case "^", "!^", "$", "!$":
		if _, ok := c.value.(string); !ok {
			return clause{}, fmt.Errorf("operator %s expects a string", op)
		}
	}
	return c, nil
}

// Empty reports whether the expression has no clauses.
func (e Expr) Empty() bool { return len(e.clauses) == 0 }

// Match evaluates the expression against row. All clauses must match.
func (e Expr) Match(row Row) bool {
	for _, c := range e.clauses {
		if !c.match(row) {
			return false
		}
	}
	return true
}

func (c clause) match(row Row) bool {
	if c.op == "OR" {
		for _, branch := range c.or {
			if branch.Match(row) {
				return true
			}
		}
		return false
	}
	actual, present := Lookup(row, c.field)
	switch c.op {
	case "=":
		return present && equal(actual, c.value) || !present && c.value == nil
	case "!=":
		if !present {
			return c.value != nil
		}
		return !equal(actual, c.value)
	case ">", ">=", "<", "<=":
		if !present {
			return false
		}
		cmp, ok := compare(actual, c.value)
		if !ok {
			return false
		}
		switch c.op {
		case ">":
			return cmp > 0
		case ">=":
			return cmp >= 0
		case "<":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "~":
		s, ok := actual.(string)
		return ok && c.re.MatchString(s)
	case "in", "nin":
		found := false
		for _, candidate := range c.value.([]any) {
			if present && equal(actual, candidate) {
				found = true
				break
			}
		}
		if c.op == "in" {
			return found
		}
		return !found
	case "rin", "rnin":
		found := false
		if list, ok := actual.([]any); ok {
			for _, candidate := range list {
				if equal(candidate, c.value) {
					found = true
					break
				}
			}
		}
		if c.op == "rin" {
			return found
		}
		return !found
	case "^", "!^", "$", "!$":
		s, ok := actual.(string)
		if !ok {
			return c.op == "!^" || c.op == "!$"
		}
		needle := c.value.(string)
		var hit bool
		if c.op == "^" || c.op == "!^" {
			hit = strings.HasPrefix(s, needle)
		} else {
			hit = strings.HasSuffix(s, needle)
		}
		if strings.HasPrefix(c.op, "!") {
			return !hit
		}
		return hit
	}
	return false
}

// Lookup resolves a dotted path inside row.
func Lookup(row Row, path string) (any, bool) {
	var current any = row
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// normalize converts Go numeric types to float64 so literals written in code
// compare equal to values decoded from JSON.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []any:
		out := make([]any, len(n))
		for i := range n {
			out[i] = normalize(n[i])
		}
		return out
	case []string:
		out := make([]any, len(n))
		for i := range n {
			out[i] = n[i]
		}
		return out
	case []int:
		out := make([]any, len(n))
		for i := range n {
			out[i] = float64(n[i])
		}
		return out
	}
	return v
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

// compare orders numbers and strings; mixed or unsupported types report !ok.
func compare(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return -1, true
	}
	return 0, false
}
