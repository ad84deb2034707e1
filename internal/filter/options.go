package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoMatch is returned by Apply when Get is requested and nothing matched.
var ErrNoMatch = errors.New("filter: no matching entry")

// Options shape the result of a query.
type Options struct {
	OrderBy []string `json:"order_by,omitempty"`
	Select  []string `json:"select,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
	Count   bool     `json:"count,omitempty"`
	Get     bool     `json:"get,omitempty"`
}

// ParseOptions decodes options from nil, a map or raw JSON.
func ParseOptions(raw any) (Options, error) {
	var opts Options
	switch v := raw.(type) {
	case nil:
		return opts, nil
	case Options:
		return v, nil
	case json.RawMessage:
		if len(v) == 0 {
			return opts, nil
		}
		if err := json.Unmarshal(v, &opts); err != nil {
			return opts, fmt.Errorf("filter: decode options: %w", err)
		}
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return opts, fmt.Errorf("filter: encode options: %w", err)
		}
		if err := json.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("filter: decode options: %w", err)
		}
	default:
		return opts, fmt.Errorf("filter: expected options object, got %T", raw)
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return opts, fmt.Errorf("filter: limit and offset must be non-negative")
	}
	return opts, nil
}

// Apply filters, orders, paginates and projects rows. The result is a
// []Row, an int (Count) or a single Row (Get).
func Apply(rows []Row, expr Expr, opts Options) (any, error) {
	matched := make([]Row, 0, len(rows))
	for _, row := range rows {
		if expr.Match(row) {
			matched = append(matched, row)
		}
	}
	if opts.Count {
		return len(matched), nil
	}
	if len(opts.OrderBy) > 0 {
		sortRows(matched, opts.OrderBy)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = matched[:0]
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	if len(opts.Select) > 0 {
		for i, row := range matched {
			matched[i] = project(row, opts.Select)
		}
	}
	if opts.Get {
		if len(matched) == 0 {
			return nil, ErrNoMatch
		}
		return matched[0], nil
	}
	return matched, nil
}

func sortRows(rows []Row, orderBy []string) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range orderBy {
			desc := strings.HasPrefix(key, "-")
			field := strings.TrimPrefix(key, "-")
			a, _ := Lookup(rows[i], field)
			b, _ := Lookup(rows[j], field)
			cmp, ok := compare(a, b)
			if !ok || cmp == 0 {
				continue
			}
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func project(row Row, fields []string) Row {
	out := make(Row, len(fields))
	for _, field := range fields {
		if v, ok := Lookup(row, field); ok {
			setPath(out, field, v)
		}
	}
	return out
}

func setPath(row Row, path string, v any) {
	parts := strings.Split(path, ".")
	current := row
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = v
}

// ToRow converts any JSON-encodable value to a Row.
func ToRow(v any) (Row, error) {
	if row, ok := v.(Row); ok {
		return row, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}
