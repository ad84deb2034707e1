package filter

import (
	"encoding/json"
	"errors"
	"testing"
)

func decodeRows(t *testing.T, raw string) []Row {
	t.Helper()
	var rows []Row
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	return rows
}

func TestMatchOperators(t *testing.T) {
	row := Row{
		"id":       float64(7),
		"name":     "wheel",
		"tags":     []any{"a", "b"},
		"progress": map[string]any{"percent": float64(40)},
	}
	cases := []struct {
		filter string
		want   bool
	}{
		{`[["id","=",7]]`, true},
		{`[["id","!=",7]]`, false},
		{`[["id",">",6],["id","<=",7]]`, true},
		{`[["name","^","wh"]]`, true},
		{`[["name","$","el"]]`, true},
		{`[["name","!^","wh"]]`, false},
		{`[["name","~","^w.*l$"]]`, true},
		{`[["name","in",["root","wheel"]]]`, true},
		{`[["name","nin",["root","wheel"]]]`, false},
		{`[["tags","rin","b"]]`, true},
		{`[["tags","rnin","b"]]`, false},
		{`[["progress.percent",">=",40]]`, true},
		{`[["missing","=",null]]`, true},
		{`[["OR",[[["id","=",1]],[["name","=","wheel"]]]]]`, true},
		{`[["OR",[[["id","=",1]],[["name","=","root"]]]]]`, false},
	}
	for _, tc := range cases {
		expr, err := Parse(json.RawMessage(tc.filter))
		if err != nil {
			t.Fatalf("parse %s: %v", tc.filter, err)
		}
		if got := expr.Match(row); got != tc.want {
			t.Fatalf("filter %s: expected %v, got %v", tc.filter, tc.want, got)
		}
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, raw := range []string{`[["id","<>",1]]`, `[["id","="]]`, `[["name","~","("]]`, `[["id","in",1]]`, `["id"]`} {
		if _, err := Parse(json.RawMessage(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestEqMatchesDecodedNumbers(t *testing.T) {
	if !Eq("id", 3).Match(Row{"id": float64(3)}) {
		t.Fatalf("expected int literal to match decoded float")
	}
}

func TestApplyOptions(t *testing.T) {
	rows := decodeRows(t, `[{"id":1,"name":"b"},{"id":2,"name":"a"},{"id":3,"name":"c"}]`)
	out, err := Apply(rows, Expr{}, Options{OrderBy: []string{"name"}, Limit: 2})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	list := out.([]Row)
	if len(list) != 2 || list[0]["name"] != "a" || list[1]["name"] != "b" {
		t.Fatalf("unexpected order %v", list)
	}

	out, _ = Apply(rows, Expr{}, Options{OrderBy: []string{"-id"}, Offset: 1, Select: []string{"id"}})
	list = out.([]Row)
	if len(list) != 2 || list[0]["id"] != float64(2) || len(list[0]) != 1 {
		t.Fatalf("unexpected projection %v", list)
	}

	count, _ := Apply(rows, MustParse([]any{[]any{"id", ">", 1}}), Options{Count: true})
	if count.(int) != 2 {
		t.Fatalf("expected count 2, got %v", count)
	}

	if _, err := Apply(rows, Eq("id", 9), Options{Get: true}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	one, err := Apply(rows, Eq("id", 2), Options{Get: true})
	if err != nil || one.(Row)["name"] != "a" {
		t.Fatalf("unexpected get result %v %v", one, err)
	}
}

func TestParseOptionsFromMap(t *testing.T) {
	opts, err := ParseOptions(map[string]any{"limit": float64(5), "get": true, "order_by": []any{"-id"}})
	if err != nil {
		t.Fatalf("parse options: %v", err)
	}
	if opts.Limit != 5 || !opts.Get || len(opts.OrderBy) != 1 {
		t.Fatalf("unexpected options %#v", opts)
	}
	if _, err := ParseOptions(map[string]any{"limit": float64(-1)}); err == nil {
		t.Fatalf("expected negative limit to fail")
	}
}
