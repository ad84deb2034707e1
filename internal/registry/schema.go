package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"pkt.systems/middlewared/internal/apierr"
)

// Schema validates and normalizes one decoded JSON value. Strings stay
// strings, integers become int64, numbers float64, objects map[string]any
// and arrays []any.
type Schema interface {
	check(path string, v any, errs *apierr.ValidationErrors) any
	// Describe renders a JSON-schema style description for core.get_methods.
	Describe() map[string]any
}

// Field is a named member of an object or a positional argument.
type Field struct {
	Name     string
	Schema   Schema
	required bool
	def      any
	hasDef   bool
	private  bool
}

// F declares a field.
func F(name string, schema Schema) Field { return Field{Name: name, Schema: schema} }

// Required marks the field mandatory.
func (f Field) Required() Field { f.required = true; return f }

// Default supplies the value used when the field is absent.
func (f Field) Default(v any) Field { f.def = v; f.hasDef = true; return f }

// Private masks the field in results and job records for callers without
// full privilege.
func (f Field) Private() Field { f.private = true; return f }

// IsPrivate reports the private mark.
func (f Field) IsPrivate() bool { return f.private }

// Check validates v against schema outside a method call, reporting
// failures under path.
func Check(schema Schema, path string, v any) (any, error) {
	var errs apierr.ValidationErrors
	out := schema.check(path, normalizeAny(v), &errs)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func typeError(errs *apierr.ValidationErrors, path, want string) {
	errs.Add(path, apierr.CodeInvalidType, "expected "+want)
}

// StringSchema validates strings.
type StringSchema struct {
	minLen, maxLen int
	nonEmpty       bool
	null           bool
	enum           []string
	pattern        *regexp.Regexp
}

// Str returns a string schema.
func Str() *StringSchema { return &StringSchema{maxLen: -1} }

// NonEmpty rejects "" with code required.
func (s *StringSchema) NonEmpty() *StringSchema { c := *s; c.nonEmpty = true; return &c }

// MinLength bounds the rune count from below.
func (s *StringSchema) MinLength(n int) *StringSchema { c := *s; c.minLen = n; return &c }

// MaxLength bounds the rune count from above.
func (s *StringSchema) MaxLength(n int) *StringSchema { c := *s; c.maxLen = n; return &c }

// Enum restricts values.
func (s *StringSchema) Enum(values ...string) *StringSchema {
	c := *s
	c.enum = append([]string(nil), values...)
	return &c
}

// Pattern requires a regular expression match.
func (s *StringSchema) Pattern(expr string) *StringSchema {
	c := *s
	c.pattern = regexp.MustCompile(expr)
	return &c
}

// Nullable accepts JSON null.
func (s *StringSchema) Nullable() *StringSchema { c := *s; c.null = true; return &c }

func (s *StringSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil {
		if s.null {
			return nil
		}
		typeError(errs, path, "string")
		return nil
	}
	str, ok := v.(string)
	if !ok {
		typeError(errs, path, "string")
		return nil
	}
	n := len([]rune(str))
	switch {
	case s.nonEmpty && str == "":
		errs.Add(path, apierr.CodeRequired, "empty value not allowed")
	case n < s.minLen:
		errs.Add(path, apierr.CodeMinLength, fmt.Sprintf("must be at least %d characters", s.minLen))
	case s.maxLen >= 0 && n > s.maxLen:
		errs.Add(path, apierr.CodeMaxLength, fmt.Sprintf("must be at most %d characters", s.maxLen))
	case len(s.enum) > 0 && !contains(s.enum, str):
		errs.Add(path, apierr.CodeEnum, "must be one of "+strings.Join(s.enum, ", "))
	case s.pattern != nil && !s.pattern.MatchString(str):
		errs.Add(path, apierr.CodePattern, "does not match "+s.pattern.String())
	}
	return str
}

// Describe implements Schema.
func (s *StringSchema) Describe() map[string]any {
	out := map[string]any{"type": nullableType("string", s.null)}
	if len(s.enum) > 0 {
		out["enum"] = s.enum
	}
	if s.minLen > 0 || s.nonEmpty {
		out["minLength"] = max(s.minLen, 1)
	}
	if s.maxLen >= 0 {
		out["maxLength"] = s.maxLen
	}
	if s.pattern != nil {
		out["pattern"] = s.pattern.String()
	}
	return out
}

// IntSchema validates integers.
type IntSchema struct {
	min, max       int64
	hasMin, hasMax bool
	null           bool
}

// Int returns an integer schema.
func Int() *IntSchema { return &IntSchema{} }

// Min bounds values from below.
func (s *IntSchema) Min(n int64) *IntSchema { c := *s; c.min, c.hasMin = n, true; return &c }

// Max bounds values from above.
func (s *IntSchema) Max(n int64) *IntSchema { c := *s; c.max, c.hasMax = n, true; return &c }

// Nullable accepts JSON null.
func (s *IntSchema) Nullable() *IntSchema { c := *s; c.null = true; return &c }

func (s *IntSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil {
		if s.null {
			return nil
		}
		typeError(errs, path, "integer")
		return nil
	}
	n, ok := toInt(v)
	if !ok {
		typeError(errs, path, "integer")
		return nil
	}
	if s.hasMin && n < s.min {
		errs.Add(path, apierr.CodeMinimum, fmt.Sprintf("must be >= %d", s.min))
	} else if s.hasMax && n > s.max {
		errs.Add(path, apierr.CodeMaximum, fmt.Sprintf("must be <= %d", s.max))
	}
	return n
}

// Describe implements Schema.
func (s *IntSchema) Describe() map[string]any {
	out := map[string]any{"type": nullableType("integer", s.null)}
	if s.hasMin {
		out["minimum"] = s.min
	}
	if s.hasMax {
		out["maximum"] = s.max
	}
	return out
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// FloatSchema validates numbers.
type FloatSchema struct {
	null bool
}

// Float returns a number schema.
func Float() *FloatSchema { return &FloatSchema{} }

// Nullable accepts JSON null.
func (s *FloatSchema) Nullable() *FloatSchema { return &FloatSchema{null: true} }

func (s *FloatSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil && s.null {
		return nil
	}
	switch n := v.(type) {
	case json.Number:
		if f, err := strconv.ParseFloat(string(n), 64); err == nil {
			return f
		}
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	typeError(errs, path, "number")
	return nil
}

// Describe implements Schema.
func (s *FloatSchema) Describe() map[string]any {
	return map[string]any{"type": nullableType("number", s.null)}
}

// BoolSchema validates booleans.
type BoolSchema struct{ null bool }

// Bool returns a boolean schema.
func Bool() *BoolSchema { return &BoolSchema{} }

// Nullable accepts JSON null.
func (s *BoolSchema) Nullable() *BoolSchema { return &BoolSchema{null: true} }

func (s *BoolSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil && s.null {
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		typeError(errs, path, "boolean")
		return nil
	}
	return b
}

// Describe implements Schema.
func (s *BoolSchema) Describe() map[string]any {
	return map[string]any{"type": nullableType("boolean", s.null)}
}

// ListSchema validates arrays.
type ListSchema struct {
	item     Schema
	minItems int
	unique   bool
	null     bool
}

// List returns an array schema; item may be nil for any element.
func List(item Schema) *ListSchema { return &ListSchema{item: item} }

// MinItems bounds the length from below.
func (s *ListSchema) MinItems(n int) *ListSchema { c := *s; c.minItems = n; return &c }

// Unique rejects duplicate scalar items.
func (s *ListSchema) Unique() *ListSchema { c := *s; c.unique = true; return &c }

// Nullable accepts JSON null.
func (s *ListSchema) Nullable() *ListSchema { c := *s; c.null = true; return &c }

func (s *ListSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil && s.null {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		typeError(errs, path, "array")
		return nil
	}
	if len(items) < s.minItems {
		errs.Add(path, apierr.CodeMinLength, fmt.Sprintf("must contain at least %d items", s.minItems))
	}
	out := make([]any, len(items))
	seen := make(map[string]bool)
	for i, item := range items {
		itemPath := joinPath(path, strconv.Itoa(i))
		if s.item != nil {
			out[i] = s.item.check(itemPath, item, errs)
		} else {
			out[i] = normalizeAny(item)
		}
		if s.unique {
			key := fmt.Sprint(out[i])
			if seen[key] {
				errs.Add(itemPath, apierr.CodeInvalid, "duplicate item")
			}
			seen[key] = true
		}
	}
	return out
}

// Describe implements Schema.
func (s *ListSchema) Describe() map[string]any {
	out := map[string]any{"type": nullableType("array", s.null)}
	if s.item != nil {
		out["items"] = s.item.Describe()
	}
	if s.minItems > 0 {
		out["minItems"] = s.minItems
	}
	return out
}

// AnySchema accepts any JSON value.
type AnySchema struct{}

// Any returns a schema accepting every value.
func Any() AnySchema { return AnySchema{} }

func (AnySchema) check(_ string, v any, _ *apierr.ValidationErrors) any { return normalizeAny(v) }

// Describe implements Schema.
func (AnySchema) Describe() map[string]any { return map[string]any{} }

// DictSchema accepts any JSON object.
type DictSchema struct{ null bool }

// Dict returns a free-form object schema.
func Dict() *DictSchema { return &DictSchema{} }

// Nullable accepts JSON null.
func (s *DictSchema) Nullable() *DictSchema { return &DictSchema{null: true} }

func (s *DictSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil && s.null {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		typeError(errs, path, "object")
		return nil
	}
	return normalizeAny(m)
}

// Describe implements Schema.
func (s *DictSchema) Describe() map[string]any {
	return map[string]any{"type": nullableType("object", s.null)}
}

func normalizeAny(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeAny(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeAny(val)
		}
		return out
	}
	return v
}

func nullableType(name string, null bool) any {
	if null {
		return []string{name, "null"}
	}
	return name
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
