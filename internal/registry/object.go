package registry

import (
	"sort"

	"pkt.systems/middlewared/internal/apierr"
)

// ObjectSchema validates objects with declared fields.
type ObjectSchema struct {
	fields     []Field
	index      map[string]int
	additional bool
	update     bool
	null       bool
}

// Object declares an object schema.
func Object(fields ...Field) *ObjectSchema {
	o := &ObjectSchema{fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		o.index[f.Name] = i
	}
	return o
}

// Additional accepts undeclared keys unchanged.
func (o *ObjectSchema) Additional() *ObjectSchema { c := o.clone(); c.additional = true; return c }

// Nullable accepts JSON null.
func (o *ObjectSchema) Nullable() *ObjectSchema { c := o.clone(); c.null = true; return c }

// ForUpdate returns the partial-update variant: nothing is required,
// defaults are not applied and absent fields carry Undefined.
func (o *ObjectSchema) ForUpdate() *ObjectSchema { c := o.clone(); c.update = true; return c }

// Fields returns the declared fields.
func (o *ObjectSchema) Fields() []Field { return append([]Field(nil), o.fields...) }

func (o *ObjectSchema) clone() *ObjectSchema {
	c := *o
	return &c
}

func (o *ObjectSchema) check(path string, v any, errs *apierr.ValidationErrors) any {
	if v == nil && o.null {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		typeError(errs, path, "object")
		return nil
	}
	out := make(map[string]any, len(o.fields))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, declared := o.index[k]; declared {
			continue
		}
		if o.additional {
			out[k] = normalizeAny(m[k])
			continue
		}
		errs.Add(joinPath(path, k), apierr.CodeUnexpected, "field was not expected")
	}
	for _, f := range o.fields {
		fieldPath := joinPath(path, f.Name)
		val, present := m[f.Name]
		if !present {
			switch {
			case o.update:
				out[f.Name] = Undefined
			case f.required:
				errs.Add(fieldPath, apierr.CodeRequired, "attribute required")
			case f.hasDef:
				out[f.Name] = cloneDefault(f.def)
			}
			continue
		}
		out[f.Name] = f.Schema.check(fieldPath, val, errs)
	}
	return out
}

// Describe implements Schema.
func (o *ObjectSchema) Describe() map[string]any {
	props := make(map[string]any, len(o.fields))
	var required []string
	for _, f := range o.fields {
		d := f.Schema.Describe()
		if f.hasDef {
			d["default"] = f.def
		}
		if f.private {
			d["private"] = true
		}
		props[f.Name] = d
		if f.required && !o.update {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":                 nullableType("object", o.null),
		"properties":           props,
		"additionalProperties": o.additional,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func cloneDefault(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneDefault(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneDefault(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case int:
		return int64(t)
	}
	return v
}
