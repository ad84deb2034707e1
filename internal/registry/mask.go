package registry

// MaskedValue replaces private fields in output.
const MaskedValue = "********"

// Mask returns v with private fields of schema replaced by MaskedValue,
// including private fields of nested objects and list items.
func Mask(schema Schema, v any) any {
	switch s := schema.(type) {
	case *ObjectSchema:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for k, val := range m {
			idx, declared := s.index[k]
			if !declared {
				out[k] = val
				continue
			}
			f := s.fields[idx]
			if f.private {
				if val == nil || val == "" {
					out[k] = val
				} else {
					out[k] = MaskedValue
				}
				continue
			}
			out[k] = Mask(f.Schema, val)
		}
		return out
	case *ListSchema:
		if s.item == nil {
			return v
		}
		switch items := v.(type) {
		case []any:
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = Mask(s.item, item)
			}
			return out
		case []map[string]any:
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = Mask(s.item, item)
			}
			return out
		}
	}
	return v
}

// MaskFields masks args positionally against fields.
func MaskFields(fields []Field, args []any) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if i >= len(fields) {
			out[i] = arg
			continue
		}
		f := fields[i]
		if f.private && arg != nil {
			out[i] = MaskedValue
			continue
		}
		out[i] = Mask(f.Schema, Prune(arg))
	}
	return out
}
