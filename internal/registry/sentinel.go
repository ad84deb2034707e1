package registry

import "encoding/json"

type undefined struct{}

// MarshalJSON keeps a stray sentinel from leaking as {}.
func (undefined) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Undefined marks a field absent from a partial update. Handlers must
// leave such fields unchanged; Prune removes it before output.
var Undefined any = undefined{}

// IsSet reports whether v is not the Undefined sentinel.
func IsSet(v any) bool {
	_, undef := v.(undefined)
	return !undef
}

// Changed returns the set members of a validated update object.
func Changed(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSet(v) {
			out[k] = Prune(v)
		}
	}
	return out
}

// Prune removes Undefined recursively from maps and slices.
func Prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if !IsSet(val) {
				continue
			}
			out[k] = Prune(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if !IsSet(val) {
				continue
			}
			out = append(out, Prune(val))
		}
		return out
	case json.RawMessage:
		return t
	}
	return v
}
