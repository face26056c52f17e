// Package jsonval provides helpers for the dynamic JSON values that pervade
// the persisted workflow model (parameters, context, output, metrics, asset
// payloads). Values are plain Go representations of JSON: nil, bool, float64,
// string, []any and map[string]any. Normalize is applied at every repository
// boundary so that values read back from storage compare equal to values
// produced in memory.
package jsonval

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Normalize round-trips v through the JSON codec, collapsing typed Go values
// (structs, typed maps, ints) into the canonical JSON representation. A value
// that cannot be marshaled normalizes to nil.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Clone returns a deep copy of v. The copy shares no mutable state with the
// original, which is what allows concurrently executing steps to receive
// isolated snapshots of the runtime context.
func Clone(v any) any {
	return Normalize(v)
}

// AsObject reports whether v is a JSON object and returns it as a map.
func AsObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsArray reports whether v is a JSON array and returns it as a slice.
func AsArray(v any) ([]any, bool) {
	a, ok := v.([]any)
	return a, ok
}

// Merge implements parameter merging: when both sides are objects the result
// is a shallow merge with b overriding a; when b is non-null and not an
// object it wins outright; otherwise a is returned.
func Merge(a, b any) any {
	am, aok := AsObject(a)
	bm, bok := AsObject(b)
	switch {
	case aok && bok:
		out := make(map[string]any, len(am)+len(bm))
		for k, v := range am {
			out[k] = v
		}
		for k, v := range bm {
			out[k] = v
		}
		return out
	case b != nil:
		return b
	default:
		return a
	}
}

// Stringify renders v for interpolation into surrounding text: scalars cast
// to their natural string form, objects and arrays JSON-encode, nil renders
// as the empty string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// IsEmpty reports whether v is one of the values the template engine's
// default filter treats as absent: nil or the empty string.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
