package jsonval

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCollapsesTypedValues(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	got := Normalize(payload{Name: "a", Count: 2})
	require.Equal(t, map[string]any{"name": "a", "count": float64(2)}, got)
}

func TestNormalizeNil(t *testing.T) {
	require.Nil(t, Normalize(nil))
}

func TestCloneIsolatesMutation(t *testing.T) {
	src := map[string]any{"nested": map[string]any{"k": "v"}}
	cp := Clone(src).(map[string]any)
	cp["nested"].(map[string]any)["k"] = "changed"
	require.Equal(t, "v", src["nested"].(map[string]any)["k"])
}

func TestMerge(t *testing.T) {
	cases := []struct {
		name    string
		a, b    any
		want    any
	}{
		{"both objects", map[string]any{"x": 1.0, "y": 2.0}, map[string]any{"y": 3.0}, map[string]any{"x": 1.0, "y": 3.0}},
		{"b scalar wins", map[string]any{"x": 1.0}, "literal", "literal"},
		{"b nil keeps a", map[string]any{"x": 1.0}, nil, map[string]any{"x": 1.0}},
		{"both nil", nil, nil, nil},
		{"a nil b object", nil, map[string]any{"z": true}, map[string]any{"z": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Merge(tc.a, tc.b))
		})
	}
}

func TestStringify(t *testing.T) {
	require.Equal(t, "", Stringify(nil))
	require.Equal(t, "text", Stringify("text"))
	require.Equal(t, "true", Stringify(true))
	require.Equal(t, "3.5", Stringify(3.5))
	require.Equal(t, "42", Stringify(float64(42)))
	require.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
	require.Equal(t, `[1,2]`, Stringify([]any{float64(1), float64(2)}))
}

// asAny rewraps a generator so its result type is any, allowing mixed-type
// map values. Mapping with a plain func(T) any does not work: gopter's Map
// mistakes an interface{} return for a *GenResult return.
func asAny(g gopter.Gen) gopter.Gen {
	return g.Map(func(r *gopter.GenResult) *gopter.GenResult {
		v, _ := r.Retrieve()
		return &gopter.GenResult{
			Shrinker:   gopter.NoShrinker,
			Result:     v,
			Labels:     r.Labels,
			ResultType: reflect.TypeOf((*any)(nil)).Elem(),
		}
	})
}

// genJSONObject produces small flat JSON objects for the merge laws.
func genJSONObject() gopter.Gen {
	return gen.MapOf(gen.Identifier(), gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Float64Range(-1e6, 1e6)),
		asAny(gen.Bool()),
	)).Map(func(m map[string]any) map[string]any { return m })
}

func TestMergeLaws(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("object merge equals spread", prop.ForAll(
		func(a, b map[string]any) bool {
			merged, ok := Merge(a, b).(map[string]any)
			if !ok {
				return false
			}
			for k, v := range a {
				if bv, shadowed := b[k]; shadowed {
					if merged[k] != bv {
						return false
					}
				} else if merged[k] != v {
					return false
				}
			}
			for k, v := range b {
				if merged[k] != v {
					return false
				}
			}
			return len(merged) <= len(a)+len(b)
		},
		genJSONObject(), genJSONObject(),
	))

	properties.Property("non-object override wins", prop.ForAll(
		func(a map[string]any, b string) bool {
			return Merge(a, b) == b
		},
		genJSONObject(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestIsEmpty(t *testing.T) {
	require.True(t, IsEmpty(nil))
	require.True(t, IsEmpty(""))
	require.False(t, IsEmpty("x"))
	require.False(t, IsEmpty(float64(0)))
	require.False(t, IsEmpty(false))
}
