package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// =============================================================================
// ParsePath
// =============================================================================

func TestParsePath(t *testing.T) {
	base, segs, err := ParsePath(`alert["labels"][2]['k v']`)
	require.NoError(t, err)
	assert.Equal(t, "alert", base)
	assert.Equal(t, []PathSegment{
		{Key: "labels"},
		{Index: 2, IsIndex: true},
		{Key: "k v"},
	}, segs)

	base, segs, err = ParsePath(" plain ")
	require.NoError(t, err)
	assert.Equal(t, "plain", base)
	assert.Empty(t, segs)
}

func TestParsePath_Malformed(t *testing.T) {
	tests := []struct {
		path string
		kind ReferenceErrorKind
	}{
		{"", RefErrEmptyPath},
		{"0abc", RefErrMalformedPath},
		{"a.b", RefErrMalformedPath},
		{"a[", RefErrMalformedPath},
		{"a['x'", RefErrMalformedPath},
		{"a['x]", RefErrMalformedPath},
		{"a[-1]", RefErrMalformedPath},
		{"a[b]", RefErrMalformedPath},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, _, err := ParsePath(tt.path)
			assert.True(t, IsReferenceError(err, tt.kind), "got %v", err)
		})
	}
}

// =============================================================================
// ResolveValue
// =============================================================================

func TestResolveValue_WholePlaceholderKeepsType(t *testing.T) {
	vars := map[string]any{
		"a":     []any{int64(1), "two"},
		"alert": map[string]any{"severity": 7, "tags": []string{"x"}},
	}
	tests := []struct {
		in   any
		want any
	}{
		{"{{ a }}", []any{int64(1), "two"}},
		{"{{a[0]}}", int64(1)},
		{"{{ alert['severity'] }}", 7},
		{`{{ alert["tags"][0] }}`, "x"},
		{"no placeholder", "no placeholder"},
		{42, 42},
		{nil, nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			got, err := ResolveValue(tt.in, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveValue_EmbeddedPlaceholders(t *testing.T) {
	vars := map[string]any{
		"host":  "db1",
		"port":  5432,
		"tags":  []any{"a", "b"},
		"empty": map[string]any{},
	}
	got, err := ResolveValue("{{ host }}:{{ port }} {{ tags }}", vars)
	require.NoError(t, err)
	assert.Equal(t, `db1:5432 ["a","b"]`, got)

	got, err = ResolveValue("user={{ missing }} key={{ empty['k'] }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "user=null key=null", got)

	_, err = ResolveValue("port={{ port['x'] }}", vars)
	assert.True(t, IsReferenceError(err, RefErrNotAMap), "embedded type errors still fail")
}

func TestResolveValue_Containers(t *testing.T) {
	vars := map[string]any{"k": "name", "v": int64(3)}
	got, err := ResolveValue(map[string]any{
		"{{ k }}": "{{ v }}",
		"list":    []any{"{{ v }}", "x{{ v }}"},
		"strings": []string{"{{ k }}"},
		"flat":    map[string]string{"a": "{{ k }}"},
	}, vars)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":    int64(3),
		"list":    []any{int64(3), "x3"},
		"strings": []any{"name"},
		"flat":    map[string]any{"a": "name"},
	}, got)
}

func TestResolveValue_Errors(t *testing.T) {
	vars := map[string]any{
		"a":    []any{},
		"s":    "text",
		"m":    map[string]any{"x": 1},
		"nums": []int{1, 2},
	}
	tests := []struct {
		in   string
		kind ReferenceErrorKind
	}{
		{"{{ a[0] }}", RefErrIndexOutOfRange},
		{"{{ missing }}", RefErrMissingVariable},
		{"{{ m['y'] }}", RefErrMissingKey},
		{"{{ s['k'] }}", RefErrNotAMap},
		{"{{ m[0] }}", RefErrNotASequence},
		{"{{ nums[5] }}", RefErrIndexOutOfRange},
		{"{{ }}", RefErrEmptyPath},
		{"{{ a.b }}", RefErrMalformedPath},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ResolveValue(tt.in, vars)
			assert.True(t, IsReferenceError(err, tt.kind), "got %v", err)
		})
	}
}

func TestResolveArgs_WrapsArgumentName(t *testing.T) {
	_, err := ResolveArgs(map[string]any{"target": "{{ nope }}"}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `argument "target"`)
	assert.True(t, IsReferenceError(err, RefErrMissingVariable))
}

func TestResolvePath_ReflectFallback(t *testing.T) {
	type labels map[string]int
	vars := map[string]any{"l": labels{"x": 1}, "arr": [2]string{"p", "q"}}

	v, err := ResolvePath("l['x']", vars)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = ResolvePath("arr[1]", vars)
	require.NoError(t, err)
	assert.Equal(t, "q", v)
}

// =============================================================================
// References
// =============================================================================

func TestReferences(t *testing.T) {
	refs, err := References(map[string]any{
		"b": "{{ beta }} and {{ alpha['x'] }}",
		"a": []any{"{{ alpha }}", 1, map[string]string{"{{ key }}": "{{ gamma }}"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "key", "gamma", "beta"}, refs)

	refs, err = References(7)
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = References("{{ 1bad }}")
	assert.True(t, IsReferenceError(err, RefErrMalformedPath))
}

// =============================================================================
// Properties
// =============================================================================

func TestProperty_WholePlaceholderReturnsStoredValue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[a-z_][a-z0-9_]{0,8}`).Draw(rt, "name")
		value := rapid.OneOf(
			rapid.Int64().AsAny(),
			rapid.String().AsAny(),
			rapid.Bool().AsAny(),
			rapid.SliceOf(rapid.Int64()).AsAny(),
		).Draw(rt, "value")

		got, err := ResolveValue(Placeholder(name), map[string]any{name: value})
		if err != nil {
			rt.Fatalf("resolve: %v", err)
		}
		assert.Equal(rt, value, got)
	})
}

func TestProperty_IndexWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := rapid.SliceOfN(rapid.Int64(), 0, 10).Draw(rt, "items")
		idx := rapid.IntRange(0, 12).Draw(rt, "idx")
		list := make([]any, len(items))
		for i, v := range items {
			list[i] = v
		}

		got, err := ResolvePath(fmt.Sprintf("xs[%d]", idx), map[string]any{"xs": list})
		if idx < len(items) {
			if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
			assert.Equal(rt, items[idx], got)
			return
		}
		if !IsReferenceError(err, RefErrIndexOutOfRange) {
			rt.Fatalf("expected out of range, got %v", err)
		}
	})
}

func TestProperty_TextWithoutDelimitersIsUnchanged(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringMatching(`[^{}]*`).Draw(rt, "s")
		got, err := ResolveValue(s, nil)
		if err != nil {
			rt.Fatalf("resolve: %v", err)
		}
		assert.Equal(rt, s, got)
	})
}
