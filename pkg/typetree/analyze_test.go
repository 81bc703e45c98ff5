package typetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/schemascope/pkg/jsonkind"
)

func TestAnalyzeScalars(t *testing.T) {
	n := Analyze("hello", nil)
	assert.Equal(t, jsonkind.String, n.Kind)
	assert.Equal(t, "", n.Path)
	assert.Equal(t, []any{"hello"}, n.Examples)
	assert.False(t, n.Optional)
}

func TestAnalyzeObjectPaths(t *testing.T) {
	payload := map[string]any{
		"a": map[string]any{"b": 1.0},
		"c": true,
	}
	n := Analyze(payload, nil)
	require.Equal(t, jsonkind.Object, n.Kind)
	require.Contains(t, n.Children, "a")
	assert.Equal(t, "a", n.Children["a"].Path)
	assert.Equal(t, "a.b", n.Children["a"].Children["b"].Path)
	assert.Equal(t, jsonkind.Number, n.Children["a"].Children["b"].Kind)
	assert.Equal(t, "c", n.Children["c"].Path)
}

func TestAnalyzeEmptyCompounds(t *testing.T) {
	obj := Analyze(map[string]any{}, nil)
	assert.Equal(t, jsonkind.Object, obj.Kind)
	assert.Empty(t, obj.Children)

	arr := Analyze([]any{}, nil)
	assert.Equal(t, jsonkind.Array, arr.Kind)
	assert.Nil(t, arr.ItemType)
}

func TestAnalyzeHomogeneousArray(t *testing.T) {
	n := Analyze(map[string]any{"xs": []any{1.0, 2.0, 3.0}}, nil)
	xs := n.Children["xs"]
	require.Equal(t, jsonkind.Array, xs.Kind)
	require.NotNil(t, xs.ItemType)
	assert.Equal(t, jsonkind.Number, xs.ItemType.Kind)
	assert.Equal(t, "xs[0]", xs.ItemType.Path)
}

func TestAnalyzeHeterogeneousArray(t *testing.T) {
	n := Analyze(map[string]any{"xs": []any{1.0, "x", true}}, nil)
	xs := n.Children["xs"]
	assert.Equal(t, jsonkind.Union, xs.Kind)
	require.NotNil(t, xs.ItemType)
	assert.Equal(t, jsonkind.Union, xs.ItemType.Kind)
	assert.Equal(t, "xs[*]", xs.ItemType.Path)
	assert.Len(t, xs.ItemType.Children, 3)
	assert.Contains(t, xs.ItemType.Children, "number")
	assert.Contains(t, xs.ItemType.Children, "string")
	assert.Contains(t, xs.ItemType.Children, "boolean")
	assert.LessOrEqual(t, len(xs.ItemType.Examples), MaxUnionSamples)
}

func TestAnalyzeRootExampleIsPayload(t *testing.T) {
	payload := map[string]any{"eventType": "Ping", "ts": 1.0}
	n := Analyze(payload, nil)
	require.Len(t, n.Examples, 1)
	assert.Equal(t, canonicalKey(payload), canonicalKey(n.Examples[0]))
}

func TestAnalyzeLinksRedactions(t *testing.T) {
	payload := map[string]any{"img": map[string]any{"data": "abc...[TRUNCATED]"}}
	n := Analyze(payload, map[string]string{"img.data": "base64"})
	leaf := n.Children["img"].Children["data"]
	assert.True(t, leaf.Redacted)
	assert.Equal(t, "base64", leaf.RedactedOriginalKind)
	assert.False(t, n.Children["img"].Redacted)
}

func TestSerializeRoundTripPreservesFingerprintInputs(t *testing.T) {
	n := Analyze(map[string]any{"a": []any{1.0, "x"}, "b": nil}, nil)
	raw, err := n.Serialize()
	require.NoError(t, err)
	back, err := Reconstruct(raw)
	require.NoError(t, err)
	assert.Equal(t, n.Kind, back.Kind)
	assert.Equal(t, n.ChildKeys(), back.ChildKeys())
	assert.Equal(t, n.Children["a"].Kind, back.Children["a"].Kind)
}

func TestFieldCensus(t *testing.T) {
	n := Analyze(map[string]any{
		"a": 1.0,
		"b": map[string]any{"c": "x"},
	}, map[string]string{"b.c": "text"})
	n.Children["a"].Optional = true

	c := FieldCensus(n)
	assert.Equal(t, []string{"b", "b.c"}, c.Required)
	assert.Equal(t, []string{"a"}, c.Optional)
	assert.Equal(t, []string{"b.c"}, c.Redacted)
}

func TestFieldCensusUnionPositionCountsOnce(t *testing.T) {
	// A kind conflict on an already-optional field must not leak the variant
	// shapes into the field sets: "v" is one position, and it stays optional.
	merged := Merge(
		Analyze(map[string]any{"eventType": "x"}, nil),
		Analyze(map[string]any{"eventType": "x", "v": 1.0}, nil),
	)
	merged = Merge(merged, Analyze(map[string]any{"eventType": "x", "v": "one"}, nil))

	c := FieldCensus(merged)
	assert.Equal(t, []string{"eventType"}, c.Required)
	assert.Equal(t, []string{"v"}, c.Optional)

	seen := map[string]bool{}
	for _, p := range append(append([]string{}, c.Required...), c.Optional...) {
		assert.False(t, seen[p], "path %q in both required and optional", p)
		seen[p] = true
	}
}
