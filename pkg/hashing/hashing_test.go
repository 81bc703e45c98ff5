package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/schemascope/pkg/typetree"
)

func analyze(t *testing.T, payload any) *typetree.Node {
	t.Helper()
	return typetree.Analyze(payload, nil)
}

func TestStructureFingerprintDeterministic(t *testing.T) {
	payload := map[string]any{
		"b": 1.0,
		"a": map[string]any{"y": "s", "x": true},
	}
	fp1 := StructureFingerprint(analyze(t, payload))
	fp2 := StructureFingerprint(analyze(t, payload))
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64)
}

func TestStructureFingerprintIgnoresExamplesAndRedaction(t *testing.T) {
	a := typetree.Analyze(map[string]any{"data": "small"}, nil)
	b := typetree.Analyze(map[string]any{"data": "other value"}, map[string]string{"data": "base64"})
	assert.Equal(t, StructureFingerprint(a), StructureFingerprint(b))
}

func TestStructureFingerprintSensitiveToKindAndOptional(t *testing.T) {
	a := analyze(t, map[string]any{"v": "s"})
	b := analyze(t, map[string]any{"v": 1.0})
	assert.NotEqual(t, StructureFingerprint(a), StructureFingerprint(b))

	c := analyze(t, map[string]any{"v": "s"})
	c.Children["v"].Optional = true
	assert.NotEqual(t, StructureFingerprint(a), StructureFingerprint(c))
}

func TestPayloadFingerprintKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"x": 1.0, "y": "s"}
	b := map[string]any{"y": "s", "x": 1.0}
	assert.Equal(t, PayloadFingerprint(a), PayloadFingerprint(b))
}

func TestPayloadFingerprintBlobTolerant(t *testing.T) {
	blob1 := strings.Repeat("A", LargeStringBound+1)
	blob2 := strings.Repeat("B", LargeStringBound+500)
	a := map[string]any{"image": blob1, "id": 1.0}
	b := map[string]any{"image": blob2, "id": 1.0}
	assert.Equal(t, PayloadFingerprint(a), PayloadFingerprint(b))

	// At the bound the string still participates.
	c := map[string]any{"image": strings.Repeat("A", LargeStringBound), "id": 1.0}
	assert.NotEqual(t, PayloadFingerprint(a), PayloadFingerprint(c))
}

func TestShortID(t *testing.T) {
	id := ShortID("kind", "payload")
	require.Len(t, id, 16)
	assert.Equal(t, id, ShortID("kind", "payload"))
	assert.NotEqual(t, id, ShortID("kindpayload"))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("abcd", "abcd"))
	assert.Equal(t, 0.0, Similarity("abcd", "abc"))
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.InDelta(t, 0.75, Similarity("abcd", "abcx"), 1e-9)
}
