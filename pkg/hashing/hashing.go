package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/fieldlens/schemascope/pkg/typetree"
)

// Fingerprints (v0)
//
// Two fingerprint families, both SHA-256 over UTF-8 bytes:
//
// Structure fingerprint: a canonical serialization of a type tree retaining
// kind, optional, children (keys in lexicographic order) and item type.
// Examples, paths, and redaction markers are excluded, so two trees with the
// same fingerprint are structurally indistinguishable.
//
// Payload fingerprint: canonical JSON of the payload with sorted keys at
// every object. Strings longer than LargeStringBound are replaced with a
// constant sentinel before hashing, so near-duplicate payloads that differ
// only in large blobs fingerprint identically.

const (
	// LargeStringBound is the length above which payload strings are replaced
	// with the sentinel before fingerprinting.
	LargeStringBound = 10000

	largeStringSentinel = `"<LARGE_STRING>"`
)

// SumHex returns the hex SHA-256 of b.
func SumHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StructureFingerprint returns the stable structural hash of a tree.
func StructureFingerprint(n *typetree.Node) string {
	var buf bytes.Buffer
	writeStructure(&buf, n)
	return SumHex(buf.Bytes())
}

func writeStructure(buf *bytes.Buffer, n *typetree.Node) {
	if n == nil {
		buf.WriteString("null")
		return
	}
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(n.Kind))
	buf.Write(kb)
	buf.WriteString(`,"optional":`)
	if n.Optional {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
	if len(n.Children) > 0 {
		buf.WriteString(`,"children":{`)
		keys := n.ChildKeys()
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			ck, _ := json.Marshal(k)
			buf.Write(ck)
			buf.WriteByte(':')
			writeStructure(buf, n.Children[k])
		}
		buf.WriteByte('}')
	}
	if n.ItemType != nil {
		buf.WriteString(`,"item":`)
		writeStructure(buf, n.ItemType)
	}
	buf.WriteByte('}')
}

// PayloadFingerprint returns the blob-tolerant payload hash.
func PayloadFingerprint(v any) string {
	var buf bytes.Buffer
	writePayload(&buf, v)
	return SumHex(buf.Bytes())
}

func writePayload(buf *bytes.Buffer, v any) {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		if len(x) > LargeStringBound {
			buf.WriteString(largeStringSentinel)
			return
		}
		b, err := json.Marshal(x)
		if err != nil {
			buf.WriteString(`""`)
			return
		}
		buf.Write(b)
	case float64:
		buf.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case json.Number:
		buf.WriteString(x.String())
	case []any:
		buf.WriteByte('[')
		for i := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			writePayload(buf, x[i])
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writePayload(buf, x[k])
		}
		buf.WriteByte('}')
	default:
		// Absent-like values map to null.
		b, err := json.Marshal(x)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(b)
	}
}

// ShortID derives a 16-hex-char identifier from the given parts. Safe
// fallback when no external id is provided.
func ShortID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Similarity is a diagnostic Hamming similarity over two equal-length hex
// digests. It returns 1.0 iff the digests are equal and 0.0 when lengths
// differ.
func Similarity(a, b string) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	same := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			same++
		}
	}
	return float64(same) / float64(len(a))
}
