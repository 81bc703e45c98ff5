package typetree

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/fieldlens/schemascope/pkg/jsonkind"
)

// TypeTree (v0)
//
// A Node describes the structure observed at one position of a payload.
// Positions are addressed in dot-and-bracket notation from the root:
// "" at the root, "a.b" for object fields, "a.b[0]" for the first array
// element, "a.b[*]" for the synthetic element position of a mixed array.
//
// Key properties:
// - Children keys are unique; insertion order carries no meaning.
// - Examples are a bounded most-recently-seen sample of JSON-equal-distinct
//   values (MaxExamples after persistence, MaxMergeExamples during merge).
// - Once Optional is set it never resets, even if later payloads always
//   carry the field.
// - Redaction markers record that the node was built from a truncated
//   source and what the original string looked like.

const (
	// MaxExamples bounds persisted examples per node.
	MaxExamples = 10
	// MaxMergeExamples bounds examples carried through a merge before the
	// persisted truncation applies.
	MaxMergeExamples = 20
	// MaxUnionSamples bounds sample elements kept on a synthetic mixed-array
	// element node.
	MaxUnionSamples = 5
)

type Node struct {
	Path     string           `json:"path"`
	Kind     jsonkind.Kind    `json:"kind"`
	Optional bool             `json:"optional,omitempty"`
	Children map[string]*Node `json:"children,omitempty"`
	ItemType *Node            `json:"item_type,omitempty"`
	Examples []any            `json:"examples,omitempty"`

	Redacted bool `json:"redacted,omitempty"`
	// RedactedOriginalKind is one of base64|json|text when Redacted is set.
	RedactedOriginalKind string `json:"redacted_original_kind,omitempty"`
}

// Clone returns a deep copy of n. Examples are shared structurally; callers
// never mutate example values in place.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Path:                 n.Path,
		Kind:                 n.Kind,
		Optional:             n.Optional,
		Redacted:             n.Redacted,
		RedactedOriginalKind: n.RedactedOriginalKind,
		ItemType:             n.ItemType.Clone(),
	}
	if n.Children != nil {
		out.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			out.Children[k] = c.Clone()
		}
	}
	if len(n.Examples) > 0 {
		out.Examples = append([]any(nil), n.Examples...)
	}
	return out
}

// ChildKeys returns the sorted child keys of n.
func (n *Node) ChildKeys() []string {
	if n == nil || len(n.Children) == 0 {
		return nil
	}
	keys := make([]string, 0, len(n.Children))
	for k := range n.Children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Serialize encodes the tree for persistence. The encoded form is sufficient
// to reconstruct a tree with an equal structure fingerprint.
func (n *Node) Serialize() ([]byte, error) {
	return json.Marshal(n)
}

// Reconstruct decodes a tree previously produced by Serialize.
func Reconstruct(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Census lists the field paths of a tree split into the three disjoint sets
// persisted on a schema record. Required and optional partition every
// non-root position; redacted is the subset of those positions built from
// truncated sources.
type Census struct {
	Required []string `json:"required"`
	Optional []string `json:"optional"`
	Redacted []string `json:"redacted"`
}

// FieldCensus walks the tree and produces the persisted field sets. A union
// position counts once, classified from the union node itself; its variant
// shapes contribute only their own nested positions. A path seen optional
// anywhere in the tree lands in the optional set only.
func FieldCensus(root *Node) Census {
	required := map[string]bool{}
	optional := map[string]bool{}
	redacted := map[string]bool{}
	var walk func(n *Node, variant bool)
	walk = func(n *Node, variant bool) {
		if n == nil {
			return
		}
		if n.Path != "" && !variant {
			if n.Optional {
				optional[n.Path] = true
			} else {
				required[n.Path] = true
			}
			if n.Redacted {
				redacted[n.Path] = true
			}
		}
		union := n.Kind == jsonkind.Union
		for _, k := range n.ChildKeys() {
			walk(n.Children[k], union)
		}
		walk(n.ItemType, false)
	}
	walk(root, false)

	c := Census{Required: []string{}, Optional: []string{}, Redacted: []string{}}
	for p := range required {
		if !optional[p] {
			c.Required = append(c.Required, p)
		}
	}
	for p := range optional {
		c.Optional = append(c.Optional, p)
	}
	for p := range redacted {
		c.Redacted = append(c.Redacted, p)
	}
	sort.Strings(c.Required)
	sort.Strings(c.Optional)
	sort.Strings(c.Redacted)
	return c
}

// canonicalKey renders a JSON value with lexicographically sorted object
// keys. It is the JSON-equality key used to deduplicate examples.
func canonicalKey(v any) string {
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.String()
}

func writeCanonical(buf *bytes.Buffer, v any) {
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
			writeCanonical(buf, x[i])
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
			writeCanonical(buf, x[k])
		}
		buf.WriteByte('}')
	default:
		b, err := json.Marshal(x)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(b)
	}
}

// appendExamples concatenates example lists, drops JSON-equal duplicates
// keeping the most recent occurrence, and truncates to limit keeping the
// most recent entries.
func appendExamples(older, newer []any, limit int) []any {
	all := make([]any, 0, len(older)+len(newer))
	all = append(all, older...)
	all = append(all, newer...)
	if len(all) == 0 {
		return nil
	}
	// Keep the last occurrence of each distinct value.
	lastIdx := make(map[string]int, len(all))
	for i, v := range all {
		lastIdx[canonicalKey(v)] = i
	}
	dedup := make([]any, 0, len(lastIdx))
	for i, v := range all {
		if lastIdx[canonicalKey(v)] == i {
			dedup = append(dedup, v)
		}
	}
	if limit > 0 && len(dedup) > limit {
		dedup = dedup[len(dedup)-limit:]
	}
	return dedup
}

// TruncateExamples applies the persisted example bound to every node.
func TruncateExamples(root *Node, limit int) {
	if root == nil {
		return
	}
	if limit > 0 && len(root.Examples) > limit {
		root.Examples = root.Examples[len(root.Examples)-limit:]
	}
	for _, k := range root.ChildKeys() {
		TruncateExamples(root.Children[k], limit)
	}
	TruncateExamples(root.ItemType, limit)
}
