package generate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldlens/schemascope/pkg/classify"
	"github.com/fieldlens/schemascope/pkg/jsonkind"
	"github.com/fieldlens/schemascope/pkg/typetree"
)

// Generator (v0)
//
// Pure functions from a type tree to string artifacts: a JSON Schema
// validator document and a Go type declaration. Emission is best-effort but
// never blocks persistence: if pretty-printing fails the validator falls
// back to compact JSON, and if even the interface cannot be rendered a
// degenerate any-shaped alias is emitted.

var ErrDegraded = errors.New("generate: degraded artifact")

// TypeName derives the Go identifier for a kind: split on "/", pascal-case
// each segment, concatenate.
func TypeName(kind string) string {
	var b strings.Builder
	for _, seg := range strings.Split(kind, "/") {
		b.WriteString(classify.PascalIdentifier(seg))
	}
	name := b.String()
	if name == "" {
		return "Unknown"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "T" + name
	}
	return name
}

// Validator renders the tree as a JSON Schema document. The returned error
// is ErrDegraded when the compact fallback was used; the source is still
// valid JSON in that case.
func Validator(kind string, root *typetree.Node) (string, error) {
	doc := map[string]any{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"title":   TypeName(kind),
	}
	for k, v := range schemaFor(root) {
		doc[k] = v
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err == nil {
		return string(pretty) + "\n", nil
	}
	compact, err2 := json.Marshal(doc)
	if err2 != nil {
		return "", fmt.Errorf("%w: %v", ErrDegraded, err2)
	}
	return string(compact) + "\n", ErrDegraded
}

func schemaFor(n *typetree.Node) map[string]any {
	if n == nil {
		return map[string]any{}
	}
	switch n.Kind {
	case jsonkind.Object:
		out := map[string]any{"type": "object"}
		if len(n.Children) > 0 {
			props := make(map[string]any, len(n.Children))
			required := make([]string, 0, len(n.Children))
			for _, k := range n.ChildKeys() {
				c := n.Children[k]
				props[k] = schemaFor(c)
				if !c.Optional {
					required = append(required, k)
				}
			}
			out["properties"] = props
			if len(required) > 0 {
				sort.Strings(required)
				out["required"] = required
			}
		}
		return out
	case jsonkind.Array:
		out := map[string]any{"type": "array"}
		if n.ItemType != nil {
			out["items"] = schemaFor(n.ItemType)
		}
		return out
	case jsonkind.Union:
		variants := make([]any, 0, len(n.Children))
		for _, k := range n.ChildKeys() {
			variants = append(variants, schemaFor(n.Children[k]))
		}
		if len(variants) == 0 && n.ItemType != nil {
			// Mixed-array position: describe it as an array of the element
			// union.
			return map[string]any{"type": "array", "items": schemaFor(n.ItemType)}
		}
		if len(variants) == 0 {
			return map[string]any{}
		}
		return map[string]any{"anyOf": variants}
	case jsonkind.String:
		out := map[string]any{"type": "string"}
		if n.Redacted {
			out["description"] = redactionNote(n)
		}
		return out
	case jsonkind.Number:
		return map[string]any{"type": "number"}
	case jsonkind.Boolean:
		return map[string]any{"type": "boolean"}
	case jsonkind.Null:
		return map[string]any{"type": "null"}
	default:
		return map[string]any{}
	}
}

func redactionNote(n *typetree.Node) string {
	tag := n.RedactedOriginalKind
	if tag == "" {
		tag = "text"
	}
	return "redacted at ingest; original value looked like " + tag
}
