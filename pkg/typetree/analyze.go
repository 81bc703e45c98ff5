package typetree

import (
	"strconv"

	"github.com/fieldlens/schemascope/pkg/jsonkind"
)

// Analyze builds a type tree from a redacted payload. redactions maps dotted
// paths to the redaction tag (base64|json|text) reported by the truncator;
// nodes at those paths are marked redacted. Optionality is never set here;
// it is discovered only by merging against prior evidence.
func Analyze(payload any, redactions map[string]string) *Node {
	return analyzeValue(payload, "", redactions)
}

func analyzeValue(v any, path string, redactions map[string]string) *Node {
	n := &Node{
		Path: path,
		Kind: jsonkind.Detect(v),
	}
	if tag, ok := redactions[path]; ok {
		n.Redacted = true
		n.RedactedOriginalKind = tag
	}

	switch x := v.(type) {
	case map[string]any:
		if len(x) > 0 {
			n.Children = make(map[string]*Node, len(x))
			for k, cv := range x {
				n.Children[k] = analyzeValue(cv, childPath(path, k), redactions)
			}
		}
	case []any:
		if len(x) > 0 {
			kinds := map[jsonkind.Kind]bool{}
			for _, el := range x {
				kinds[jsonkind.Detect(el)] = true
			}
			if len(kinds) == 1 {
				n.ItemType = analyzeValue(x[0], elemPath(path, 0), redactions)
			} else {
				// Mixed element kinds: the position collapses to a union with
				// a synthetic element node carrying per-kind variants.
				n.Kind = jsonkind.Union
				n.ItemType = synthesizeUnionItem(x, starPath(path), redactions)
			}
		}
	}

	n.Examples = []any{v}
	return n
}

func synthesizeUnionItem(elems []any, path string, redactions map[string]string) *Node {
	item := &Node{
		Path: path,
		Kind: jsonkind.Union,
	}
	item.Children = make(map[string]*Node)
	for _, el := range elems {
		k := string(jsonkind.Detect(el))
		shape := analyzeValue(el, path, redactions)
		if prev, ok := item.Children[k]; ok {
			item.Children[k] = Merge(prev, shape)
		} else {
			item.Children[k] = shape
		}
	}
	for _, el := range elems {
		if len(item.Examples) >= MaxUnionSamples {
			break
		}
		item.Examples = append(item.Examples, el)
	}
	return item
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func elemPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}

func starPath(parent string) string {
	return parent + "[*]"
}
