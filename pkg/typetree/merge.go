package typetree

import (
	"github.com/fieldlens/schemascope/pkg/jsonkind"
)

// Merge folds fresh evidence (b) into prior evidence (a) and returns the
// merged tree. Neither input is mutated.
//
// Rules:
//   - Equal kinds are inherited; differing kinds collapse to union, whose
//     children hold the observed shapes keyed by their kind tag.
//   - Optionality is sticky: C.optional = A.optional || B.optional, and an
//     object field present on only one side is carried with optional=true.
//   - Array item types merge recursively; a missing side is adopted as-is.
//   - Examples concatenate, deduplicate by canonical JSON equality, and keep
//     the most recent MaxMergeExamples.
//   - Redaction is sticky; on disagreeing original-kind tags the older
//     evidence wins unless the newer tag is base64, which is treated as
//     strictly more informative.
//
// Merge is idempotent on identical inputs and commutative and associative
// up to the structure fingerprint (example ordering may differ).
func Merge(a, b *Node) *Node {
	return MergeBounded(a, b, MaxMergeExamples)
}

// MergeBounded is Merge with a caller-supplied per-node example bound.
// A non-positive bound falls back to MaxMergeExamples.
func MergeBounded(a, b *Node, exampleLimit int) *Node {
	if exampleLimit <= 0 {
		exampleLimit = MaxMergeExamples
	}
	m := merger{limit: exampleLimit}
	return m.merge(a, b)
}

type merger struct {
	limit int
}

func (m merger) merge(a, b *Node) *Node {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}

	out := &Node{
		Path:     a.Path,
		Optional: a.Optional || b.Optional,
	}
	if out.Path == "" {
		out.Path = b.Path
	}

	out.Redacted = a.Redacted || b.Redacted
	out.RedactedOriginalKind = mergeRedactionTag(a.RedactedOriginalKind, b.RedactedOriginalKind)
	out.Examples = appendExamples(a.Examples, b.Examples, m.limit)

	if a.Kind == b.Kind {
		out.Kind = a.Kind
		switch a.Kind {
		case jsonkind.Object:
			out.Children = m.mergeObjectChildren(a.Children, b.Children)
		case jsonkind.Union:
			out.Children = m.mergeVariantChildren(a.Children, b.Children)
			out.ItemType = m.mergeItemTypes(a.ItemType, b.ItemType)
		case jsonkind.Array:
			out.ItemType = m.mergeItemTypes(a.ItemType, b.ItemType)
		}
		return out
	}

	// Differing kinds collapse to a union of the observed shapes.
	out.Kind = jsonkind.Union
	variants := map[string]*Node{}
	m.foldVariants(variants, a)
	m.foldVariants(variants, b)
	if len(variants) > 0 {
		out.Children = variants
	}
	out.ItemType = m.mergeItemTypes(a.ItemType, b.ItemType)
	return out
}

// mergeObjectChildren applies the field rule: both sides recurse, one-sided
// fields become optional.
func (m merger) mergeObjectChildren(ac, bc map[string]*Node) map[string]*Node {
	if len(ac) == 0 && len(bc) == 0 {
		return nil
	}
	out := make(map[string]*Node, len(ac)+len(bc))
	for k, av := range ac {
		if bv, ok := bc[k]; ok {
			out[k] = m.merge(av, bv)
			continue
		}
		c := av.Clone()
		c.Optional = true
		out[k] = c
	}
	for k, bv := range bc {
		if _, ok := ac[k]; ok {
			continue
		}
		c := bv.Clone()
		c.Optional = true
		out[k] = c
	}
	return out
}

// mergeVariantChildren folds two variant sets. Variants are observations,
// not fields, so a one-sided variant keeps its stored optionality.
func (m merger) mergeVariantChildren(ac, bc map[string]*Node) map[string]*Node {
	if len(ac) == 0 && len(bc) == 0 {
		return nil
	}
	out := make(map[string]*Node, len(ac)+len(bc))
	for k, av := range ac {
		if bv, ok := bc[k]; ok {
			out[k] = m.merge(av, bv)
		} else {
			out[k] = av.Clone()
		}
	}
	for k, bv := range bc {
		if _, ok := ac[k]; ok {
			continue
		}
		out[k] = bv.Clone()
	}
	return out
}

func (m merger) foldVariants(dst map[string]*Node, n *Node) {
	if n == nil {
		return
	}
	if n.Kind == jsonkind.Union {
		for k, c := range n.Children {
			if prev, ok := dst[k]; ok {
				dst[k] = m.merge(prev, c)
			} else {
				dst[k] = c.Clone()
			}
		}
		return
	}
	key := string(n.Kind)
	shape := n.Clone()
	if prev, ok := dst[key]; ok {
		dst[key] = m.merge(prev, shape)
	} else {
		dst[key] = shape
	}
}

func (m merger) mergeItemTypes(a, b *Node) *Node {
	if a == nil {
		return b.Clone()
	}
	if b == nil {
		return a.Clone()
	}
	return m.merge(a, b)
}

func mergeRedactionTag(old, new string) string {
	if old == "" {
		return new
	}
	if new == "" {
		return old
	}
	if old != new && new == "base64" {
		return new
	}
	return old
}
