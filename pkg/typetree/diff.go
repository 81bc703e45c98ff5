package typetree

import (
	"sort"

	"github.com/fieldlens/schemascope/pkg/jsonkind"
)

// ChangeType enumerates the structural differences reported by Diff.
type ChangeType string

const (
	ChangeTypeChanged     ChangeType = "type_change"
	ChangeOptionalChanged ChangeType = "optional_change"
	ChangeFieldAdded      ChangeType = "field_added"
	ChangeFieldRemoved    ChangeType = "field_removed"
)

// Change is one structural difference between two trees. The set is used for
// operator-facing telemetry and tests; the merge never consults it.
type Change struct {
	Type  ChangeType    `json:"type"`
	Path  string        `json:"path"`
	Field string        `json:"field,omitempty"`
	From  jsonkind.Kind `json:"from,omitempty"`
	To    jsonkind.Kind `json:"to,omitempty"`

	WasOptional bool `json:"was_optional,omitempty"`
	IsOptional  bool `json:"is_optional,omitempty"`
}

// Diff enumerates the structural differences between old and new. Output is
// sorted by path then change type for determinism.
func Diff(oldT, newT *Node) []Change {
	out := make([]Change, 0)
	diffNodes(oldT, newT, &out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func diffNodes(oldN, newN *Node, out *[]Change) {
	if oldN == nil || newN == nil {
		return
	}
	if oldN.Kind != newN.Kind {
		*out = append(*out, Change{
			Type: ChangeTypeChanged,
			Path: oldN.Path,
			From: oldN.Kind,
			To:   newN.Kind,
		})
	}
	if oldN.Optional != newN.Optional {
		*out = append(*out, Change{
			Type:        ChangeOptionalChanged,
			Path:        oldN.Path,
			WasOptional: oldN.Optional,
			IsOptional:  newN.Optional,
		})
	}

	for k, ov := range oldN.Children {
		nv, ok := newN.Children[k]
		if !ok {
			*out = append(*out, Change{Type: ChangeFieldRemoved, Path: oldN.Path, Field: k})
			continue
		}
		diffNodes(ov, nv, out)
	}
	for k := range newN.Children {
		if _, ok := oldN.Children[k]; !ok {
			*out = append(*out, Change{Type: ChangeFieldAdded, Path: newN.Path, Field: k})
		}
	}

	if oldN.ItemType != nil && newN.ItemType != nil {
		diffNodes(oldN.ItemType, newN.ItemType, out)
	}
}

// IsSubset reports whether every required child of sub exists in super with
// a compatible kind, and super never makes a position more optional than sub
// declares. Union is compatible with any kind. Diagnostic only.
func IsSubset(sub, super *Node) bool {
	if sub == nil {
		return true
	}
	if super == nil {
		return false
	}
	if !kindsCompatible(sub.Kind, super.Kind) {
		return false
	}
	if super.Optional && !sub.Optional {
		return false
	}
	for k, sv := range sub.Children {
		if sv.Optional {
			continue
		}
		pv, ok := super.Children[k]
		if !ok {
			return false
		}
		if !IsSubset(sv, pv) {
			return false
		}
	}
	if sub.ItemType != nil && super.ItemType != nil {
		if !IsSubset(sub.ItemType, super.ItemType) {
			return false
		}
	}
	return true
}

func kindsCompatible(a, b jsonkind.Kind) bool {
	return a == b || a == jsonkind.Union || b == jsonkind.Union
}
