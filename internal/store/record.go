package store

import (
	"time"

	"github.com/fieldlens/schemascope/pkg/typetree"
)

// Record is the persisted per-kind schema state (metadata.json). The saved
// tree is sufficient to reconstruct the schema without reading any other
// artifact; the relational side only caches a denormalized summary.
type Record struct {
	Kind                 string `json:"kind"`
	Version              int    `json:"version"`
	StructureFingerprint string `json:"structure_fingerprint"`

	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LastModified time.Time `json:"last_modified"`

	TotalReceived int64 `json:"total_received"`

	Fields typetree.Census `json:"fields"`

	Variations []Variation `json:"variations,omitempty"`

	SavedTree *typetree.Node `json:"saved_tree"`
}

// Variation is one historically-observed distinct structure fingerprint.
type Variation struct {
	Fingerprint string `json:"fingerprint"`
	Count       int64  `json:"count"`
	Description string `json:"description,omitempty"`
}

// MaxVariations bounds the retained variation set per record.
const MaxVariations = 10

// Artifacts are the generated sources persisted alongside the record.
type Artifacts struct {
	ValidatorSource string
	InterfaceSource string
	ExamplesJSON    string
}
