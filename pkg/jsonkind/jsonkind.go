package jsonkind

import (
	"encoding/json"
	"math"
)

// Kind is the closed set of structural tags for a decoded JSON value.
// It also covers the synthetic union tag used by merged type trees.
type Kind string

const (
	String  Kind = "string"
	Number  Kind = "number"
	Boolean Kind = "boolean"
	Null    Kind = "null"
	Object  Kind = "object"
	Array   Kind = "array"
	Union   Kind = "union"
)

// Detect classifies a decoded JSON value (as produced by encoding/json into
// any) into its structural kind. null is distinct from absence; a sequence is
// array; any other compound is object. Non-finite floats map to null; they
// cannot appear in wire JSON but can reach Detect through merged trees.
func Detect(v any) Kind {
	switch x := v.(type) {
	case nil:
		return Null
	case string:
		return String
	case bool:
		return Boolean
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Null
		}
		return Number
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return Null
		}
		return Number
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Number
	case json.Number:
		return Number
	case []any:
		return Array
	case map[string]any:
		return Object
	default:
		return Object
	}
}

// Valid reports whether k is one of the closed tags.
func Valid(k Kind) bool {
	switch k {
	case String, Number, Boolean, Null, Object, Array, Union:
		return true
	}
	return false
}
