package classify

import "strings"

// Queue priority hints (cascade-free).
//
// Priority is computed from the payload's own type-ish fields before
// classification runs, never from the derived kind. It is a latency hint in
// [MinPriority, MaxPriority]; correctness never depends on it.

const (
	MinPriority     = 1
	MaxPriority     = 15
	DefaultPriority = 5
)

// typePriorities maps well-known lowered type names to priorities.
var typePriorities = map[string]int{
	"payment":               14,
	"order":                 13,
	"qr":                    12,
	"pairsuccess":           12,
	"message":               10,
	"messages":              10,
	"receivedcallback":      10,
	"connected":             8,
	"loggedout":             8,
	"disconnected":          8,
	"receipt":               6,
	"status":                6,
	"deliverycallback":      6,
	"messagestatuscallback": 6,
	"reaction":              5,
	"poll":                  5,
	"presence":              3,
	"chatpresence":          3,
	"historysync":           2,
	"keepalivetimeout":      1,
}

// priorityTypeFields are the payload fields consulted, in order.
var priorityTypeFields = []string{"type", "eventtype", "event"}

// Priority derives the queue priority hint for a payload.
func Priority(payload any) int {
	root, _ := payload.(map[string]any)
	for _, f := range priorityTypeFields {
		t := lowerString(root, f)
		if t == "" {
			continue
		}
		if p, ok := typePriorities[t]; ok {
			return clampPriority(p)
		}
	}

	// Keyword fallback over the nested key string.
	joined := joinedKeys(payload)
	switch {
	case strings.Contains(joined, "payment"):
		return 14
	case strings.Contains(joined, "order"):
		return 13
	case strings.Contains(joined, "message"):
		return 10
	case strings.Contains(joined, "status"), strings.Contains(joined, "receipt"):
		return 6
	case strings.Contains(joined, "presence"):
		return 3
	}
	return DefaultPriority
}

func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
