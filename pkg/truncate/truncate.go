package truncate

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Truncator (v0)
//
// Redacts oversize string fields in a decoded payload before analysis. Only
// terminal string values ever change; the set of paths in the redacted
// payload equals the set of paths in the original, and numbers and booleans
// are never touched. Applying the truncator twice is a no-op.

// Sentinel marks a truncated string value.
const Sentinel = "...[TRUNCATED]"

// DefaultMaxLength is the retained prefix length.
const DefaultMaxLength = 100

// DefaultFieldNames are the field-name substrings that trigger truncation,
// matched case-insensitively against the trailing path segment.
var DefaultFieldNames = []string{"base64", "jpegthumbnail", "thumbnail", "data", "image"}

// Tag is the heuristic guess of what a truncated string held.
type Tag string

const (
	TagBase64 Tag = "base64"
	TagJSON   Tag = "json"
	TagText   Tag = "text"
)

// Redaction describes one truncated field.
type Redaction struct {
	Path           string `json:"path"`
	OriginalLength int    `json:"original_length"`
	RedactedLength int    `json:"redacted_length"`
	Tag            Tag    `json:"tag"`
}

// Report is the set of redactions applied to a payload.
type Report struct {
	Redactions []Redaction `json:"redactions"`
}

// ByPath returns a path -> tag lookup of the report.
func (r *Report) ByPath() map[string]string {
	if r == nil || len(r.Redactions) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Redactions))
	for _, red := range r.Redactions {
		out[red.Path] = string(red.Tag)
	}
	return out
}

// Options configures a Truncator. Zero values fall back to the defaults.
type Options struct {
	MaxLength  int
	FieldNames []string
}

type Truncator struct {
	maxLength int
	names     []string
}

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)

// New builds a Truncator with bounds applied.
func New(opts Options) *Truncator {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	names := opts.FieldNames
	if len(names) == 0 {
		names = DefaultFieldNames
	}
	clean := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			clean = append(clean, n)
		}
	}
	return &Truncator{maxLength: opts.MaxLength, names: clean}
}

// Apply walks the payload depth-first and returns a redacted copy plus the
// redaction report. The input is never mutated.
func (t *Truncator) Apply(v any) (any, *Report) {
	report := &Report{Redactions: []Redaction{}}
	out := t.walk(v, "", report)
	return out, report
}

func (t *Truncator) walk(v any, path string, report *Report) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, cv := range x {
			out[k] = t.walk(cv, childPath(path, k), report)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, cv := range x {
			out[i] = t.walk(cv, path+"["+strconv.Itoa(i)+"]", report)
		}
		return out
	case string:
		return t.visitString(x, path, report)
	default:
		return v
	}
}

func (t *Truncator) visitString(s, path string, report *Report) any {
	// Already carries the sentinel: leave alone so Apply is idempotent.
	if strings.HasSuffix(s, Sentinel) {
		return s
	}
	if len(s) <= t.maxLength {
		return s
	}
	byName := t.nameMatches(path)
	byBlob := len(s) > 10*t.maxLength && LooksBase64(s)
	if !byName && !byBlob {
		return s
	}
	red := s[:t.maxLength] + Sentinel
	report.Redactions = append(report.Redactions, Redaction{
		Path:           path,
		OriginalLength: len(s),
		RedactedLength: len(red),
		Tag:            classifyString(s),
	})
	return red
}

// nameMatches checks the trailing segment of the dotted path, stripped of
// array indices, against the configured names (case-insensitive substring).
func (t *Truncator) nameMatches(path string) bool {
	seg := trailingSegment(path)
	if seg == "" {
		return false
	}
	for _, n := range t.names {
		if strings.Contains(seg, n) {
			return true
		}
	}
	return false
}

func trailingSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.Index(path, "["); i >= 0 {
		path = path[:i]
	}
	return strings.ToLower(path)
}

// LooksBase64 reports whether s plausibly holds base64 data: length at least
// 20, a multiple of 4, over the base64 alphabet with optional padding.
func LooksBase64(s string) bool {
	if len(s) < 20 || len(s)%4 != 0 {
		return false
	}
	return base64Pattern.MatchString(s)
}

// classifyString tags what the original string appeared to hold. The JSON
// heuristic tags only; it never triggers truncation.
func classifyString(s string) Tag {
	if LooksBase64(s) {
		return TagBase64
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			switch v.(type) {
			case map[string]any, []any:
				return TagJSON
			}
		}
	}
	return TagText
}

func childPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
