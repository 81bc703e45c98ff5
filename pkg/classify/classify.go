package classify

import (
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Classifier (v0)
//
// Assigns each payload a stable event kind by applying the first matching
// rule from an ordered cascade:
//
//  1. Z-API-like provider shape (vendor header marker or type+instanceId).
//  2. Meta Cloud-like provider shape (whatsapp_business_account envelope).
//  3. Direct tag fields (eventType, body.eventType, body.data.type).
//  4. Ordered structural shape catalog (see catalog.go). Rule order is
//     API-stable; reordering is a breaking change.
//  5. Keyword scan over the joined nested key string.
//  6. Generic provider fallback derived from request headers.
//  7. "Unknown".
//
// The classifier inspects the original pre-redaction payload; comparisons
// are case-insensitive unless noted. It never fails: ambiguity always falls
// through to the next rule.

// KindUnknown is the last-resort event kind.
const KindUnknown = "Unknown"

// Config carries the vendor markers consulted by the provider-shape rules.
type Config struct {
	// VendorServerToken matches the Server response/request header exactly
	// (case-insensitive). Default "z-api".
	VendorServerToken string
	// VendorOriginHost matches as a substring of the Origin header host.
	// Default "z-api.io".
	VendorOriginHost string
}

type Classifier struct {
	cfg Config
}

// New builds a Classifier with defaults applied.
func New(cfg Config) *Classifier {
	if strings.TrimSpace(cfg.VendorServerToken) == "" {
		cfg.VendorServerToken = "z-api"
	}
	if strings.TrimSpace(cfg.VendorOriginHost) == "" {
		cfg.VendorOriginHost = "z-api.io"
	}
	return &Classifier{cfg: cfg}
}

// Classify derives the event kind for a decoded payload plus request
// headers. The payload must be the original, pre-redaction value.
func (c *Classifier) Classify(payload any, headers map[string]string) string {
	root, _ := payload.(map[string]any)

	if kind, ok := c.classifyZAPI(root, headers); ok {
		return kind
	}
	if kind, ok := classifyMetaCloud(root); ok {
		return kind
	}
	if kind, ok := classifyDirectTag(root); ok {
		return kind
	}
	if kind, ok := classifyCatalog(root, payload); ok {
		return kind
	}
	if kind, ok := classifyKeywords(payload); ok {
		return kind
	}
	if kind, ok := classifyProviderFallback(payload, headers); ok {
		return kind
	}
	return KindUnknown
}

// ---- step 1: Z-API-like ----

var zapiTypes = map[string]bool{
	"receivedcallback":      true,
	"deliverycallback":      true,
	"messagestatuscallback": true,
	"statuscallback":        true,
	"presencechatcallback":  true,
	"chatpresencecallback":  true,
	"connectedcallback":     true,
	"disconnectedcallback":  true,
	"historycallback":       true,
}

// zapiSubTypeKeys is the precedence order for deriving the message sub-type.
var zapiSubTypeKeys = []string{
	"text", "image", "sticker", "audio", "video", "document", "location",
	"contact", "poll", "reaction", "order", "payment", "buttons", "list",
}

func (c *Classifier) classifyZAPI(root map[string]any, headers map[string]string) (string, bool) {
	marker := strings.EqualFold(strings.TrimSpace(headerGet(headers, "server")), c.cfg.VendorServerToken) ||
		strings.Contains(strings.ToLower(headerGet(headers, "origin")), strings.ToLower(c.cfg.VendorOriginHost))

	typeStr := lowerString(root, "type")
	instanceID := stringField(root, "instanceid")

	if !marker && !(typeStr != "" && instanceID != "" && zapiTypes[typeStr]) {
		return "", false
	}

	base := strings.ReplaceAll(typeStr, "callback", "")
	base = strings.TrimSpace(base)
	if base == "" {
		base = "webhook"
	}

	sub := ""
	if strings.Contains(base, "status") {
		sub = lowerString(root, "status")
		if sub != "" && groupOriginated(root) {
			sub = "group_" + sub
		}
	} else {
		for _, k := range zapiSubTypeKeys {
			if _, ok := fieldCI(root, k); ok {
				sub = k
				break
			}
		}
	}

	kind := "z_api/" + base
	if sub != "" {
		kind += "/" + sub
	}
	return kind, true
}

func groupOriginated(root map[string]any) bool {
	for _, k := range []string{"isgroup", "fromgroup", "group"} {
		if v, ok := fieldCI(root, k); ok {
			if b, ok := v.(bool); ok && b {
				return true
			}
		}
	}
	return false
}

// ---- step 2: Meta Cloud-like ----

func classifyMetaCloud(root map[string]any) (string, bool) {
	if root == nil || !strings.EqualFold(stringField(root, "object"), "whatsapp_business_account") {
		return "", false
	}
	entry := firstElement(root["entry"])
	if entry == nil {
		return "", false
	}
	change := firstElement(entry["changes"])
	if change == nil {
		return "", false
	}
	value, _ := change["value"].(map[string]any)
	if value == nil || !strings.EqualFold(stringField(value, "messaging_product"), "whatsapp") {
		return "", false
	}
	field := strings.ToLower(strings.TrimSpace(stringField(change, "field")))
	if field == "" {
		return "", false
	}
	kind := "whatsapp_business_account/" + field
	if field == "messages" {
		sub := "text"
		if msg := firstElement(value["messages"]); msg != nil {
			if t := strings.ToLower(strings.TrimSpace(stringField(msg, "type"))); t != "" {
				sub = t
			}
		}
		kind += "_" + sub
	}
	return kind, true
}

// ---- step 3: direct tag fields ----

func classifyDirectTag(root map[string]any) (string, bool) {
	if root == nil {
		return "", false
	}
	candidates := []string{
		stringField(root, "eventtype"),
		stringPath(root, "body", "eventtype"),
		stringPath(root, "body", "data", "type"),
	}
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return PascalIdentifier(c), true
		}
	}
	return "", false
}

// ---- step 5: keyword scan ----

type keywordRule struct {
	Kind     string
	Keywords []string
}

// keywordRules is consulted after the structural catalog; every keyword of a
// rule must appear in the joined lowercase key string.
var keywordRules = []keywordRule{
	{Kind: "Message", Keywords: []string{"conversation"}},
	{Kind: "Message", Keywords: []string{"messagetimestamp"}},
	{Kind: "Receipt", Keywords: []string{"receipt"}},
	{Kind: "Location", Keywords: []string{"latitude", "longitude"}},
	{Kind: "Contact", Keywords: []string{"vcard"}},
	{Kind: "Presence", Keywords: []string{"presence"}},
	{Kind: "Status", Keywords: []string{"status", "ack"}},
}

func classifyKeywords(payload any) (string, bool) {
	joined := joinedKeys(payload)
	if joined == "" {
		return "", false
	}
	for _, rule := range keywordRules {
		all := true
		for _, kw := range rule.Keywords {
			if !strings.Contains(joined, kw) {
				all = false
				break
			}
		}
		if all {
			return rule.Kind, true
		}
	}
	return "", false
}

// ---- step 6: generic provider fallback ----

type agentRule struct {
	re       *regexp.Regexp
	provider string
}

var agentRules = []agentRule{
	{regexp.MustCompile(`(?i)z-?api`), "z_api"},
	{regexp.MustCompile(`(?i)facebook|meta`), "meta"},
	{regexp.MustCompile(`(?i)whatsapp`), "whatsapp"},
	{regexp.MustCompile(`(?i)twilio`), "twilio"},
	{regexp.MustCompile(`(?i)telegram`), "telegram"},
}

var customProviderHeaders = []string{"x-provider", "x-webhook-source", "x-vendor"}

func classifyProviderFallback(payload any, headers map[string]string) (string, bool) {
	provider := ""
	if ua := headerGet(headers, "user-agent"); ua != "" {
		for _, r := range agentRules {
			if r.re.MatchString(ua) {
				provider = r.provider
				break
			}
		}
	}
	if provider == "" {
		for _, h := range customProviderHeaders {
			if v := strings.TrimSpace(headerGet(headers, h)); v != "" {
				provider = sanitizeSegment(strings.ToLower(v))
				break
			}
		}
	}
	if provider == "" {
		if origin := headerGet(headers, "origin"); origin != "" {
			if host := originHost(origin); host != "" {
				provider = sanitizeSegment(strings.SplitN(host, ".", 2)[0])
			}
		}
	}
	if provider == "" {
		return "", false
	}

	joined := joinedKeys(payload)
	kindType := "webhook"
	for _, kw := range []string{"message", "status", "presence", "receipt"} {
		if strings.Contains(joined, kw) {
			kindType = kw
			break
		}
	}
	return provider + "/" + kindType, true
}

func originHost(origin string) string {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Hostname() == "" {
		// Not a URL; treat the raw value as a host.
		return strings.ToLower(strings.TrimSpace(origin))
	}
	return strings.ToLower(u.Hostname())
}

// ---- kind sanitization ----

var kindSegmentUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeKind makes a kind filesystem-safe: "/" is preserved as a grouping
// separator and every other non-alphanumeric character becomes "_". Empty
// segments are dropped; an empty result collapses to "unknown".
func SanitizeKind(kind string) string {
	parts := strings.Split(kind, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = sanitizeSegment(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return strings.Join(out, "/")
}

func sanitizeSegment(seg string) string {
	seg = kindSegmentUnsafe.ReplaceAllString(strings.TrimSpace(seg), "_")
	return strings.Trim(seg, "_")
}

// PascalIdentifier normalizes a raw tag into a pascal-case identifier:
// split on non-alphanumerics, capitalize each piece, concatenate.
func PascalIdentifier(s string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			if upperNext {
				b.WriteRune(r - 'a' + 'A')
			} else {
				b.WriteRune(r)
			}
			upperNext = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
			upperNext = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			upperNext = false
		default:
			upperNext = true
		}
	}
	return b.String()
}

// ---- shared lookups ----

func headerGet(headers map[string]string, name string) string {
	if headers == nil {
		return ""
	}
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// fieldCI looks up a top-level field by lowercased name.
func fieldCI(root map[string]any, lowered string) (any, bool) {
	if root == nil {
		return nil, false
	}
	for k, v := range root {
		if strings.ToLower(k) == lowered {
			return v, true
		}
	}
	return nil, false
}

func stringField(root map[string]any, lowered string) string {
	v, ok := fieldCI(root, lowered)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func lowerString(root map[string]any, lowered string) string {
	return strings.ToLower(strings.TrimSpace(stringField(root, lowered)))
}

func stringPath(root map[string]any, path ...string) string {
	cur := root
	for i, seg := range path {
		if cur == nil {
			return ""
		}
		v, ok := fieldCI(cur, seg)
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			s, _ := v.(string)
			return s
		}
		cur, _ = v.(map[string]any)
	}
	return ""
}

func firstElement(v any) map[string]any {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	m, _ := arr[0].(map[string]any)
	return m
}

// joinedKeys flattens every nested object key into a lowercase
// comma-separated string for keyword matching.
func joinedKeys(payload any) string {
	keys := map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case map[string]any:
			for k, cv := range x {
				keys[strings.ToLower(k)] = true
				walk(cv)
			}
		case []any:
			for _, cv := range x {
				walk(cv)
			}
		}
	}
	walk(payload)
	if len(keys) == 0 {
		return ""
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// loweredBody renders the payload as lowercase JSON for token matching in
// the structural catalog.
func loweredBody(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(b))
}
