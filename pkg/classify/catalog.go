package classify

import "strings"

// Structural shape catalog (cascade step 4).
//
// Each rule is a conjunction of "these top-level fields are present"
// (compared lowercased) and "the lowered JSON body contains these tokens".
// The catalog is closed and precedence-ordered: when a payload matches
// multiple rules the earliest wins, and several predicates deliberately
// overlap (Message before Receipt, Presence before ChatPresence). The order
// is part of the system contract; reordering is a breaking change.

// ShapeRule is one catalog entry.
type ShapeRule struct {
	Kind   string
	Keys   []string
	Tokens []string
}

// ShapeCatalog is the pinned rule order.
var ShapeCatalog = []ShapeRule{
	{Kind: "QR", Keys: []string{"codes"}},
	{Kind: "PairSuccess", Keys: []string{"id", "businessname", "platform"}},
	{Kind: "LoggedOut", Keys: []string{"onconnect", "reason"}},
	{Kind: "Connected", Keys: []string{"connected"}},
	{Kind: "KeepAliveTimeout", Keys: []string{"errorcount", "lastsuccess"}},
	{Kind: "Message", Keys: []string{"info", "message"}},
	{Kind: "Receipt", Keys: []string{"messageids"}},
	{Kind: "Presence", Keys: []string{"from", "unavailable"}},
	{Kind: "ChatPresence", Keys: []string{"chat", "state"}},
	{Kind: "Picture", Keys: []string{"jid", "author"}},
	{Kind: "MediaRetry", Keys: []string{"ciphertext", "iv"}},
	{Kind: "HistorySync", Keys: []string{"data"}, Tokens: []string{"synctype"}},
	{Kind: "Blocklist", Keys: []string{"action", "dhash"}},
	{Kind: "NewsletterJoin", Keys: []string{"newsletter"}, Tokens: []string{"join"}},
	{Kind: "NewsletterLeave", Keys: []string{"newsletter"}, Tokens: []string{"leave"}},
	{Kind: "NewsletterMuteChange", Keys: []string{"newsletter"}, Tokens: []string{"mute"}},
}

func classifyCatalog(root map[string]any, payload any) (string, bool) {
	if root == nil {
		return "", false
	}
	present := make(map[string]bool, len(root))
	for k := range root {
		present[strings.ToLower(k)] = true
	}

	body := ""
	for _, rule := range ShapeCatalog {
		ok := true
		for _, key := range rule.Keys {
			if !present[key] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if len(rule.Tokens) > 0 {
			if body == "" {
				body = loweredBody(payload)
			}
			for _, tok := range rule.Tokens {
				if !strings.Contains(body, tok) {
					ok = false
					break
				}
			}
		}
		if ok {
			return rule.Kind, true
		}
	}
	return "", false
}
