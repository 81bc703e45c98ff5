package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newDefault() *Classifier { return New(Config{}) }

func TestClassifyZAPIMessage(t *testing.T) {
	c := newDefault()
	payload := map[string]any{
		"type":       "ReceivedCallback",
		"instanceId": "abc123",
		"image":      map[string]any{"imageUrl": "https://x/y.jpg"},
	}
	assert.Equal(t, "z_api/received/image", c.Classify(payload, nil))
}

func TestClassifyZAPIHeaderMarker(t *testing.T) {
	c := newDefault()
	payload := map[string]any{"type": "DeliveryCallback", "text": map[string]any{"message": "hi"}}
	headers := map[string]string{"Server": "Z-API"}
	assert.Equal(t, "z_api/delivery/text", c.Classify(payload, headers))
}

func TestClassifyZAPIStatusGroup(t *testing.T) {
	c := newDefault()
	payload := map[string]any{
		"type":       "MessageStatusCallback",
		"instanceId": "abc",
		"status":     "READ",
		"isGroup":    true,
	}
	assert.Equal(t, "z_api/messagestatus/group_read", c.Classify(payload, nil))
}

func TestClassifyMetaCloudMessageSubType(t *testing.T) {
	c := newDefault()
	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"messages":          []any{map[string]any{"type": "image"}},
				},
			}},
		}},
	}
	assert.Equal(t, "whatsapp_business_account/messages_image", c.Classify(payload, nil))
}

func TestClassifyMetaCloudDefaultsToText(t *testing.T) {
	c := newDefault()
	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{"messaging_product": "whatsapp"},
			}},
		}},
	}
	assert.Equal(t, "whatsapp_business_account/messages_text", c.Classify(payload, nil))
}

func TestClassifyDirectTag(t *testing.T) {
	c := newDefault()
	assert.Equal(t, "Ping", c.Classify(map[string]any{"eventType": "Ping", "ts": 1.0}, nil))
	assert.Equal(t, "OrderPaid",
		c.Classify(map[string]any{"body": map[string]any{"eventType": "order-paid"}}, nil))
	assert.Equal(t, "Refund",
		c.Classify(map[string]any{"body": map[string]any{"data": map[string]any{"type": "refund"}}}, nil))
}

func TestClassifyCatalogOrder(t *testing.T) {
	c := newDefault()
	assert.Equal(t, "QR", c.Classify(map[string]any{"Codes": []any{"a"}}, nil))
	assert.Equal(t, "Message",
		c.Classify(map[string]any{"Info": map[string]any{}, "Message": map[string]any{}}, nil))

	// Overlapping predicates: the earlier rule wins.
	payload := map[string]any{
		"Info":       map[string]any{},
		"Message":    map[string]any{},
		"MessageIDs": []any{"m1"},
	}
	assert.Equal(t, "Message", c.Classify(payload, nil))
}

func TestClassifyCatalogTokens(t *testing.T) {
	c := newDefault()
	payload := map[string]any{"Data": map[string]any{"syncType": "FULL"}}
	assert.Equal(t, "HistorySync", c.Classify(payload, nil))

	join := map[string]any{"Newsletter": map[string]any{"event": "join"}}
	assert.Equal(t, "NewsletterJoin", c.Classify(join, nil))
}

func TestClassifyKeywordFallback(t *testing.T) {
	c := newDefault()
	payload := map[string]any{"weird": map[string]any{"latitude": 1.0, "longitude": 2.0}}
	assert.Equal(t, "Location", c.Classify(payload, nil))
}

func TestClassifyProviderFallback(t *testing.T) {
	c := newDefault()
	payload := map[string]any{"something": map[string]any{"message_text": "hi"}}
	headers := map[string]string{"User-Agent": "Twilio-Webhooks/1.1"}
	assert.Equal(t, "twilio/message", c.Classify(payload, headers))

	headers = map[string]string{"X-Provider": "Acme Corp"}
	assert.Equal(t, "acme_corp/message", c.Classify(payload, headers))
}

func TestClassifyUnknown(t *testing.T) {
	c := newDefault()
	assert.Equal(t, KindUnknown, c.Classify(map[string]any{"zzz": 1.0}, nil))
	assert.Equal(t, KindUnknown, c.Classify(nil, nil))
}

func TestSanitizeKind(t *testing.T) {
	assert.Equal(t, "z_api/received/image", SanitizeKind("z_api/received/image"))
	assert.Equal(t, "a_b/c_d", SanitizeKind("a b/c.d"))
	assert.Equal(t, "x", SanitizeKind("//x//"))
	assert.Equal(t, "unknown", SanitizeKind("///"))
	assert.Equal(t, "unknown", SanitizeKind(""))
}

func TestPascalIdentifier(t *testing.T) {
	assert.Equal(t, "OrderPaid", PascalIdentifier("order-paid"))
	assert.Equal(t, "MessagesImage", PascalIdentifier("messages_image"))
	assert.Equal(t, "ABC", PascalIdentifier("a b c"))
	assert.Equal(t, "", PascalIdentifier("!!!"))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 14, Priority(map[string]any{"type": "payment"}))
	assert.Equal(t, 10, Priority(map[string]any{"type": "ReceivedCallback"}))
	assert.Equal(t, 3, Priority(map[string]any{"event": "presence"}))
	assert.Equal(t, DefaultPriority, Priority(map[string]any{"zzz": 1.0}))
	assert.Equal(t, DefaultPriority, Priority(nil))

	// Keyword fallback when the type field is unknown.
	assert.Equal(t, 10, Priority(map[string]any{"payload": map[string]any{"message_id": "m"}}))
}

func TestPriorityWithinBounds(t *testing.T) {
	for name := range typePriorities {
		p := Priority(map[string]any{"type": name})
		assert.GreaterOrEqual(t, p, MinPriority)
		assert.LessOrEqual(t, p, MaxPriority)
	}
}
