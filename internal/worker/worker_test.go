package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlens/schemascope/internal/eventlog"
	"github.com/fieldlens/schemascope/internal/queue"
	"github.com/fieldlens/schemascope/internal/store"
	"github.com/fieldlens/schemascope/pkg/jsonkind"
)

type capturePublisher struct {
	events []Processed
}

func (c *capturePublisher) Publish(ev Processed) { c.events = append(c.events, ev) }

type testEnv struct {
	worker  *Worker
	store   *store.Store
	log     *eventlog.Log
	dataDir string
	pub     *capturePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.New(dataDir, store.Options{})
	require.NoError(t, err)
	l, err := eventlog.Open("sqlite3", filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	pub := &capturePublisher{}
	w, err := New(Options{Store: st, Log: l, Publisher: pub})
	require.NoError(t, err)
	return &testEnv{worker: w, store: st, log: l, dataDir: dataDir, pub: pub}
}

func (e *testEnv) submit(t *testing.T, id string, payload string, headers map[string]string) error {
	t.Helper()
	return e.worker.ProcessPayload(context.Background(), &queue.Job{
		ID:         id,
		Headers:    headers,
		Payload:    json.RawMessage(payload),
		EnqueuedAt: time.Now().UTC(),
	})
}

func TestNewKind(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.submit(t, "j1", `{"eventType":"Ping","ts":1}`, nil))

	rec, err := env.store.Load("Ping")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Version)
	assert.EqualValues(t, 1, rec.TotalReceived)
	assert.ElementsMatch(t, []string{"eventType", "ts"}, rec.Fields.Required)
	assert.Empty(t, rec.Fields.Optional)
	require.Len(t, rec.SavedTree.Examples, 1)

	events, err := env.log.GetRecentEvents(context.Background(), 10, "Ping")
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.Len(t, env.pub.events, 1)
	assert.Equal(t, "Ping", env.pub.events[0].Kind)
	assert.True(t, env.pub.events[0].NewStructure)
}

func TestIdempotentRepeat(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"eventType":"Ping","ts":1}`
	require.NoError(t, env.submit(t, "j1", payload, nil))

	validatorPath := filepath.Join(env.dataDir, "Ping", store.ValidatorFile)
	first, err := os.Stat(validatorPath)
	require.NoError(t, err)

	require.NoError(t, env.submit(t, "j2", payload, nil))
	require.NoError(t, env.submit(t, "j3", payload, nil))

	rec, err := env.store.Load("Ping")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.EqualValues(t, 3, rec.TotalReceived)

	after, err := os.Stat(validatorPath)
	require.NoError(t, err)
	assert.Equal(t, first.ModTime(), after.ModTime())
}

func TestOptionalFieldDiscovery(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.submit(t, "j1", `{"eventType":"Ping","ts":1}`, nil))
	require.NoError(t, env.submit(t, "j2", `{"eventType":"Ping","ts":2}`, nil))
	require.NoError(t, env.submit(t, "j3", `{"eventType":"Ping"}`, nil))

	rec, err := env.store.Load("Ping")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.Equal(t, []string{"eventType"}, rec.Fields.Required)
	assert.Equal(t, []string{"ts"}, rec.Fields.Optional)
	assert.EqualValues(t, 3, rec.TotalReceived)
	assert.GreaterOrEqual(t, len(rec.SavedTree.Examples), 2)
}

func TestRedactionEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	blob := strings.Repeat("QUJD", 5000) // 20000 base64-looking chars
	raw, err := json.Marshal(map[string]any{"eventType": "Picture", "image": blob})
	require.NoError(t, err)
	require.NoError(t, env.submit(t, "j1", string(raw), nil))

	rec, err := env.store.Load("Picture")
	require.NoError(t, err)
	require.NotNil(t, rec)

	img := rec.SavedTree.Children["image"]
	require.NotNil(t, img)
	assert.True(t, img.Redacted)
	assert.Equal(t, "base64", img.RedactedOriginalKind)
	assert.Equal(t, []string{"image"}, rec.Fields.Redacted)

	examples, err := os.ReadFile(filepath.Join(env.dataDir, "Picture", store.ExamplesFile))
	require.NoError(t, err)
	var exs []map[string]any
	require.NoError(t, json.Unmarshal(examples, &exs))
	require.Len(t, exs, 1)
	assert.True(t, strings.HasSuffix(exs[0]["image"].(string), "...[TRUNCATED]"))

	sampleDir := filepath.Join(env.dataDir, "Picture", store.RawSamplesDir)
	entries, err := os.ReadDir(sampleDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	sample, err := os.ReadFile(filepath.Join(sampleDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(sample), blob)
}

func TestHierarchicalKind(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"messaging_product":"whatsapp","messages":[{"type":"image"}]}}]}]}`
	require.NoError(t, env.submit(t, "j1", payload, nil))

	kind := "whatsapp_business_account/messages_image"
	rec, err := env.store.Load(kind)
	require.NoError(t, err)
	require.NotNil(t, rec)

	ifacePath := filepath.Join(env.dataDir,
		"whatsapp_business_account", "messages_image", store.InterfaceFile)
	src, err := os.ReadFile(ifacePath)
	require.NoError(t, err)
	assert.Contains(t, string(src), "type WhatsappBusinessAccountMessagesImage ")
}

func TestUnionFormation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.submit(t, "j1", `{"eventType":"X","v":1}`, nil))
	require.NoError(t, env.submit(t, "j2", `{"eventType":"X","v":"one"}`, nil))

	rec, err := env.store.Load("X")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	v := rec.SavedTree.Children["v"]
	require.NotNil(t, v)
	assert.Equal(t, jsonkind.Union, v.Kind)
	assert.Contains(t, v.Children, "number")
	assert.Contains(t, v.Children, "string")
}

func TestVersionMonotoneAndVariations(t *testing.T) {
	env := newTestEnv(t)
	payloads := []string{
		`{"eventType":"X","v":1}`,
		`{"eventType":"X","v":"one"}`,
		`{"eventType":"X","v":1}`,
		`{"eventType":"X","v":true,"w":null}`,
	}
	last := 0
	for i, p := range payloads {
		require.NoError(t, env.submit(t, "j"+string(rune('a'+i)), p, nil))
		rec, err := env.store.Load("X")
		require.NoError(t, err)
		require.GreaterOrEqual(t, rec.Version, last)
		last = rec.Version
	}

	rec, err := env.store.Load("X")
	require.NoError(t, err)
	assert.EqualValues(t, 4, rec.TotalReceived)
	assert.NotEmpty(t, rec.Variations)
	for i := 1; i < len(rec.Variations); i++ {
		assert.GreaterOrEqual(t, rec.Variations[i-1].Count, rec.Variations[i].Count)
	}
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	err := env.submit(t, "j1", `not json`, nil)
	assert.ErrorIs(t, err, ErrMalformed)

	err = env.submit(t, "j2", `[1,2,3]`, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSchemasCounterCache(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.submit(t, "j1", `{"eventType":"Ping","ts":1}`, nil))
	require.NoError(t, env.submit(t, "j2", `{"eventType":"Ping","ts":2}`, nil))

	events, err := env.log.GetRecentEvents(context.Background(), 10, "Ping")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	agg, err := env.log.GetAggregates(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, agg.TotalEvents)
	assert.EqualValues(t, 1, agg.UniqueKinds)
}
