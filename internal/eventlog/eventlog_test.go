package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open("sqlite3", filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func row(kind string, processedAt time.Time) EventRow {
	return EventRow{
		Kind:               kind,
		PayloadFingerprint: "fp",
		SizeOriginal:       100,
		SizeRedacted:       80,
		RedactedFieldCount: 1,
		ReceivedAt:         processedAt.Add(-time.Second),
		ProcessedAt:        processedAt,
		DurationMs:         12,
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestAppendAndRecentEvents(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.AppendEvent(ctx, row("Ping", now.Add(-2*time.Minute))))
	require.NoError(t, l.AppendEvent(ctx, row("Pong", now.Add(-time.Minute))))
	require.NoError(t, l.AppendEvent(ctx, row("Ping", now)))

	events, err := l.GetRecentEvents(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "Ping", events[0].Kind) // newest first
	assert.Equal(t, int64(12), events[0].DurationMs)
	assert.Equal(t, 1, events[0].RedactedFieldCount)
	assert.WithinDuration(t, now, events[0].ProcessedAt, time.Second)

	onlyPing, err := l.GetRecentEvents(ctx, 10, "Ping")
	require.NoError(t, err)
	assert.Len(t, onlyPing, 2)

	limited, err := l.GetRecentEvents(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAggregates(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.AppendEvent(ctx, row("Ping", now.Add(-30*time.Minute))))
	require.NoError(t, l.AppendEvent(ctx, row("Pong", now.Add(-2*time.Hour))))
	require.NoError(t, l.AppendEvent(ctx, row("Ping", now.Add(-48*time.Hour))))

	agg, err := l.GetAggregates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, agg.TotalEvents)
	assert.EqualValues(t, 2, agg.UniqueKinds)
	assert.EqualValues(t, 1, agg.EventsLast1h)
	assert.EqualValues(t, 2, agg.EventsLast24h)
	assert.InDelta(t, 12.0, agg.AvgProcessingDurationMs, 0.01)
}

func TestAggregatesEmpty(t *testing.T) {
	l := openTestLog(t)
	agg, err := l.GetAggregates(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, agg.TotalEvents)
	assert.EqualValues(t, 0, agg.AvgProcessingDurationMs)
}

func TestBumpCountersUpsert(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	s := SchemaSummary{
		Kind: "Ping", Version: 1, StructureFP: "aaa",
		FirstSeen: "2026-01-01T00:00:00Z", LastSeen: "2026-01-01T00:00:00Z",
		LastModified: "2026-01-01T00:00:00Z", TotalReceived: 1,
		RequiredCount: 2,
	}
	require.NoError(t, l.BumpCounters(ctx, s))

	s.Version = 2
	s.TotalReceived = 5
	s.StructureFP = "bbb"
	require.NoError(t, l.BumpCounters(ctx, s))

	var version, total int
	var fp string
	err := l.db.QueryRow(
		`SELECT version, total_received, structure_fp FROM schemas WHERE kind = 'Ping'`).
		Scan(&version, &total, &fp)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 5, total)
	assert.Equal(t, "bbb", fp)

	var count int
	require.NoError(t, l.db.QueryRow(`SELECT COUNT(*) FROM schemas`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestHourlyTimeline(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.AppendEvent(ctx, row("Ping", now)))
	require.NoError(t, l.AppendEvent(ctx, row("Ping", now)))
	require.NoError(t, l.AppendEvent(ctx, row("Pong", now.Add(-3*time.Hour))))

	buckets, err := l.GetHourlyTimeline(ctx, 6, "")
	require.NoError(t, err)
	require.NotEmpty(t, buckets)

	var total int64
	for _, b := range buckets {
		assert.Len(t, b.Hour, 13) // "2006-01-02T15"
		total += b.Count
	}
	assert.EqualValues(t, 3, total)

	onlyPing, err := l.GetHourlyTimeline(ctx, 6, "Ping")
	require.NoError(t, err)
	require.Len(t, onlyPing, 1)
	assert.EqualValues(t, 2, onlyPing[0].Count)
}

func TestRebind(t *testing.T) {
	l := &Log{driver: "postgres"}
	assert.Equal(t, "SELECT $1, $2", l.rebind("SELECT ?, ?"))
	l.driver = "sqlite3"
	assert.Equal(t, "SELECT ?, ?", l.rebind("SELECT ?, ?"))
}
