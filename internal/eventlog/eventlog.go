package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Event log (v0)
//
// Relational side of the pipeline: an append-only events table plus a
// denormalized per-kind schemas cache. The filesystem store remains the
// source of truth; this layer only serves telemetry and the read-side API.
//
// Two drivers are supported through database/sql: sqlite3 (default,
// registered by the app via a blank import of mattn/go-sqlite3) and
// postgres (lib/pq). Queries are written with ? placeholders and rebound
// for postgres. Timestamps are stored as fixed-width RFC3339 UTC text so
// lexicographic comparison and hour-prefix grouping work on both drivers.

const timeFormat = "2006-01-02T15:04:05.000Z"

var ErrUnsupportedDriver = errors.New("eventlog: unsupported driver")

// EventRow is one processed event.
type EventRow struct {
	ID                 int64     `json:"id,omitempty"`
	Kind               string    `json:"kind"`
	PayloadFingerprint string    `json:"payload_fp"`
	SizeOriginal       int       `json:"size_original"`
	SizeRedacted       int       `json:"size_redacted"`
	RedactedFieldCount int       `json:"redacted_field_count"`
	ReceivedAt         time.Time `json:"received_at"`
	ProcessedAt        time.Time `json:"processed_at"`
	DurationMs         int64     `json:"processing_duration_ms"`
}

// SchemaSummary mirrors the schemas cache row.
type SchemaSummary struct {
	Kind          string `json:"kind"`
	Version       int    `json:"version"`
	StructureFP   string `json:"structure_fp"`
	FirstSeen     string `json:"first_seen"`
	LastSeen      string `json:"last_seen"`
	LastModified  string `json:"last_modified"`
	TotalReceived int64  `json:"total_received"`
	RequiredCount int    `json:"required_count"`
	OptionalCount int    `json:"optional_count"`
	RedactedCount int    `json:"redacted_count"`
}

// Aggregates feeds the read-side stats endpoint.
type Aggregates struct {
	TotalEvents             int64   `json:"total_events"`
	UniqueKinds             int64   `json:"unique_kinds"`
	EventsLast1h            int64   `json:"events_last_1h"`
	EventsLast24h           int64   `json:"events_last_24h"`
	AvgProcessingDurationMs float64 `json:"avg_processing_duration_ms"`
}

// TimelineBucket is one hour of processed events.
type TimelineBucket struct {
	Hour  string `json:"hour"` // "2006-01-02T15"
	Count int64  `json:"count"`
}

type Log struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// Open connects, applies driver pragmas, and ensures the schema.
func Open(driver, dsn string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// Single writer is sufficient for the expected throughput.
		db.SetMaxOpenConns(1)
	}
	l := &Log{db: db, driver: driver, logger: logger}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) initSchema() error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if l.driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id ` + pk + `,
			kind TEXT NOT NULL,
			payload_fp TEXT NOT NULL,
			size_original INTEGER NOT NULL,
			size_redacted INTEGER NOT NULL,
			redacted_flag INTEGER NOT NULL,
			redacted_field_count INTEGER NOT NULL,
			received_at TEXT NOT NULL,
			processed_at TEXT NOT NULL,
			processing_duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_events_processed_at ON events(processed_at)`,
		`CREATE TABLE IF NOT EXISTS schemas (
			id ` + pk + `,
			kind TEXT NOT NULL UNIQUE,
			version INTEGER NOT NULL,
			structure_fp TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			last_modified TEXT NOT NULL,
			total_received INTEGER NOT NULL,
			required_count INTEGER NOT NULL,
			optional_count INTEGER NOT NULL,
			redacted_count INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := l.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (l *Log) rebind(query string) string {
	if l.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AppendEvent writes one processed-event row.
func (l *Log) AppendEvent(ctx context.Context, row EventRow) error {
	redactedFlag := 0
	if row.RedactedFieldCount > 0 {
		redactedFlag = 1
	}
	_, err := l.db.ExecContext(ctx, l.rebind(
		`INSERT INTO events
		 (kind, payload_fp, size_original, size_redacted, redacted_flag,
		  redacted_field_count, received_at, processed_at, processing_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.Kind, row.PayloadFingerprint, row.SizeOriginal, row.SizeRedacted,
		redactedFlag, row.RedactedFieldCount,
		row.ReceivedAt.UTC().Format(timeFormat),
		row.ProcessedAt.UTC().Format(timeFormat),
		row.DurationMs)
	return err
}

// BumpCounters upserts the denormalized schemas cache for a kind.
func (l *Log) BumpCounters(ctx context.Context, s SchemaSummary) error {
	_, err := l.db.ExecContext(ctx, l.rebind(
		`INSERT INTO schemas
		 (kind, version, structure_fp, first_seen, last_seen, last_modified,
		  total_received, required_count, optional_count, redacted_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (kind) DO UPDATE SET
		   version = excluded.version,
		   structure_fp = excluded.structure_fp,
		   last_seen = excluded.last_seen,
		   last_modified = excluded.last_modified,
		   total_received = excluded.total_received,
		   required_count = excluded.required_count,
		   optional_count = excluded.optional_count,
		   redacted_count = excluded.redacted_count`),
		s.Kind, s.Version, s.StructureFP, s.FirstSeen, s.LastSeen,
		s.LastModified, s.TotalReceived, s.RequiredCount, s.OptionalCount,
		s.RedactedCount)
	return err
}

// GetAggregates computes the telemetry summary.
func (l *Log) GetAggregates(ctx context.Context) (Aggregates, error) {
	var agg Aggregates
	now := time.Now().UTC()
	cut1h := now.Add(-time.Hour).Format(timeFormat)
	cut24h := now.Add(-24 * time.Hour).Format(timeFormat)

	row := l.db.QueryRowContext(ctx, l.rebind(
		`SELECT COUNT(*),
		        COUNT(DISTINCT kind),
		        COALESCE(AVG(processing_duration_ms), 0)
		 FROM events`))
	if err := row.Scan(&agg.TotalEvents, &agg.UniqueKinds, &agg.AvgProcessingDurationMs); err != nil {
		return Aggregates{}, err
	}
	row = l.db.QueryRowContext(ctx, l.rebind(
		`SELECT COUNT(*) FROM events WHERE processed_at >= ?`), cut1h)
	if err := row.Scan(&agg.EventsLast1h); err != nil {
		return Aggregates{}, err
	}
	row = l.db.QueryRowContext(ctx, l.rebind(
		`SELECT COUNT(*) FROM events WHERE processed_at >= ?`), cut24h)
	if err := row.Scan(&agg.EventsLast24h); err != nil {
		return Aggregates{}, err
	}
	return agg, nil
}

// GetRecentEvents returns the newest rows, optionally filtered by kind.
func (l *Log) GetRecentEvents(ctx context.Context, limit int, kind string) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, kind, payload_fp, size_original, size_redacted,
	                 redacted_field_count, received_at, processed_at,
	                 processing_duration_ms
	          FROM events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var received, processed string
		if err := rows.Scan(&r.ID, &r.Kind, &r.PayloadFingerprint, &r.SizeOriginal,
			&r.SizeRedacted, &r.RedactedFieldCount, &received, &processed,
			&r.DurationMs); err != nil {
			return nil, err
		}
		r.ReceivedAt, _ = time.Parse(timeFormat, received)
		r.ProcessedAt, _ = time.Parse(timeFormat, processed)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetHourlyTimeline buckets processed events by hour using the fixed-width
// timestamp prefix, which is portable across both drivers.
func (l *Log) GetHourlyTimeline(ctx context.Context, hours int, kind string) ([]TimelineBucket, error) {
	if hours <= 0 || hours > 24*30 {
		hours = 24
	}
	cut := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(timeFormat)

	query := `SELECT substr(processed_at, 1, 13) AS hour, COUNT(*)
	          FROM events
	          WHERE processed_at >= ?`
	args := []any{cut}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` GROUP BY hour ORDER BY hour`

	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
