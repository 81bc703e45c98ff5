package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlens/schemascope/internal/eventlog"
	"github.com/fieldlens/schemascope/internal/queue"
	"github.com/fieldlens/schemascope/internal/store"
	"github.com/fieldlens/schemascope/pkg/classify"
	"github.com/fieldlens/schemascope/pkg/generate"
	"github.com/fieldlens/schemascope/pkg/hashing"
	"github.com/fieldlens/schemascope/pkg/telemetry"
	"github.com/fieldlens/schemascope/pkg/truncate"
	"github.com/fieldlens/schemascope/pkg/typetree"
)

// Worker (v0)
//
// ProcessPayload is the single entry point between "a payload has been
// accepted" and "the persistent record for its kind is consistent with it":
// truncate, classify (on the original), analyze (on the redacted copy),
// then merge into the prior tree under the per-kind lock, regenerate
// artifacts only when the structure actually changed, and append the event
// row. Failures after decode surface as errors for the queue to retry;
// a malformed payload that leaked past ingress is permanent.

// ErrMalformed marks payloads that cannot enter the pipeline; the queue
// must not retry them.
var ErrMalformed = errors.New("worker: malformed payload")

// Publisher receives a notification per processed event. The websocket hub
// implements it; tests use a capture.
type Publisher interface {
	Publish(Processed)
}

// Processed summarizes one completed job for live consumers.
type Processed struct {
	JobID              string    `json:"job_id"`
	Kind               string    `json:"kind"`
	Version            int       `json:"version"`
	NewStructure       bool      `json:"new_structure"`
	RedactedFieldCount int       `json:"redacted_field_count"`
	ProcessedAt        time.Time `json:"processed_at"`
	DurationMs         int64     `json:"duration_ms"`
}

// Options configures a Worker.
type Options struct {
	Store      *store.Store
	Log        *eventlog.Log
	Truncator  *truncate.Truncator
	Classifier *classify.Classifier
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
	Publisher  Publisher

	// MaxMergeExamples caps per-node examples carried through a merge; the
	// persisted tree is re-bounded to the tighter storage cap afterwards.
	// Values above the built-in default are honored.
	MaxMergeExamples int
}

type Worker struct {
	store      *store.Store
	log        *eventlog.Log
	truncator  *truncate.Truncator
	classifier *classify.Classifier
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	publisher  Publisher

	maxMergeExamples int
}

func New(opts Options) (*Worker, error) {
	if opts.Store == nil || opts.Log == nil {
		return nil, errors.New("worker: store and event log required")
	}
	if opts.Truncator == nil {
		opts.Truncator = truncate.New(truncate.Options{})
	}
	if opts.Classifier == nil {
		opts.Classifier = classify.New(classify.Config{})
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMergeExamples <= 0 {
		opts.MaxMergeExamples = typetree.MaxMergeExamples
	}
	return &Worker{
		store:            opts.Store,
		log:              opts.Log,
		truncator:        opts.Truncator,
		classifier:       opts.Classifier,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		publisher:        opts.Publisher,
		maxMergeExamples: opts.MaxMergeExamples,
	}, nil
}

// ProcessPayload runs the full pipeline for one job.
func (w *Worker) ProcessPayload(ctx context.Context, job *queue.Job) error {
	start := time.Now()

	var payload any
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := payload.(map[string]any); !ok {
		return fmt.Errorf("%w: root is not an object", ErrMalformed)
	}

	redacted, report := w.truncator.Apply(payload)
	kind := w.classifier.Classify(payload, job.Headers)
	newTree := typetree.Analyze(redacted, report.ByPath())

	newStructure, version, err := w.persist(ctx, kind, newTree, job.Payload)
	if err != nil {
		return err
	}

	redactedBytes, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("encode redacted payload: %w", err)
	}
	now := time.Now().UTC()
	row := eventlog.EventRow{
		Kind:               kind,
		PayloadFingerprint: hashing.PayloadFingerprint(payload),
		SizeOriginal:       len(job.Payload),
		SizeRedacted:       len(redactedBytes),
		RedactedFieldCount: len(report.Redactions),
		ReceivedAt:         job.EnqueuedAt,
		ProcessedAt:        now,
		DurationMs:         time.Since(start).Milliseconds(),
	}
	if err := w.log.AppendEvent(ctx, row); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	w.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	outcome := "unchanged"
	if newStructure {
		outcome = "updated"
	}
	w.metrics.EventsProcessed.WithLabelValues(outcome).Inc()

	if w.publisher != nil {
		w.publisher.Publish(Processed{
			JobID:              job.ID,
			Kind:               kind,
			Version:            version,
			NewStructure:       newStructure,
			RedactedFieldCount: len(report.Redactions),
			ProcessedAt:        now,
			DurationMs:         row.DurationMs,
		})
	}
	w.logger.Debug("event processed",
		zap.String("job_id", job.ID),
		zap.String("kind", kind),
		zap.Int("version", version),
		zap.Bool("new_structure", newStructure))
	return nil
}

// persist merges the new tree into the prior record under the kind lock and
// writes artifacts when the structure changed. Returns whether the structure
// changed and the resulting version.
func (w *Worker) persist(ctx context.Context, kind string, newTree *typetree.Node, rawPayload []byte) (bool, int, error) {
	lock := w.store.KindLock(kind)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	prior, err := w.store.Load(kind)
	if err != nil {
		return false, 0, fmt.Errorf("load %s: %w", kind, err)
	}

	if prior == nil {
		fp := hashing.StructureFingerprint(newTree)
		rec := &store.Record{
			Kind:                 kind,
			Version:              1,
			StructureFingerprint: fp,
			FirstSeen:            now,
			LastSeen:             now,
			LastModified:         now,
			TotalReceived:        1,
			Fields:               typetree.FieldCensus(newTree),
			SavedTree:            newTree,
		}
		upsertVariation(rec, fp, "initial structure")
		if err := w.saveArtifacts(kind, rec, rawPayload); err != nil {
			return false, 0, err
		}
		w.metrics.SchemaVersionBumps.Inc()
		w.bumpCounters(ctx, rec)
		return true, 1, nil
	}

	incomingFP := hashing.StructureFingerprint(newTree)
	merged := typetree.MergeBounded(prior.SavedTree, newTree, w.maxMergeExamples)
	mergedFP := hashing.StructureFingerprint(merged)

	prior.TotalReceived++
	prior.LastSeen = now

	if mergedFP == prior.StructureFingerprint {
		upsertVariation(prior, incomingFP, "")
		if err := w.store.SaveMetadataOnly(kind, prior); err != nil {
			return false, 0, fmt.Errorf("save metadata %s: %w", kind, err)
		}
		w.bumpCounters(ctx, prior)
		return false, prior.Version, nil
	}

	changes := typetree.Diff(prior.SavedTree, merged)
	prior.Version++
	prior.StructureFingerprint = mergedFP
	prior.LastModified = now
	prior.Fields = typetree.FieldCensus(merged)
	prior.SavedTree = merged
	upsertVariation(prior, incomingFP, fmt.Sprintf("%d structural changes", len(changes)))

	if err := w.saveArtifacts(kind, prior, rawPayload); err != nil {
		return false, 0, err
	}
	w.metrics.SchemaVersionBumps.Inc()
	w.bumpCounters(ctx, prior)
	w.logger.Info("schema version bumped",
		zap.String("kind", kind),
		zap.Int("version", prior.Version),
		zap.Int("changes", len(changes)))
	return true, prior.Version, nil
}

// saveArtifacts generates the validator, interface, and examples sources and
// persists the record. The persisted tree is bounded to the storage example
// cap first. Generator degradation is counted but does not fail the save.
func (w *Worker) saveArtifacts(kind string, rec *store.Record, rawPayload []byte) error {
	typetree.TruncateExamples(rec.SavedTree, typetree.MaxExamples)

	validator, err := generate.Validator(kind, rec.SavedTree)
	if err != nil {
		if !errors.Is(err, generate.ErrDegraded) {
			return fmt.Errorf("generate validator %s: %w", kind, err)
		}
		w.metrics.GeneratorDegraded.Inc()
		w.logger.Warn("validator generation degraded", zap.String("kind", kind))
	}
	iface, err := generate.Interface(kind, rec.SavedTree)
	if err != nil {
		if !errors.Is(err, generate.ErrDegraded) {
			return fmt.Errorf("generate interface %s: %w", kind, err)
		}
		w.metrics.GeneratorDegraded.Inc()
		w.logger.Warn("interface generation degraded", zap.String("kind", kind))
	}
	examples, err := json.MarshalIndent(rec.SavedTree.Examples, "", "  ")
	if err != nil {
		return fmt.Errorf("encode examples %s: %w", kind, err)
	}

	art := store.Artifacts{
		ValidatorSource: validator,
		InterfaceSource: iface,
		ExamplesJSON:    string(examples),
	}
	if err := w.store.Save(kind, rec, art, rawPayload); err != nil {
		return fmt.Errorf("save %s: %w", kind, err)
	}
	return nil
}

// bumpCounters refreshes the denormalized schemas row after a save.
func (w *Worker) bumpCounters(ctx context.Context, rec *store.Record) {
	summary := eventlog.SchemaSummary{
		Kind:          rec.Kind,
		Version:       rec.Version,
		StructureFP:   rec.StructureFingerprint,
		FirstSeen:     rec.FirstSeen.Format(time.RFC3339),
		LastSeen:      rec.LastSeen.Format(time.RFC3339),
		LastModified:  rec.LastModified.Format(time.RFC3339),
		TotalReceived: rec.TotalReceived,
		RequiredCount: len(rec.Fields.Required),
		OptionalCount: len(rec.Fields.Optional),
		RedactedCount: len(rec.Fields.Redacted),
	}
	if err := w.log.BumpCounters(ctx, summary); err != nil {
		w.logger.Warn("bump schema counters", zap.String("kind", rec.Kind), zap.Error(err))
	}
}

// upsertVariation records the structure fingerprint of an incoming payload,
// keeping the set bounded and ordered by count descending.
func upsertVariation(rec *store.Record, fp, description string) {
	for i := range rec.Variations {
		if rec.Variations[i].Fingerprint == fp {
			rec.Variations[i].Count++
			sortVariations(rec)
			return
		}
	}
	rec.Variations = append(rec.Variations, store.Variation{
		Fingerprint: fp,
		Count:       1,
		Description: description,
	})
	sortVariations(rec)
	if len(rec.Variations) > store.MaxVariations {
		rec.Variations = rec.Variations[:store.MaxVariations]
	}
}

func sortVariations(rec *store.Record) {
	sort.SliceStable(rec.Variations, func(i, j int) bool {
		return rec.Variations[i].Count > rec.Variations[j].Count
	})
}
