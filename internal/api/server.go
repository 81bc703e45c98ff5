package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldlens/schemascope/internal/eventlog"
	"github.com/fieldlens/schemascope/internal/queue"
	"github.com/fieldlens/schemascope/internal/store"
	"github.com/fieldlens/schemascope/pkg/classify"
	"github.com/fieldlens/schemascope/pkg/telemetry"
)

// HTTP surface (v0)
//
// Thin ingress and read-side. POST /webhooks only decodes, assigns a job id
// and priority, and enqueues; everything else happens in the worker pool.
// Read endpoints serve the filesystem store and the relational event log.

// Options configures a Server.
type Options struct {
	Queue   *queue.Queue
	Store   *store.Store
	Log     *eventlog.Log
	Hub     *Hub
	Metrics *telemetry.Metrics
	Logger  *zap.Logger

	MaxBodyBytes      int64
	BackpressureDepth int
}

type Server struct {
	queue   *queue.Queue
	store   *store.Store
	log     *eventlog.Log
	hub     *Hub
	metrics *telemetry.Metrics
	logger  *zap.Logger

	maxBodyBytes      int64
	backpressureDepth int

	upgrader websocket.Upgrader
	router   *mux.Router
}

func New(opts Options) (*Server, error) {
	if opts.Queue == nil || opts.Store == nil || opts.Log == nil {
		return nil, errors.New("api: queue, store, and event log required")
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	if opts.BackpressureDepth <= 0 {
		opts.BackpressureDepth = 10000
	}
	s := &Server{
		queue:             opts.Queue,
		store:             opts.Store,
		log:               opts.Log,
		hub:               opts.Hub,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		maxBodyBytes:      opts.MaxBodyBytes,
		backpressureDepth: opts.BackpressureDepth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhooks", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/schemas", s.handleListSchemas).Methods(http.MethodGet)
	r.HandleFunc("/schemas/{kind:.+}", s.handleGetSchema).Methods(http.MethodGet)
	r.HandleFunc("/events/recent", s.handleRecentEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/timeline", s.handleTimeline).Methods(http.MethodGet)
	r.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.queue.Depth() >= s.backpressureDepth {
		writeError(w, http.StatusServiceUnavailable, "queue saturated")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var payload any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, ok := payload.(map[string]any); !ok {
		writeError(w, http.StatusBadRequest, "payload root must be an object")
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// X-Event-Id makes retried deliveries idempotent; otherwise mint one.
	id := strings.TrimSpace(r.Header.Get("X-Event-Id"))
	if id == "" {
		id = uuid.NewString()
	}

	job := &queue.Job{
		ID:         id,
		Headers:    flattenHeaders(r),
		Payload:    raw,
		Priority:   classify.Priority(payload),
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(job); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.logger.Error("enqueue", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.metrics.EventsAccepted.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   id,
		"priority": job.Priority,
	})
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	kinds, err := s.store.ListKinds()
	if err != nil {
		s.logger.Error("list kinds", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kinds": kinds, "count": len(kinds)})
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	rec, err := s.store.Load(kind)
	if err != nil {
		s.logger.Error("load schema", zap.String("kind", kind), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "unknown kind")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	kind := r.URL.Query().Get("kind")
	events, err := s.log.GetRecentEvents(r.Context(), limit, kind)
	if err != nil {
		s.logger.Error("recent events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []eventlog.EventRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.log.GetAggregates(r.Context())
	if err != nil {
		s.logger.Error("aggregates", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	counters, err := s.store.GetCounters()
	if err != nil {
		s.logger.Error("store counters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":      agg,
		"queue_depth": s.queue.Depth(),
		"store":       counters,
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	kind := r.URL.Query().Get("kind")
	buckets, err := s.log.GetHourlyTimeline(r.Context(), hours, kind)
	if err != nil {
		s.logger.Error("timeline", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if buckets == nil {
		buckets = []eventlog.TimelineBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": buckets})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "live feed disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.add(conn)
}

// flattenHeaders keeps the first value per header, lower-level lookup being
// case-insensitive in the classifier.
func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
