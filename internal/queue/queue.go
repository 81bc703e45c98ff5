package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job queue (v0)
//
// A durable process-local priority queue. Every job lives as one JSON file
// under dir/jobs (or dir/failed after exhaustion), so enqueued and in-flight
// work survives a restart: anything not acknowledged is reloaded as waiting.
//
// Semantics:
// - Higher priority dequeues first; FIFO within a priority band.
// - Nack re-delivers after exponential backoff until MaxAttempts, then the
//   job moves to the failed holding set, retained for inspection.
// - Enqueue is idempotent on job ID.
// - At-least-once: a crash between processing and Ack re-delivers.

var (
	ErrClosed  = errors.New("queue: closed")
	ErrInvalid = errors.New("queue: invalid job")
)

const (
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = 2 * time.Second

	jobsDir   = "jobs"
	failedDir = "failed"
)

// Job is the unit of work: a raw payload plus the request headers it
// arrived with.
type Job struct {
	ID         string            `json:"id"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
	Priority   int               `json:"priority"`
	EnqueuedAt time.Time         `json:"enqueued_at"`

	Attempts  int       `json:"attempts,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats exposes queue depths for telemetry.
type Stats struct {
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Delayed   int    `json:"delayed"`
	Completed uint64 `json:"completed"`
	Failed    int    `json:"failed"`
}

// Options configures a Queue.
type Options struct {
	Dir          string
	MaxAttempts  int
	BackoffDelay time.Duration
	Logger       *zap.Logger
}

type Queue struct {
	dir          string
	maxAttempts  int
	backoffDelay time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool

	seq     uint64
	waiting jobHeap
	delayed map[string]*Job
	active  map[string]*Job
	failed  map[string]*Job
	seen    map[string]bool

	completed uint64
}

type heapItem struct {
	job *Job
	seq uint64
}

type jobHeap []heapItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Open loads any journaled jobs from dir and returns a ready queue.
func Open(opts Options) (*Queue, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("%w: dir required", ErrInvalid)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffDelay <= 0 {
		opts.BackoffDelay = DefaultBackoffDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	for _, d := range []string{jobsDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, d), 0o755); err != nil {
			return nil, err
		}
	}
	q := &Queue{
		dir:          opts.Dir,
		maxAttempts:  opts.MaxAttempts,
		backoffDelay: opts.BackoffDelay,
		logger:       opts.Logger,
		delayed:      map[string]*Job{},
		active:       map[string]*Job{},
		failed:       map[string]*Job{},
		seen:         map[string]bool{},
	}
	q.cond = sync.NewCond(&q.mu)
	if err := q.recover(); err != nil {
		return nil, err
	}
	go q.promoteLoop()
	return q, nil
}

// recover reloads journaled jobs. In-flight jobs from a previous run were
// never acknowledged, so they come back as waiting.
func (q *Queue) recover() error {
	load := func(sub string) ([]*Job, error) {
		entries, err := os.ReadDir(filepath.Join(q.dir, sub))
		if err != nil {
			return nil, err
		}
		var jobs []*Job
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(q.dir, sub, e.Name()))
			if err != nil {
				q.logger.Warn("queue recover read", zap.String("file", e.Name()), zap.Error(err))
				continue
			}
			var j Job
			if err := json.Unmarshal(raw, &j); err != nil {
				q.logger.Warn("queue recover decode", zap.String("file", e.Name()), zap.Error(err))
				continue
			}
			jobs = append(jobs, &j)
		}
		return jobs, nil
	}

	pending, err := load(jobsDir)
	if err != nil {
		return err
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})
	for _, j := range pending {
		q.seen[j.ID] = true
		if !j.NotBefore.IsZero() && j.NotBefore.After(time.Now()) {
			q.delayed[j.ID] = j
			continue
		}
		q.seq++
		heap.Push(&q.waiting, heapItem{job: j, seq: q.seq})
	}

	dead, err := load(failedDir)
	if err != nil {
		return err
	}
	for _, j := range dead {
		q.seen[j.ID] = true
		q.failed[j.ID] = j
	}
	return nil
}

// promoteLoop periodically moves due delayed jobs into the waiting band.
func (q *Queue) promoteLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		promoted := false
		for id, j := range q.delayed {
			if j.NotBefore.After(now) {
				continue
			}
			delete(q.delayed, id)
			q.seq++
			heap.Push(&q.waiting, heapItem{job: j, seq: q.seq})
			promoted = true
		}
		if promoted {
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	}
}

// Enqueue journals and admits a job. Re-enqueueing an already-seen ID is a
// no-op.
func (q *Queue) Enqueue(job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" || len(job.Payload) == 0 {
		return ErrInvalid
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.seen[job.ID] {
		return nil
	}
	if err := q.persist(job, jobsDir); err != nil {
		return err
	}
	q.seen[job.ID] = true
	q.seq++
	heap.Push(&q.waiting, heapItem{job: job, seq: q.seq})
	q.cond.Broadcast()
	return nil
}

// Dequeue blocks until a job is available or ctx is done. The returned job
// is active until Ack or Nack.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed {
			return nil, ErrClosed
		}
		if q.waiting.Len() > 0 {
			it := heap.Pop(&q.waiting).(heapItem)
			q.active[it.job.ID] = it.job
			return it.job, nil
		}
		q.cond.Wait()
	}
}

// Ack removes a completed job from the journal.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[id]; !ok {
		return fmt.Errorf("%w: %s not active", ErrInvalid, id)
	}
	delete(q.active, id)
	q.completed++
	return os.Remove(q.jobPath(jobsDir, id))
}

// Nack records a failure. The job is re-delivered after exponential backoff
// until MaxAttempts, then moved to the failed holding set.
func (q *Queue) Nack(id string, cause error) error {
	return q.nack(id, cause, false)
}

// NackPermanent moves the job straight to the failed set without retrying.
func (q *Queue) NackPermanent(id string, cause error) error {
	return q.nack(id, cause, true)
}

func (q *Queue) nack(id string, cause error, permanent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.active[id]
	if !ok {
		return fmt.Errorf("%w: %s not active", ErrInvalid, id)
	}
	delete(q.active, id)
	j.Attempts++
	if cause != nil {
		j.LastError = cause.Error()
	}
	if permanent || j.Attempts >= q.maxAttempts {
		if err := q.persist(j, failedDir); err != nil {
			return err
		}
		_ = os.Remove(q.jobPath(jobsDir, id))
		q.failed[id] = j
		q.logger.Warn("job dead-lettered",
			zap.String("job_id", id),
			zap.Int("attempts", j.Attempts),
			zap.String("last_error", j.LastError))
		return nil
	}
	delay := q.backoffDelay << (j.Attempts - 1)
	j.NotBefore = time.Now().Add(delay)
	if err := q.persist(j, jobsDir); err != nil {
		return err
	}
	q.delayed[id] = j
	return nil
}

// Stats returns current depths.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   q.waiting.Len(),
		Active:    len(q.active),
		Delayed:   len(q.delayed),
		Completed: q.completed,
		Failed:    len(q.failed),
	}
}

// Depth is the number of jobs not yet completed or failed.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len() + len(q.active) + len(q.delayed)
}

// Close stops admission and wakes blocked consumers. Journaled jobs remain
// on disk for the next run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *Queue) persist(j *Job, sub string) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	path := q.jobPath(sub, j.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (q *Queue) jobPath(sub, id string) string {
	return filepath.Join(q.dir, sub, sanitizeID(id)+".json")
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
		if ok {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
