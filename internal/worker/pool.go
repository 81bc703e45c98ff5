package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldlens/schemascope/internal/queue"
	"github.com/fieldlens/schemascope/pkg/telemetry"
)

// Pool runs N workers over the queue. Drain semantics: cancelling the run
// context stops dequeueing; in-flight jobs get DrainDeadline to finish, then
// are abandoned and re-delivered after restart.

const (
	DefaultConcurrency   = 5
	DefaultDrainDeadline = 10 * time.Second
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Queue         *queue.Queue
	Worker        *Worker
	Concurrency   int
	DrainDeadline time.Duration
	Metrics       *telemetry.Metrics
	Logger        *zap.Logger
}

type Pool struct {
	queue         *queue.Queue
	worker        *Worker
	concurrency   int
	drainDeadline time.Duration
	metrics       *telemetry.Metrics
	logger        *zap.Logger
}

func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Queue == nil || opts.Worker == nil {
		return nil, errors.New("worker: queue and worker required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.DrainDeadline <= 0 {
		opts.DrainDeadline = DefaultDrainDeadline
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		queue:         opts.Queue,
		worker:        opts.Worker,
		concurrency:   opts.Concurrency,
		drainDeadline: opts.DrainDeadline,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}, nil
}

// Run blocks until ctx is cancelled and the pool has drained. Each worker
// finishes its in-flight job within the drain deadline.
func (p *Pool) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			return p.loop(runCtx)
		})
	}
	g.Go(func() error {
		p.gaugeLoop(runCtx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		p.handle(job)
	}
}

// handle processes one job detached from the run context, so a shutdown does
// not cancel mid-flight work before the drain deadline.
func (p *Pool) handle(job *queue.Job) {
	jobCtx, cancel := context.WithTimeout(context.Background(), p.drainDeadline)
	defer cancel()

	err := p.worker.ProcessPayload(jobCtx, job)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(job.ID); ackErr != nil {
			p.logger.Warn("ack", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
	case errors.Is(err, ErrMalformed):
		p.metrics.EventsFailed.Inc()
		p.logger.Warn("malformed job", zap.String("job_id", job.ID), zap.Error(err))
		if nackErr := p.queue.NackPermanent(job.ID, err); nackErr != nil {
			p.logger.Warn("nack", zap.String("job_id", job.ID), zap.Error(nackErr))
		}
	default:
		p.logger.Warn("job failed, scheduling retry",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts+1),
			zap.Error(err))
		if nackErr := p.queue.Nack(job.ID, err); nackErr != nil {
			p.logger.Warn("nack", zap.String("job_id", job.ID), zap.Error(nackErr))
		}
	}
}

// gaugeLoop keeps the queue depth gauges current.
func (p *Pool) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.queue.Stats()
			p.metrics.QueueDepth.WithLabelValues("waiting").Set(float64(st.Waiting))
			p.metrics.QueueDepth.WithLabelValues("active").Set(float64(st.Active))
			p.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
			p.metrics.QueueDepth.WithLabelValues("failed").Set(float64(st.Failed))
		}
	}
}
