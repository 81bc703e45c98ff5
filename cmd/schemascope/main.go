package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldlens/schemascope/internal/api"
	"github.com/fieldlens/schemascope/internal/config"
	"github.com/fieldlens/schemascope/internal/eventlog"
	"github.com/fieldlens/schemascope/internal/queue"
	"github.com/fieldlens/schemascope/internal/store"
	"github.com/fieldlens/schemascope/internal/worker"
	"github.com/fieldlens/schemascope/pkg/classify"
	"github.com/fieldlens/schemascope/pkg/telemetry"
	"github.com/fieldlens/schemascope/pkg/truncate"
)

func main() {
	configPath := flag.String("config", "schemascope.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("schemascope exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()

	st, err := store.New(cfg.DataDir, store.Options{
		MaxRawSamples: cfg.MaxRawSamples,
		Logger:        logger.Named("store"),
	})
	if err != nil {
		return err
	}

	evlog, err := eventlog.Open(cfg.DBDriver, cfg.DBDSN, logger.Named("eventlog"))
	if err != nil {
		return err
	}
	defer evlog.Close()

	q, err := queue.Open(queue.Options{
		Dir:          cfg.QueueDir,
		MaxAttempts:  cfg.QueueMaxAttempts,
		BackoffDelay: cfg.QueueBackoffDelay(),
		Logger:       logger.Named("queue"),
	})
	if err != nil {
		return err
	}
	defer q.Close()

	hub := api.NewHub(logger.Named("hub"))
	defer hub.Close()

	wk, err := worker.New(worker.Options{
		Store: st,
		Log:   evlog,
		Truncator: truncate.New(truncate.Options{
			MaxLength:  cfg.TruncateMaxLength,
			FieldNames: cfg.TruncateFields,
		}),
		Classifier: classify.New(classify.Config{
			VendorServerToken: cfg.ClassifierVendorToken,
			VendorOriginHost:  cfg.ClassifierVendorHost,
		}),
		Metrics:          metrics,
		Logger:           logger.Named("worker"),
		Publisher:        hub,
		MaxMergeExamples: cfg.MaxExamplesPerSchema,
	})
	if err != nil {
		return err
	}
	pool, err := worker.NewPool(worker.PoolOptions{
		Queue:       q,
		Worker:      wk,
		Concurrency: cfg.QueueConcurrency,
		Metrics:     metrics,
		Logger:      logger.Named("pool"),
	})
	if err != nil {
		return err
	}

	srv, err := api.New(api.Options{
		Queue:             q,
		Store:             st,
		Log:               evlog,
		Hub:               hub,
		Metrics:           metrics,
		Logger:            logger.Named("api"),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		BackpressureDepth: cfg.QueueBackpressureDepth,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("data_dir", cfg.DataDir),
			zap.Int("workers", cfg.QueueConcurrency))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("drained")
	return err
}
