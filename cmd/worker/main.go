package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/config"
	"github.com/dunamismax/imageverse/internal/encode"
	"github.com/dunamismax/imageverse/internal/logging"
	"github.com/dunamismax/imageverse/internal/pipeline"
	"github.com/dunamismax/imageverse/internal/remote"
	"github.com/dunamismax/imageverse/internal/session"
	"github.com/dunamismax/imageverse/internal/storage"
	"github.com/dunamismax/imageverse/internal/store"
	"github.com/dunamismax/imageverse/internal/telemetry"
	"github.com/dunamismax/imageverse/internal/transform"
	"github.com/dunamismax/imageverse/internal/webhook"
	"github.com/dunamismax/imageverse/internal/worker"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg := config.Load()
	logger := logging.Must("worker", cfg.Logging)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_active_jobs", cfg.Worker.MaxActiveJobs),
		zap.Int("batch_concurrency", cfg.Transform.BatchConcurrency),
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
	)

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.For("imageverse-worker"), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := encode.Startup(cfg.Transform.Runtime()); err != nil {
		return err
	}
	defer encode.Shutdown()

	if !cfg.Storage.Enabled {
		return errors.New("worker needs object storage: set MINIO_ENABLED=true")
	}
	storageClient, err := storage.NewClient(cfg.Storage.Client())
	if err != nil {
		return err
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		return err
	}

	var jobStore interface {
		store.JobStore
		store.UsageStore
	}
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		jobStore = pg
	} else {
		logger.Warn("POSTGRES_DSN is empty, batch status stays local to this worker")
		jobStore = store.NewMemoryJobStore()
	}

	runner := session.NewRunner(logger,
		session.WithEngine(transform.NewEngine(transform.DefaultSurface(cfg.Transform.MaxCanvasSide), logger)),
		session.WithEnhancer(remote.NewGateway(cfg.Remote.Gateway(), logger)),
		session.WithCompressMaxSizeMB(cfg.Transform.CompressMaxSizeMB),
		session.WithMaxSide(cfg.Transform.MaxCanvasSide),
	)
	processor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		pipeline.ObjectStoreEmitter{Storage: storageClient},
		runner,
		pipeline.WithConcurrency(cfg.Transform.BatchConcurrency),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Worker.WebhookSecret,
		MaxAttempts:    cfg.Worker.WebhookRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, worker.Deps{
		Processor: processor,
		Webhooks:  webhookClient,
		Jobs:      jobStore,
		Usage:     jobStore,
		Sources:   storageClient,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	err = srv.Run(ctx)
	logger.Info("shutting down")
	return err
}

func metricsMux(srv *worker.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", srv.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
