package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/api"
	"github.com/dunamismax/imageverse/internal/config"
	"github.com/dunamismax/imageverse/internal/encode"
	"github.com/dunamismax/imageverse/internal/logging"
	"github.com/dunamismax/imageverse/internal/queue"
	"github.com/dunamismax/imageverse/internal/ratelimit"
	"github.com/dunamismax/imageverse/internal/remote"
	"github.com/dunamismax/imageverse/internal/session"
	"github.com/dunamismax/imageverse/internal/storage"
	"github.com/dunamismax/imageverse/internal/store"
	"github.com/dunamismax/imageverse/internal/telemetry"
	"github.com/dunamismax/imageverse/internal/transform"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg := config.Load()
	logger := logging.Must("api", cfg.Logging)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.For("imageverse-api"), logger)
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

	runner := session.NewRunner(logger,
		session.WithEngine(transform.NewEngine(transform.DefaultSurface(cfg.Transform.MaxCanvasSide), logger)),
		session.WithEnhancer(remote.NewGateway(cfg.Remote.Gateway(), logger)),
		session.WithCompressMaxSizeMB(cfg.Transform.CompressMaxSizeMB),
		session.WithMaxSide(cfg.Transform.MaxCanvasSide),
	)

	opts := api.Options{
		Runner:           runner,
		Feedback:         remote.NewFormRelay(cfg.Remote.FormRelay(), logger),
		RateLimitHeader:  cfg.RateLimit.UserIDHeader,
		Tracer:           otel.Tracer("imageverse/api"),
		MaxUploadMB:      cfg.API.MaxUploadMB,
		ArchiveLinkTTL:   cfg.API.ArchiveLinkTTL,
		BatchConcurrency: cfg.Transform.BatchConcurrency,
	}

	if cfg.Storage.Enabled {
		storageClient, err := storage.NewClient(cfg.Storage.Client())
		if err != nil {
			return err
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			return err
		}

		jobStore, closeStore, err := openJobStore(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Client())
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn("queue client close failed", zap.Error(err))
			}
		}()

		opts.Storage = storageClient
		opts.Jobs = jobStore
		opts.Queue = queueClient
	} else {
		logger.Info("object storage disabled, async batches are off")
	}

	if cfg.RateLimit.Enabled {
		limiter, closeLimiter, err := openRateLimiter(cfg)
		if err != nil {
			return err
		}
		defer closeLimiter()
		opts.RateLimiter = limiter
		logger.Info("rate limiting enabled",
			zap.String("backend", cfg.RateLimit.Backend),
			zap.Int("capacity", cfg.RateLimit.Capacity),
			zap.Duration("window", cfg.RateLimit.Window),
		)
	}

	app := api.NewServer(logger, opts)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.JobStore, func(), error) {
	if cfg.DSN == "" {
		logger.Info("using in-memory job store")
		return store.NewMemoryJobStore(), func() {}, nil
	}
	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("postgres close failed", zap.Error(err))
		}
	}, nil
}

func openRateLimiter(cfg config.Config) (api.RateLimiter, func(), error) {
	switch cfg.RateLimit.Backend {
	case "memory":
		limiter, err := ratelimit.NewMemory(cfg.RateLimit.Bucket())
		if err != nil {
			return nil, nil, err
		}
		return limiter, func() {}, nil
	case "", "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		limiter, err := ratelimit.NewRedis(client, cfg.RateLimit.Bucket())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return limiter, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}
