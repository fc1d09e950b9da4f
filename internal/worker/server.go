package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/config"
	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/pipeline"
	"github.com/dunamismax/imageverse/internal/queue"
	"github.com/dunamismax/imageverse/internal/session"
	"github.com/dunamismax/imageverse/internal/store"
	"github.com/dunamismax/imageverse/internal/telemetry"
	"github.com/dunamismax/imageverse/internal/webhook"
)

type BatchProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// SourceRemover deletes a batch's uploaded sources.
type SourceRemover interface {
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

// Deps are the collaborators of a worker Server. Processor is required.
type Deps struct {
	Processor BatchProcessor
	Webhooks  *webhook.Client
	Jobs      store.JobStore
	// Usage defaults to Jobs when it also records usage.
	Usage store.UsageStore
	// Sources, when set, drops the uploads of batches that succeeded.
	Sources SourceRemover
}

type Server struct {
	logger        *zap.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     BatchProcessor
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	sources       SourceRemover
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Processor == nil {
		return nil, errors.New("batch processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Usage == nil {
		if usage, ok := deps.Jobs.(store.UsageStore); ok {
			deps.Usage = usage
		}
	}

	s := newServer(logger, deps.Processor, deps.Jobs, deps.Usage, workerCfg.MaxActiveJobs)
	s.sources = deps.Sources
	if deps.Webhooks != nil {
		s.webhookClient = deps.Webhooks
	}
	s.server = asynq.NewServer(queueCfg.RedisClientOpt(), asynq.Config{
		Concurrency:     workerCfg.Concurrency,
		Queues:          map[string]int{queueCfg.Name: 1},
		LogLevel:        asynq.InfoLevel,
		Logger:          newAsynqLogger(logger),
		ShutdownTimeout: 30 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("task failed",
				zap.String("type", task.Type()),
				zap.Int("retry", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
	})
	return s, nil
}

func newServer(logger *zap.Logger, processor BatchProcessor, jobStore store.JobStore, usageStore store.UsageStore, slots int) *Server {
	return &Server{
		logger:     logger,
		sem:        make(chan struct{}, max(1, slots)),
		processor:  processor,
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("imageverse/worker"),
		now:        time.Now,
	}
}

// Run consumes batches until ctx is done, then waits for in-flight tasks.
func (s *Server) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessBatch, s.handleProcessBatch)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessBatch(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseProcessBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	tool := string(payload.Options.Tool)

	ctx = telemetry.Extract(ctx, payload.Trace)
	ctx, span := s.tracer.Start(ctx, "worker.process_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.tool", tool),
		attribute.Int("job.sources", len(payload.Sources)),
	)
	defer span.End()
	defer func() {
		s.metrics.batchDone(tool, outcome, time.Since(startedAt))
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.active.Inc()
	defer func() {
		<-s.sem
		s.metrics.active.Dec()
	}()

	logger := s.logger.With(zap.String("job_id", payload.JobID), zap.String("tool", tool))
	logger.Info("processing batch", zap.Int("sources", len(payload.Sources)))

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processor.Process(ctx, payload.Request())
	s.metrics.batchItems(tool, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		if !permanent(err) && !lastAttempt(ctx) {
			logger.Warn("batch failed, will retry", zap.Error(err))
			s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
			return fmt.Errorf("run batch: %w", err)
		}
		s.finishJob(ctx, payload, domain.JobStatusFailed, result)
		s.dispatchWebhook(ctx, payload, webhook.EventBatchFailed, s.batchEvent(payload, domain.JobStatusFailed, result, err))
		logger.Warn("batch failed", zap.Error(err))
		if permanent(err) {
			return fmt.Errorf("run batch: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run batch: %w", err)
	}

	logger.Info("batch processed",
		zap.String("archive", result.Archive.Path),
		zap.Int("entries", len(result.Archive.Entries)),
		zap.Int("failed", len(result.Failed)),
	)
	s.finishJob(ctx, payload, domain.JobStatusSucceeded, result)
	s.recordUsage(ctx, payload, result, time.Since(startedAt))
	s.dropSources(ctx, payload.JobID)
	s.dispatchWebhook(ctx, payload, webhook.EventBatchCompleted, s.batchEvent(payload, domain.JobStatusSucceeded, result, nil))

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// lastAttempt reports whether asynq will not run the task again. Outside a
// task context every attempt is the last.
func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= maxRetry
}

// permanent reports failures a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, pipeline.ErrNoSources) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType) ||
		errors.Is(err, session.ErrBatchUnsupported) ||
		errors.Is(err, domain.ErrArchive) ||
		errors.Is(err, domain.ErrInvalidGeometry) ||
		errors.Is(err, domain.ErrMissingCredential)
}

func (s *Server) batchEvent(payload queue.ProcessBatchPayload, status string, result pipeline.Result, err error) webhook.BatchEvent {
	evt := webhook.BatchEvent{
		JobID:       payload.JobID,
		Status:      status,
		Tool:        string(payload.Options.Tool),
		ArchiveName: result.Archive.Name,
		ArchiveKey:  result.Archive.Path,
		Entries:     len(result.Archive.Entries),
		Failed:      len(result.Failed),
		Skipped:     len(result.Archive.Skipped),
	}
	if err != nil {
		evt.Error = domain.Message(err)
	}
	return evt
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Warn("job status update failed", zap.String("job_id", jobID), zap.String("status", status), zap.Error(err))
	}
}

func (s *Server) finishJob(ctx context.Context, payload queue.ProcessBatchPayload, status string, result pipeline.Result) {
	if s.jobStore == nil {
		return
	}
	err := s.jobStore.Finish(ctx, domain.BatchJob{
		ID:          payload.JobID,
		Status:      status,
		ArchiveName: result.Archive.Name,
		ArchiveKey:  result.Archive.Path,
		Entries:     len(result.Archive.Entries),
		Skipped:     len(result.Archive.Skipped),
		Failed:      result.Failed,
	})
	if err != nil {
		s.logger.Warn("job finish failed", zap.String("job_id", payload.JobID), zap.Error(err))
	}
}

// dispatchWebhook delivers the event. Delivery failures are logged only, so
// a finished batch is never run again because a receiver was down.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ProcessBatchPayload, event string, body webhook.BatchEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		s.logger.Warn("webhook delivery failed", zap.String("job_id", payload.JobID), zap.String("event", event), zap.Error(err))
	}
}

// dropSources removes the uploads of a finished batch. Leftovers expire
// through the bucket lifecycle rule.
func (s *Server) dropSources(ctx context.Context, jobID string) {
	if s.sources == nil {
		return
	}
	n, err := s.sources.RemovePrefix(ctx, pipeline.SourcePrefix(jobID))
	if err != nil {
		s.logger.Warn("source cleanup failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.logger.Debug("sources removed", zap.String("job_id", jobID), zap.Int("objects", n))
}

func (s *Server) recordUsage(ctx context.Context, payload queue.ProcessBatchPayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	bytesSaved := max(int64(result.SourceBytes-result.OutputBytes), 0)
	computeTimeMS := max(computeDuration.Milliseconds(), 1)

	usage := domain.BatchUsage{
		JobID:           payload.JobID,
		Tool:            payload.Options.Tool,
		PixelsProcessed: result.PixelsProcessed,
		BytesSaved:      bytesSaved,
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.usageStore.RecordUsage(ctx, usage); err != nil {
		s.logger.Warn("usage write failed", zap.String("job_id", payload.JobID), zap.Error(err))
		return
	}

	s.metrics.usage(usage)
}
