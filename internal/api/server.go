package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/archive"
	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/queue"
	"github.com/dunamismax/imageverse/internal/remote"
	"github.com/dunamismax/imageverse/internal/session"
	"github.com/dunamismax/imageverse/internal/store"
)

const (
	HeaderBatchFailed     = "X-Batch-Failed"
	HeaderArchiveSkipped  = "X-Archive-Skipped"
	HeaderImageWidth      = "X-Image-Width"
	HeaderImageHeight     = "X-Image-Height"
	defaultMaxUploadBytes = 50 << 20
)

type queueEnqueuer interface {
	EnqueueProcessBatch(ctx context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
	PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error)
}

type feedbackSubmitter interface {
	Submit(ctx context.Context, fb remote.Feedback) error
}

// Options wires the server. Queue, Jobs and Storage are only needed by the
// async batch routes; those answer 503 when any of them is missing.
type Options struct {
	Runner           session.ItemRunner
	Queue            queueEnqueuer
	Jobs             store.JobStore
	Storage          objectStorage
	Feedback         feedbackSubmitter
	RateLimiter      RateLimiter
	RateLimitHeader  string
	Tracer           trace.Tracer
	MaxUploadMB      int
	ArchiveLinkTTL   time.Duration
	BatchConcurrency int
}

type Server struct {
	logger                *zap.Logger
	runner                session.ItemRunner
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	feedback              feedbackSubmitter
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	archiver              *archive.Archiver
	maxUploadBytes        int64
	archiveLinkTTL        time.Duration
	batchConcurrency      int
	metrics               *metrics
	mux                   *http.ServeMux
	now                   func() time.Time
}

func NewServer(logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Runner == nil {
		opts.Runner = session.NewRunner(logger)
	}
	maxUpload := int64(opts.MaxUploadMB) << 20
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	if opts.ArchiveLinkTTL <= 0 {
		opts.ArchiveLinkTTL = 15 * time.Minute
	}
	if strings.TrimSpace(opts.RateLimitHeader) == "" {
		opts.RateLimitHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		runner:                opts.Runner,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		storage:               opts.Storage,
		feedback:              opts.Feedback,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitHeader,
		tracer:                opts.Tracer,
		archiver:              archive.NewArchiver(logger),
		maxUploadBytes:        maxUpload,
		archiveLinkTTL:        opts.ArchiveLinkTTL,
		batchConcurrency:      max(1, opts.BatchConcurrency),
		metrics:               newMetrics(),
		mux:                   http.NewServeMux(),
		now:                   time.Now,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.instrument(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.HandleFunc("GET /v1/tools", s.handleListTools)
	s.mux.HandleFunc("POST /v1/tools/{tool}", s.handleRunTool)
	s.mux.HandleFunc("POST /v1/batches", s.handleBatch)
	s.mux.HandleFunc("POST /v1/batches/async", s.handleAsyncBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	s.mux.HandleFunc("GET /v1/batches/{id}/archive", s.handleBatchArchive)
	s.mux.HandleFunc("POST /v1/feedback", s.handleFeedback)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type toolDescription struct {
	Tool           domain.ToolKind `json:"tool"`
	SupportsCrop   bool            `json:"supports_crop"`
	SupportsBatch  bool            `json:"supports_batch"`
	SupportsRemote bool            `json:"supports_remote"`
	OutputFormats  []domain.Format `json:"output_formats"`
	ArchivePrefix  string          `json:"archive_prefix"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := session.Tools()
	out := make([]toolDescription, 0, len(tools))
	for _, t := range tools {
		caps := t.Capabilities()
		out = append(out, toolDescription{
			Tool:           t.Kind(),
			SupportsCrop:   caps.SupportsCrop,
			SupportsBatch:  caps.SupportsBatch,
			SupportsRemote: caps.SupportsRemote,
			OutputFormats:  caps.OutputFormats,
			ArchivePrefix:  t.ArchivePrefix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// handleRunTool runs one tool over a single uploaded file and answers with
// the encoded image.
func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseToolKind(r.PathValue("tool"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	form, err := s.parseUpload(w, r)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	if len(form.Files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file is required")
		return
	}
	upload := form.Files[0]
	s.metrics.upload(r, form)
	if upload.Err != nil {
		writeError(w, http.StatusBadRequest, upload.Err.Error())
		return
	}

	form.Options.Tool = kind
	tool, err := session.ToolFromOptions(form.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.Message(err))
		return
	}

	out, err := s.runner.Run(r.Context(), tool, session.Input{Name: upload.Name, MIMEType: upload.MIMEType, Bytes: upload.Data})
	s.metrics.toolRun(kind, "single", err)
	if err != nil {
		s.logger.Info("tool run failed", zap.String("tool", string(kind)), zap.String("name", upload.Name), zap.Error(err))
		writeError(w, errorStatus(err), domain.Message(err))
		return
	}

	artifact := out.Artifact
	w.Header().Set("Content-Type", artifact.MIMEType)
	w.Header().Set("Content-Disposition", attachment(artifact.SuggestedFilename))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Bytes)))
	w.Header().Set(HeaderImageWidth, strconv.Itoa(artifact.Width))
	w.Header().Set(HeaderImageHeight, strconv.Itoa(artifact.Height))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Bytes)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil {
		writeError(w, http.StatusServiceUnavailable, "async batches are disabled")
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, batchView(job))
}

func (s *Server) handleBatchArchive(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil || s.storage == nil {
		writeError(w, http.StatusServiceUnavailable, "async batches are disabled")
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusSucceeded || job.ArchiveKey == "" {
		writeError(w, http.StatusConflict, fmt.Sprintf("batch is %s", job.Status))
		return
	}

	if r.URL.Query().Get("redirect") != "false" {
		url, err := s.storage.PresignedGetURL(r.Context(), job.ArchiveKey, job.ArchiveName, s.archiveLinkTTL)
		if err == nil {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
		s.logger.Warn("presign archive failed, streaming instead", zap.String("job_id", job.ID), zap.Error(err))
	}

	body, err := s.storage.OpenObject(r.Context(), job.ArchiveKey)
	if err != nil {
		s.logger.Error("open archive failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "archive is unavailable")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(job.ArchiveName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("archive stream interrupted", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.BatchJob, bool) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return domain.BatchJob{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return domain.BatchJob{}, false
	}
	return job, true
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback is disabled")
		return
	}

	var fb remote.Feedback
	if err := decodeJSON(r, &fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.feedback.Submit(r.Context(), fb); err != nil {
		if errors.Is(err, remote.ErrInvalidFeedback) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("feedback relay failed", zap.Error(err))
		writeError(w, errorStatus(err), domain.Message(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type batchResponse struct {
	JobID       string               `json:"job_id"`
	Status      string               `json:"status"`
	Tool        domain.ToolKind      `json:"tool"`
	Files       int                  `json:"files"`
	ArchiveName string               `json:"archive_name,omitempty"`
	ArchiveURL  string               `json:"archive_url,omitempty"`
	Entries     int                  `json:"entries"`
	Skipped     int                  `json:"skipped"`
	Failed      []domain.ItemFailure `json:"failed,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func batchView(job domain.BatchJob) batchResponse {
	out := batchResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Tool:        job.Options.Tool,
		Files:       len(job.FileNames),
		ArchiveName: job.ArchiveName,
		Entries:     job.Entries,
		Skipped:     job.Skipped,
		Failed:      job.Failed,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if job.Status == domain.JobStatusSucceeded && job.ArchiveKey != "" {
		out.ArchiveURL = "/v1/batches/" + job.ID + "/archive"
	}
	return out
}

// errorStatus maps the error taxonomy onto HTTP.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidGeometry), errors.Is(err, session.ErrBatchUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDecode), errors.Is(err, domain.ErrEncode), errors.Is(err, domain.ErrArchive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrMissingCredential):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func attachment(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
