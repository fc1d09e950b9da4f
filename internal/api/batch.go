package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/id"
	"github.com/dunamismax/imageverse/internal/pipeline"
	"github.com/dunamismax/imageverse/internal/queue"
	"github.com/dunamismax/imageverse/internal/session"
)

const sourceTypeUpload = "upload"

// uploadFetcher serves the parts of the current request to the pipeline.
type uploadFetcher map[string]uploadedFile

func (u uploadFetcher) Fetch(_ context.Context, _ pipeline.Request, src pipeline.Source) ([]byte, error) {
	file, ok := u[src.Key]
	if !ok {
		return nil, fmt.Errorf("upload %s is missing", src.Name)
	}
	if file.Err != nil {
		return nil, file.Err
	}
	return file.Data, nil
}

// responseArchive keeps the archive in memory for the response.
type responseArchive struct {
	data []byte
}

func (a *responseArchive) Emit(_ context.Context, _ pipeline.Request, name string, data []byte) (pipeline.Output, error) {
	a.data = data
	return pipeline.Output{Name: name, Path: name, Bytes: len(data)}, nil
}

func (s *Server) prepareBatch(w http.ResponseWriter, r *http.Request) (uploadForm, session.Tool, bool) {
	form, err := s.parseUpload(w, r)
	if err != nil {
		writeUploadError(w, err)
		return uploadForm{}, nil, false
	}
	if !s.allow(w, r, len(form.Files)) {
		return uploadForm{}, nil, false
	}
	s.metrics.upload(r, form)

	req := domain.CreateBatchRequest{Options: form.Options, WebhookURL: form.WebhookURL, FileNames: form.names()}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uploadForm{}, nil, false
	}
	tool, err := session.ToolFromOptions(form.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.Message(err))
		return uploadForm{}, nil, false
	}
	if len(form.Files) > 1 && !tool.Capabilities().SupportsBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", tool.Kind(), session.ErrBatchUnsupported))
		return uploadForm{}, nil, false
	}
	return form, tool, true
}

// handleBatch runs a batch inside the request and answers with the archive.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	form, tool, ok := s.prepareBatch(w, r)
	if !ok {
		return
	}

	fetcher := make(uploadFetcher, len(form.Files))
	sources := make([]pipeline.Source, 0, len(form.Files))
	for i, file := range form.Files {
		key := strconv.Itoa(i)
		fetcher[key] = file
		sources = append(sources, pipeline.Source{Key: key, Name: file.Name, MIMEType: file.MIMEType})
	}

	emitter := &responseArchive{}
	processor, err := pipeline.NewProcessor(fetcher, emitter, s.runner,
		pipeline.WithConcurrency(s.batchConcurrency),
		pipeline.WithArchiver(s.archiver),
		pipeline.WithLogger(s.logger),
	)
	if err != nil {
		s.logger.Error("build batch processor failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}

	result, err := processor.Process(r.Context(), pipeline.Request{
		JobID:      id.New(),
		SourceType: sourceTypeUpload,
		Sources:    sources,
		Options:    form.Options,
	})
	s.metrics.toolRun(tool.Kind(), "batch", err)
	if err != nil {
		s.logger.Info("batch failed", zap.String("tool", string(tool.Kind())), zap.Error(err))
		writeJSON(w, errorStatus(err), map[string]any{
			"error":  domain.Message(err),
			"failed": result.Failed,
		})
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(result.Archive.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(emitter.data)))
	w.Header().Set(HeaderBatchFailed, strconv.Itoa(len(result.Failed)))
	w.Header().Set(HeaderArchiveSkipped, strconv.Itoa(len(result.Archive.Skipped)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(emitter.data)
}

// handleAsyncBatch stores the uploads, records the batch and hands it to the
// worker queue.
func (s *Server) handleAsyncBatch(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil || s.jobStore == nil || s.storage == nil {
		writeError(w, http.StatusServiceUnavailable, "async batches are disabled")
		return
	}

	form, tool, ok := s.prepareBatch(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	jobID := id.New()
	sources := make([]pipeline.Source, 0, len(form.Files))
	keys := make([]string, 0, len(form.Files))
	for i, file := range form.Files {
		if file.Err != nil {
			writeError(w, http.StatusBadRequest, file.Err.Error())
			return
		}
		key := pipeline.SourceKey(jobID, i)
		contentType := file.MIMEType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.storage.WriteObject(ctx, key, file.Data, contentType); err != nil {
			s.logger.Error("upload source failed", zap.String("job_id", jobID), zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusBadGateway, "failed to store upload")
			return
		}
		keys = append(keys, key)
		sources = append(sources, pipeline.Source{Key: key, Name: file.Name, MIMEType: file.MIMEType})
	}

	now := s.now().UTC()
	job := domain.BatchJob{
		ID:         jobID,
		Status:     domain.JobStatusCreated,
		Options:    form.Options,
		WebhookURL: form.WebhookURL,
		SourceKeys: keys,
		FileNames:  form.names(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(ctx, job); err != nil {
		s.logger.Error("create batch failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	info, err := s.queueClient.EnqueueProcessBatch(ctx, queue.ProcessBatchPayload{
		JobID:       jobID,
		SourceType:  pipeline.SourceTypeObjectStore,
		Sources:     sources,
		Options:     form.Options,
		WebhookURL:  form.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", jobID), zap.Error(err))
		if _, uerr := s.jobStore.UpdateStatus(context.WithoutCancel(ctx), jobID, domain.JobStatusFailed); uerr != nil {
			s.logger.Warn("mark batch failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}

	if _, err := s.jobStore.UpdateStatus(ctx, jobID, domain.JobStatusQueued); err != nil {
		s.logger.Warn("update status failed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.metrics.enqueued.WithLabelValues(info.Queue).Inc()
	s.logger.Info("batch queued",
		zap.String("job_id", jobID),
		zap.String("tool", string(tool.Kind())),
		zap.Int("files", len(sources)),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"status":     domain.JobStatusQueued,
		"files":      len(sources),
		"queue":      info.Queue,
		"task_id":    info.ID,
		"status_url": "/v1/batches/" + jobID,
	})
}
