// Package queue defines the batch task that travels from the API to the
// worker over asynq.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/pipeline"
)

const TypeProcessBatch = "batch:process"

type ProcessBatchPayload struct {
	JobID       string             `json:"job_id"`
	SourceType  string             `json:"source_type"`
	Sources     []pipeline.Source  `json:"sources"`
	Options     domain.ToolOptions `json:"options"`
	WebhookURL  string             `json:"webhook_url,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
	// Trace carries the enqueuing request's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// Request turns the payload into the pipeline request the worker runs.
func (p ProcessBatchPayload) Request() pipeline.Request {
	return pipeline.Request{
		JobID:      p.JobID,
		SourceType: p.SourceType,
		Sources:    p.Sources,
		Options:    p.Options,
	}
}

func (p ProcessBatchPayload) validate() error {
	switch {
	case strings.TrimSpace(p.JobID) == "":
		return errors.New("job_id is required")
	case len(p.Sources) == 0:
		return pipeline.ErrNoSources
	case p.Options.Tool == "":
		return errors.New("options.tool is required")
	}
	return nil
}

func NewProcessBatchTask(payload ProcessBatchPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("batch payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeProcessBatch, body), nil
}

func ParseProcessBatchPayload(task *asynq.Task) (ProcessBatchPayload, error) {
	var payload ProcessBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessBatchPayload{}, fmt.Errorf("unmarshal batch payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return ProcessBatchPayload{}, fmt.Errorf("batch payload: %w", err)
	}
	return payload, nil
}
