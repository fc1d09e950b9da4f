package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/pipeline"
)

func TestProcessBatchTaskRoundTrip(t *testing.T) {
	payload := ProcessBatchPayload{
		JobID:      "job-123",
		SourceType: pipeline.SourceTypeObjectStore,
		Sources: []pipeline.Source{
			{Key: pipeline.SourceKey("job-123", 0), Name: "a.png", MIMEType: "image/png"},
			{Key: pipeline.SourceKey("job-123", 1), Name: "b.jpg", MIMEType: "image/jpeg"},
		},
		Options: domain.ToolOptions{
			Tool:   domain.ToolCrop,
			Region: &domain.CropRegion{X: 1, Y: 2, Width: 30, Height: 40},
		},
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewProcessBatchTask(payload)
	if err != nil {
		t.Fatalf("NewProcessBatchTask returned error: %v", err)
	}
	if task.Type() != TypeProcessBatch {
		t.Fatalf("expected task type %q, got %q", TypeProcessBatch, task.Type())
	}

	parsed, err := ParseProcessBatchPayload(task)
	if err != nil {
		t.Fatalf("ParseProcessBatchPayload returned error: %v", err)
	}

	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if len(parsed.Sources) != 2 || parsed.Sources[1].Name != "b.jpg" {
		t.Fatalf("unexpected sources: %+v", parsed.Sources)
	}
	if parsed.Options.Region == nil || parsed.Options.Region.Width != 30 {
		t.Fatalf("crop region lost in transit: %+v", parsed.Options.Region)
	}

	req := parsed.Request()
	if req.SourceType != pipeline.SourceTypeObjectStore || len(req.Sources) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestBatchTimeoutGrowsWithSources(t *testing.T) {
	if batchTimeout(0) != batchTimeout(1) {
		t.Fatalf("empty batch should get the single-source timeout")
	}
	if batchTimeout(10) <= batchTimeout(1) {
		t.Fatalf("timeout should grow with the number of sources")
	}
}

func TestProcessBatchTaskRejectsIncompletePayloads(t *testing.T) {
	cases := map[string]ProcessBatchPayload{
		"no job":     {Sources: []pipeline.Source{{Key: "k"}}, Options: domain.ToolOptions{Tool: domain.ToolFlip}},
		"no sources": {JobID: "job-1", Options: domain.ToolOptions{Tool: domain.ToolFlip}},
		"no tool":    {JobID: "job-1", Sources: []pipeline.Source{{Key: "k"}}},
	}
	for name, payload := range cases {
		if _, err := NewProcessBatchTask(payload); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}

	if _, err := ParseProcessBatchPayload(asynq.NewTask(TypeProcessBatch, []byte(`{"job_id":"x"}`))); !errors.Is(err, pipeline.ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
}

func TestClientPrepareOptions(t *testing.T) {
	c := &Client{cfg: ClientConfig{Queue: "batches", MaxRetry: 3, Retention: time.Hour}}
	payload := ProcessBatchPayload{
		JobID:   "job-7",
		Sources: []pipeline.Source{{Key: pipeline.SourceKey("job-7", 0)}},
		Options: domain.ToolOptions{Tool: domain.ToolConvert, Format: domain.FormatWEBP},
	}

	task, opts, err := c.prepare(context.Background(), payload)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if task.Type() != TypeProcessBatch {
		t.Fatalf("unexpected type %q", task.Type())
	}

	got := map[asynq.OptionType]any{}
	for _, o := range opts {
		got[o.Type()] = o.Value()
	}
	if got[asynq.QueueOpt] != "batches" || got[asynq.TaskIDOpt] != "job-7" || got[asynq.MaxRetryOpt] != 3 {
		t.Fatalf("unexpected options %v", got)
	}
	if got[asynq.TimeoutOpt] != batchTimeout(1) || got[asynq.RetentionOpt] != time.Hour {
		t.Fatalf("unexpected timeouts %v", got)
	}
}
