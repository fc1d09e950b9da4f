package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/pipeline"
	"github.com/dunamismax/imageverse/internal/queue"
	"github.com/dunamismax/imageverse/internal/session"
	"github.com/dunamismax/imageverse/internal/store"
	"github.com/dunamismax/imageverse/internal/webhook"
)

type objectBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *objectBucket) ReadObject(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (b *objectBucket) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *objectBucket) RemovePrefix(_ context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key := range b.objects {
		if strings.HasPrefix(key, prefix) {
			delete(b.objects, key)
			n++
		}
	}
	return n, nil
}

type captureSender struct {
	events []string
	bodies []webhook.BatchEvent
}

func (c *captureSender) Send(_ context.Context, _ string, event string, payload any) error {
	c.events = append(c.events, event)
	c.bodies = append(c.bodies, payload.(webhook.BatchEvent))
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, bucket *objectBucket) (*Server, *store.MemoryJobStore, *captureSender) {
	t.Helper()
	processor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: bucket},
		pipeline.ObjectStoreEmitter{Storage: bucket},
		session.NewRunner(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	jobs := store.NewMemoryJobStore()
	sender := &captureSender{}
	s := newServer(zaptest.NewLogger(t), processor, jobs, jobs, 1)
	s.webhookClient = sender
	s.sources = bucket
	return s, jobs, sender
}

func seedJob(t *testing.T, jobs *store.MemoryJobStore, payload queue.ProcessBatchPayload) *asynq.Task {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, jobs.Create(context.Background(), domain.BatchJob{
		ID:        payload.JobID,
		Status:    domain.JobStatusQueued,
		Options:   payload.Options,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	task, err := queue.NewProcessBatchTask(payload)
	require.NoError(t, err)
	return task
}

func TestHandleProcessBatchSucceeds(t *testing.T) {
	bucket := &objectBucket{objects: map[string][]byte{
		pipeline.SourceKey("job-1", 0): pngBytes(t, 40, 20),
		pipeline.SourceKey("job-1", 1): pngBytes(t, 20, 40),
	}}
	s, jobs, sender := newTestServer(t, bucket)

	task := seedJob(t, jobs, queue.ProcessBatchPayload{
		JobID:      "job-1",
		SourceType: pipeline.SourceTypeObjectStore,
		Sources: []pipeline.Source{
			{Key: pipeline.SourceKey("job-1", 0), Name: "wide.png", MIMEType: "image/png"},
			{Key: pipeline.SourceKey("job-1", 1), Name: "tall.png", MIMEType: "image/png"},
		},
		Options:    domain.ToolOptions{Tool: domain.ToolResize, Width: 10, Height: 10, KeepAspect: true, Format: domain.FormatPNG},
		WebhookURL: "https://hooks.example.test/batch",
	})

	require.NoError(t, s.handleProcessBatch(context.Background(), task))

	job, ok, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Entries)
	assert.Empty(t, job.Failed)
	assert.True(t, strings.HasPrefix(job.ArchiveKey, "archives/job-1/resized_images_"), job.ArchiveKey)

	_, err = bucket.ReadObject(context.Background(), job.ArchiveKey)
	assert.NoError(t, err)
	_, err = bucket.ReadObject(context.Background(), pipeline.SourceKey("job-1", 0))
	assert.Error(t, err, "sources are dropped once the batch succeeded")

	usage := jobs.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, domain.ToolResize, usage[0].Tool)
	assert.Equal(t, int64(2*40*20), usage[0].PixelsProcessed)
	assert.GreaterOrEqual(t, usage[0].ComputeTimeMS, int64(1))

	require.Equal(t, []string{webhook.EventBatchCompleted}, sender.events)
	assert.Equal(t, 2, sender.bodies[0].Entries)
}

func TestHandleProcessBatchAllItemsFailSkipsRetry(t *testing.T) {
	bucket := &objectBucket{objects: map[string][]byte{
		pipeline.SourceKey("job-2", 0): []byte("not an image"),
	}}
	s, jobs, sender := newTestServer(t, bucket)

	task := seedJob(t, jobs, queue.ProcessBatchPayload{
		JobID:      "job-2",
		SourceType: pipeline.SourceTypeObjectStore,
		Sources: []pipeline.Source{
			{Key: pipeline.SourceKey("job-2", 0), Name: "broken.png"},
			{Key: pipeline.SourceKey("job-2", 1), Name: "missing.png"},
		},
		Options:    domain.ToolOptions{Tool: domain.ToolCompress},
		WebhookURL: "https://hooks.example.test/batch",
	})

	err := s.handleProcessBatch(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	job, _, err := jobs.Get(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Len(t, job.Failed, 2)
	assert.Empty(t, jobs.Usage())

	require.Equal(t, []string{webhook.EventBatchFailed}, sender.events)
	assert.Equal(t, 2, sender.bodies[0].Failed)
	assert.NotEmpty(t, sender.bodies[0].Error)
}

func TestHandleProcessBatchRejectsBadPayload(t *testing.T) {
	s, _, _ := newTestServer(t, &objectBucket{objects: map[string][]byte{}})
	err := s.handleProcessBatch(context.Background(), asynq.NewTask(queue.TypeProcessBatch, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

type failingProcessor struct{ err error }

func (p failingProcessor) Process(context.Context, pipeline.Request) (pipeline.Result, error) {
	return pipeline.Result{}, p.err
}

func TestHandleProcessBatchTransientErrorRetries(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	s := newServer(zaptest.NewLogger(t), failingProcessor{err: errors.New("emit stage: connection reset")}, jobs, jobs, 1)

	task := seedJob(t, jobs, queue.ProcessBatchPayload{
		JobID:   "job-3",
		Sources: []pipeline.Source{{Key: "k"}},
		Options: domain.ToolOptions{Tool: domain.ToolFlip, FlipVertical: true},
	})

	err := s.handleProcessBatch(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestRecordUsageClampsNegativeBytesSaved(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	s := newServer(zaptest.NewLogger(t), failingProcessor{}, jobs, jobs, 1)

	s.recordUsage(context.Background(), queue.ProcessBatchPayload{JobID: "job-4", Options: domain.ToolOptions{Tool: domain.ToolConvert}},
		pipeline.Result{SourceBytes: 100, OutputBytes: 250, PixelsProcessed: 25}, 0)

	usage := jobs.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(0), usage[0].BytesSaved)
	assert.Equal(t, int64(1), usage[0].ComputeTimeMS)
	assert.Equal(t, int64(25), usage[0].PixelsProcessed)
}
