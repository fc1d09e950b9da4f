package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/imageverse/internal/telemetry"
)

type ClientConfig struct {
	Queue    string
	MaxRetry int
	// Retention keeps finished tasks visible to asynq tooling.
	Retention time.Duration
}

type Client struct {
	client *asynq.Client
	cfg    ClientConfig
}

func NewClient(redisOpt asynq.RedisConnOpt, cfg ClientConfig) *Client {
	if cfg.Queue == "" {
		cfg.Queue = "default"
	}
	return &Client{client: asynq.NewClient(redisOpt), cfg: cfg}
}

// EnqueueProcessBatch schedules a stored batch under its job id, so the same
// job is never queued twice.
func (c *Client) EnqueueProcessBatch(ctx context.Context, payload ProcessBatchPayload) (*asynq.TaskInfo, error) {
	task, opts, err := c.prepare(ctx, payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, opts...)
}

func (c *Client) prepare(ctx context.Context, payload ProcessBatchPayload) (*asynq.Task, []asynq.Option, error) {
	if payload.Trace == nil {
		payload.Trace = telemetry.Inject(ctx)
	}
	task, err := NewProcessBatchTask(payload)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(c.cfg.Queue),
		asynq.MaxRetry(max(c.cfg.MaxRetry, 0)),
		asynq.Timeout(batchTimeout(len(payload.Sources))),
		asynq.TaskID(payload.JobID),
	}
	if c.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(c.cfg.Retention))
	}
	return task, opts, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// batchTimeout gives every source half a minute on top of a fixed budget.
func batchTimeout(sources int) time.Duration {
	return 2*time.Minute + time.Duration(max(sources, 1))*30*time.Second
}
