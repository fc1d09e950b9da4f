package store

import (
	"context"
	"errors"

	"github.com/dunamismax/imageverse/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type JobStore interface {
	Create(ctx context.Context, job domain.BatchJob) error
	Get(ctx context.Context, id string) (domain.BatchJob, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.BatchJob, error)
	// Finish stores the outcome of a processed batch and its final status.
	Finish(ctx context.Context, job domain.BatchJob) error
}

// UsageStore keeps one usage record per job. Recording a job twice replaces
// the first record.
type UsageStore interface {
	RecordUsage(ctx context.Context, usage domain.BatchUsage) error
}
