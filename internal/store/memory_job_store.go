package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/imageverse/internal/domain"
)

type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.BatchJob
	usage []domain.BatchUsage
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.BatchJob),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.BatchJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return cloneJob(job), ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.BatchJob{}, ErrJobNotFound
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return cloneJob(job), nil
}

func (s *MemoryJobStore) Finish(_ context.Context, job domain.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	current.Status = job.Status
	current.ArchiveName = job.ArchiveName
	current.ArchiveKey = job.ArchiveKey
	current.Entries = job.Entries
	current.Skipped = job.Skipped
	current.Failed = slices.Clone(job.Failed)
	current.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = current
	return nil
}

func (s *MemoryJobStore) RecordUsage(_ context.Context, usage domain.BatchUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.usage, func(u domain.BatchUsage) bool { return u.JobID == usage.JobID }); i >= 0 {
		s.usage[i] = usage
		return nil
	}
	s.usage = append(s.usage, usage)
	return nil
}

// Usage returns the recorded usage entries in insertion order.
func (s *MemoryJobStore) Usage() []domain.BatchUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

func cloneJob(job domain.BatchJob) domain.BatchJob {
	job.SourceKeys = slices.Clone(job.SourceKeys)
	job.FileNames = slices.Clone(job.FileNames)
	job.Failed = slices.Clone(job.Failed)
	return job
}
