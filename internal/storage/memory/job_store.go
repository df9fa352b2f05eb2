package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scraper.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]scraper.Job),
	}
}

// CreateJob stores a new job as given.
func (s *JobStore) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, scraper.ErrJobExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// ClaimJob moves a queued job to running.
func (s *JobStore) ClaimJob(_ context.Context, jobID string, startedAt time.Time) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, fmt.Errorf("claim job %s: %w", jobID, scraper.ErrNotFound)
	}
	if job.State != scraper.JobStateQueued {
		return scraper.Job{}, fmt.Errorf("claim job %s in state %s: %w", jobID, job.State, scraper.ErrJobNotClaimable)
	}
	job.State = scraper.JobStateRunning
	job.StartedAt = pointerTime(startedAt)
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// UpdateProgress replaces the counters of a running job.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress scraper.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update progress %s: %w", jobID, scraper.ErrNotFound)
	}
	if job.State.Terminal() {
		return fmt.Errorf("update progress %s: %w", jobID, scraper.ErrJobFinished)
	}
	job.Progress = progress
	s.jobs[jobID] = job
	return nil
}

// FinishJob records the terminal state and freezes the counters.
func (s *JobStore) FinishJob(
	_ context.Context,
	jobID string,
	state scraper.JobState,
	detail string,
	progress scraper.Progress,
	finishedAt time.Time,
) error {
	if !state.Terminal() {
		return fmt.Errorf("finish job %s with non-terminal state %s: %w", jobID, state, scraper.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("finish job %s: %w", jobID, scraper.ErrNotFound)
	}
	if job.State.Terminal() {
		return fmt.Errorf("finish job %s: %w", jobID, scraper.ErrJobFinished)
	}
	job.State = state
	job.ErrorDetail = detail
	job.Progress = progress
	job.FinishedAt = pointerTime(finishedAt)
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches job metadata.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scraper.Job{}, fmt.Errorf("get job %s: %w", jobID, scraper.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns matching jobs, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter scraper.JobFilter) ([]scraper.Job, error) {
	s.mu.RLock()
	out := make([]scraper.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			out = append(out, cloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneJob(job scraper.Job) scraper.Job {
	if job.StartedAt != nil {
		job.StartedAt = pointerTime(*job.StartedAt)
	}
	if job.FinishedAt != nil {
		job.FinishedAt = pointerTime(*job.FinishedAt)
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
