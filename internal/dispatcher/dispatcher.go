// Package dispatcher accepts scrape requests and fans queued jobs out to a worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/scraper"
	"github.com/JakeFAU/review-harvester/internal/worker"
)

// DefaultEnqueueTimeout bounds how long Submit waits for queue space.
const DefaultEnqueueTimeout = 5 * time.Second

// Readiness reports whether a strategy can run right now.
type Readiness interface {
	Ready(s scraper.Strategy) error
}

// Config controls submission behavior.
type Config struct {
	EnqueueTimeout time.Duration
	// DedupeWindow returns a recently completed job for the same product instead
	// of scheduling a new one. Zero disables it.
	DedupeWindow time.Duration
}

// Submission is the outcome of Submit.
type Submission struct {
	Job scraper.Job
	// Reused is true when Job is an earlier completed job returned by the dedupe window.
	Reused bool
}

// Dispatcher creates jobs, enqueues them, and runs the worker pool.
type Dispatcher struct {
	queue   scraper.Queue
	workers []*worker.Worker
	jobs    scraper.JobStore
	ready   Readiness
	ids     scraper.IDGenerator
	clock   scraper.Clock
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue scraper.Queue,
	workers []*worker.Worker,
	jobs scraper.JobStore,
	ready Readiness,
	ids scraper.IDGenerator,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		jobs:    jobs,
		ready:   ready,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and they return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("worker pool started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// Submit validates req, records a queued job and enqueues it. It never waits for
// the job to run. A strategy that is not ready produces a job that is already
// failed, with no error returned.
func (d *Dispatcher) Submit(ctx context.Context, req scraper.SubmitRequest) (Submission, error) {
	req = Normalize(req)
	if err := Validate(req); err != nil {
		return Submission{}, err
	}
	logger := d.logger.With(
		zap.String("product_id", req.ProductID),
		zap.String("domain", req.Domain),
		zap.String("strategy", string(req.Strategy)),
	)

	if job, ok := d.recent(ctx, req); ok {
		logger.Info("recent job reused", zap.String("job_id", job.ID))
		return Submission{Job: job, Reused: true}, nil
	}

	id, err := d.ids.NewID()
	if err != nil {
		return Submission{}, fmt.Errorf("submit: %w", err)
	}
	now := d.clock.Now()
	job := scraper.Job{
		ID:        id,
		ProductID: req.ProductID,
		Domain:    req.Domain,
		Strategy:  req.Strategy,
		State:     scraper.JobStateQueued,
		CreatedAt: now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	logger = logger.With(zap.String("job_id", id))

	if err := d.ready.Ready(req.Strategy); err != nil {
		logger.Warn("strategy not ready, job failed at submission", zap.Error(err))
		return Submission{Job: d.fail(ctx, job, err.Error(), logger)}, nil
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	item := scraper.QueueItem{JobID: id, Attempt: 1, Submitted: now.UnixNano()}
	if err := d.queue.Enqueue(enqueueCtx, item); err != nil {
		logger.Error("enqueue failed", zap.Error(err))
		failed := d.fail(ctx, job, "enqueue: "+err.Error(), logger)
		return Submission{Job: failed}, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	logger.Info("job queued")
	return Submission{Job: job}, nil
}

// Normalize trims the request and applies the default domain and strategy.
func Normalize(req scraper.SubmitRequest) scraper.SubmitRequest {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Domain = scraper.NormalizeDomain(req.Domain)
	if req.Strategy == "" {
		req.Strategy = scraper.StrategyFree
	}
	return req
}

// Validate checks a normalized request.
func Validate(req scraper.SubmitRequest) error {
	var problems []string
	if req.ProductID == "" {
		problems = append(problems, "product_id is required")
	}
	if !scraper.SupportedDomain(req.Domain) {
		problems = append(problems, fmt.Sprintf("domain %q is not supported", req.Domain))
	}
	if !req.Strategy.Valid() {
		problems = append(problems, fmt.Sprintf("strategy %q is not supported", req.Strategy))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), scraper.ErrInvalidRequest)
	}
	return nil
}

func (d *Dispatcher) recent(ctx context.Context, req scraper.SubmitRequest) (scraper.Job, bool) {
	if d.cfg.DedupeWindow <= 0 {
		return scraper.Job{}, false
	}
	jobs, err := d.jobs.ListJobs(ctx, scraper.JobFilter{
		State:         scraper.JobStateCompleted,
		ProductID:     req.ProductID,
		Domain:        req.Domain,
		FinishedAfter: d.clock.Now().Add(-d.cfg.DedupeWindow),
		Limit:         1,
	})
	if err != nil {
		d.logger.Warn("dedupe lookup failed", zap.Error(err))
		return scraper.Job{}, false
	}
	if len(jobs) == 0 {
		return scraper.Job{}, false
	}
	return jobs[0], true
}

// fail moves a job that never reached a worker straight to failed.
func (d *Dispatcher) fail(ctx context.Context, job scraper.Job, detail string, logger *zap.Logger) scraper.Job {
	ctx = context.WithoutCancel(ctx)
	now := d.clock.Now()
	if err := d.jobs.FinishJob(ctx, job.ID, scraper.JobStateFailed, detail, scraper.Progress{}, now); err != nil {
		if !errors.Is(err, scraper.ErrJobFinished) {
			logger.Error("mark job failed", zap.Error(err))
		}
	}
	job.State = scraper.JobStateFailed
	job.ErrorDetail = detail
	job.FinishedAt = &now
	return job
}
