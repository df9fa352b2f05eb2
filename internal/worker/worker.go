// Package worker runs scrape jobs. A worker claims a queued job, walks the
// source's pages one at a time and records a terminal state when it stops.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/metrics"
	"github.com/JakeFAU/review-harvester/internal/scraper"
	"github.com/JakeFAU/review-harvester/internal/strategy"
)

// DefaultHardMaxPages caps pagination when no cap is configured.
const DefaultHardMaxPages = 50

// EventJobFinished is the notification type published when a job stops.
const EventJobFinished = "job.finished"

// Sources resolves the components for a strategy.
type Sources interface {
	Source(s scraper.Strategy) (strategy.Source, error)
}

// Config controls Worker behavior.
type Config struct {
	// HardMaxPages bounds every job regardless of the source's own cap.
	HardMaxPages int
	// ArchivePrefix is prepended to raw page object paths.
	ArchivePrefix string
	// Topic receives job.finished events. Empty disables publishing.
	Topic string
}

// Event is the payload published when a job reaches a terminal state.
type Event struct {
	Type        string           `json:"type"`
	JobID       string           `json:"job_id"`
	ProductID   string           `json:"product_id"`
	Domain      string           `json:"domain"`
	Strategy    scraper.Strategy `json:"strategy"`
	State       scraper.JobState `json:"state"`
	Progress    scraper.Progress `json:"progress"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// Worker consumes queue items and executes the pagination loop.
type Worker struct {
	queue     scraper.Queue
	jobs      scraper.JobStore
	reviews   scraper.ReviewStore
	sources   Sources
	retrier   scraper.Retrier
	blobs     scraper.BlobStore
	publisher scraper.Publisher
	hasher    scraper.Hasher
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobs, publisher and hasher may be nil.
func New(
	queue scraper.Queue,
	jobs scraper.JobStore,
	reviews scraper.ReviewStore,
	sources Sources,
	retrier scraper.Retrier,
	blobs scraper.BlobStore,
	publisher scraper.Publisher,
	hasher scraper.Hasher,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.HardMaxPages <= 0 {
		cfg.HardMaxPages = DefaultHardMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		reviews:   reviews,
		sources:   sources,
		retrier:   retrier,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, scraper.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.Process(ctx, item)
	}
}

// run carries the mutable state of one job through the loop.
type run struct {
	job      scraper.Job
	progress scraper.Progress
	logger   *zap.Logger
}

// Process claims and executes one job. Items whose job is no longer queued are skipped.
func (w *Worker) Process(ctx context.Context, item scraper.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID))
	job, err := w.claim(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, scraper.ErrJobNotClaimable) || errors.Is(err, scraper.ErrNotFound) {
			logger.Info("skipping queue item", zap.Error(err))
			return
		}
		logger.Error("claim job failed", zap.Error(err))
		if ctx.Err() == nil {
			w.failUnclaimed(ctx, item.JobID, err, logger)
		}
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	r := &run{
		job: job,
		logger: logger.With(
			zap.String("product_id", job.ProductID),
			zap.String("domain", job.Domain),
			zap.String("strategy", string(job.Strategy)),
		),
	}
	r.logger.Info("job started")
	state, detail := w.paginate(ctx, r)
	w.finish(ctx, r, state, detail)
}

// failUnclaimed marks a job failed when it could not be claimed, so it does not sit queued forever.
func (w *Worker) failUnclaimed(ctx context.Context, jobID string, cause error, logger *zap.Logger) {
	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		job = scraper.Job{ID: jobID}
	}
	w.finish(ctx, &run{job: job, logger: logger}, scraper.JobStateFailed, "claim: "+cause.Error())
}

// claim retries store failures so a queued job is not stranded by one bad round trip.
func (w *Worker) claim(ctx context.Context, jobID string) (scraper.Job, error) {
	var job scraper.Job
	_, err := w.retrier.Execute(ctx, func(ctx context.Context, _ int) error {
		claimed, err := w.jobs.ClaimJob(ctx, jobID, w.clock.Now())
		if err != nil {
			return err
		}
		job = claimed
		return nil
	})
	return job, err
}

func (w *Worker) paginate(ctx context.Context, r *run) (scraper.JobState, string) {
	src, err := w.sources.Source(r.job.Strategy)
	if err != nil {
		return scraper.JobStateFailed, err.Error()
	}
	maxPages := w.pageCap(src.MaxPages)

	cursor := ""
	for page := 1; page <= maxPages; page++ {
		req := scraper.PageRequest{
			JobID:     r.job.ID,
			ProductID: r.job.ProductID,
			Domain:    r.job.Domain,
			Cursor:    cursor,
		}
		parsed, err := w.fetchPage(ctx, r, src, req, page)
		if err != nil {
			metrics.ObservePage(string(src.Strategy), "error")
			return w.abort(ctx, r, page, err)
		}
		r.progress.PagesFetched++
		metrics.ObservePage(string(src.Strategy), "ok")

		if err := w.ingest(ctx, r, parsed.Reviews); err != nil {
			return w.abort(ctx, r, page, err)
		}
		if err := w.jobs.UpdateProgress(ctx, r.job.ID, r.progress); err != nil {
			r.logger.Warn("persist progress failed", zap.Int("page", page), zap.Error(err))
		}
		r.logger.Debug("page ingested",
			zap.Int("page", page),
			zap.Int("records", len(parsed.Reviews)),
			zap.Int("records_ingested", r.progress.RecordsIngested),
		)

		if parsed.Done() {
			return doneState(r.progress)
		}
		cursor = parsed.NextCursor
	}
	return scraper.JobStatePartial, fmt.Sprintf("page cap %d reached", maxPages)
}

// fetchPage runs limiter admission, fetch, archive and parse as one retried unit.
func (w *Worker) fetchPage(
	ctx context.Context,
	r *run,
	src strategy.Source,
	req scraper.PageRequest,
	page int,
) (scraper.ParsedPage, error) {
	var parsed scraper.ParsedPage
	attempts, err := w.retrier.Execute(ctx, func(ctx context.Context, attempt int) error {
		req.Attempt = attempt
		if src.Limiter != nil {
			if err := src.Limiter.Wait(ctx, scraper.MarketplaceHost(req.Domain)); err != nil {
				return err
			}
		}
		metrics.ObserveFetchAttempt(string(src.Strategy))
		raw, err := src.Fetcher.FetchPage(ctx, req)
		if err != nil {
			r.logger.Debug("fetch attempt failed", zap.Int("page", page), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		w.archive(ctx, r, page, raw)

		p, err := src.Parser.Parse(raw, req)
		if err != nil {
			return fmt.Errorf("parse page %d: %w", page, err)
		}
		if len(p.Reviews) == 0 && !p.Done() {
			return fmt.Errorf("page %d has no reviews but a next page: %w", page, scraper.ErrParseIncomplete)
		}
		parsed = p
		return nil
	})
	r.progress.FetchAttempts += attempts
	if err != nil {
		return scraper.ParsedPage{}, err
	}
	return parsed, nil
}

// ingest stores one page of reviews. Rejections are counted, never fatal.
func (w *Worker) ingest(ctx context.Context, r *run, reviews []scraper.Review) error {
	if len(reviews) == 0 {
		return nil
	}
	for i := range reviews {
		reviews[i].ProductID = r.job.ProductID
		reviews[i].Domain = r.job.Domain
	}
	var res scraper.BatchResult
	_, err := w.retrier.Execute(ctx, func(ctx context.Context, _ int) error {
		out, err := w.reviews.UpsertBatch(ctx, reviews)
		if err != nil {
			return fmt.Errorf("upsert reviews: %w", err)
		}
		res = out
		return nil
	})
	if err != nil {
		return err
	}
	r.progress.RecordsIngested += res.Accepted
	r.progress.RecordsRejected += len(res.Rejected)
	metrics.ObserveRecords(res.Accepted, len(res.Rejected))
	for _, rej := range res.Rejected {
		r.logger.Warn("review rejected", zap.String("review_id", rej.ReviewID), zap.String("reason", rej.Reason))
	}
	return nil
}

// abort maps a loop-ending error to partial when any page landed, failed otherwise.
func (w *Worker) abort(ctx context.Context, r *run, page int, err error) (scraper.JobState, string) {
	detail := fmt.Sprintf("page %d: %v", page, err)
	if ctx.Err() != nil {
		detail = "canceled"
	}
	r.logger.Warn("job stopped early", zap.Int("page", page), zap.Error(err))
	if r.progress.PagesFetched >= 1 {
		return scraper.JobStatePartial, detail
	}
	return scraper.JobStateFailed, detail
}

func doneState(p scraper.Progress) (scraper.JobState, string) {
	switch {
	case p.RecordsRejected == 0:
		return scraper.JobStateCompleted, ""
	case p.RecordsIngested > 0:
		return scraper.JobStatePartial, fmt.Sprintf("%d records rejected", p.RecordsRejected)
	default:
		return scraper.JobStateFailed, fmt.Sprintf("all %d records rejected", p.RecordsRejected)
	}
}

func (w *Worker) pageCap(sourceMax int) int {
	if sourceMax <= 0 || sourceMax > w.cfg.HardMaxPages {
		return w.cfg.HardMaxPages
	}
	return sourceMax
}

// finish persists the terminal state even when ctx is already canceled.
func (w *Worker) finish(ctx context.Context, r *run, state scraper.JobState, detail string) {
	ctx = context.WithoutCancel(ctx)
	finishedAt := w.clock.Now()
	attempts, err := w.retrier.Execute(ctx, func(ctx context.Context, _ int) error {
		return w.jobs.FinishJob(ctx, r.job.ID, state, detail, r.progress, finishedAt)
	})
	if err != nil {
		r.logger.Error("finish job failed",
			zap.String("state", string(state)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveJob(string(r.job.Strategy), string(state))
	r.logger.Info("job finished",
		zap.String("state", string(state)),
		zap.String("error_detail", detail),
		zap.Int("pages_fetched", r.progress.PagesFetched),
		zap.Int("records_ingested", r.progress.RecordsIngested),
		zap.Int("records_rejected", r.progress.RecordsRejected),
		zap.Int("fetch_attempts", r.progress.FetchAttempts),
	)
	w.publish(ctx, r, state, detail, finishedAt)
}

func (w *Worker) publish(ctx context.Context, r *run, state scraper.JobState, detail string, at time.Time) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event := Event{
		Type:        EventJobFinished,
		JobID:       r.job.ID,
		ProductID:   r.job.ProductID,
		Domain:      r.job.Domain,
		Strategy:    r.job.Strategy,
		State:       state,
		Progress:    r.progress,
		ErrorDetail: detail,
		FinishedAt:  at,
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		r.logger.Warn("publish job event failed", zap.String("topic", w.cfg.Topic), zap.Error(err))
		return
	}
	r.logger.Debug("job event published", zap.String("topic", w.cfg.Topic), zap.String("message_id", id))
}

// archive stores the raw page body. Failures are logged and ignored.
func (w *Worker) archive(ctx context.Context, r *run, page int, raw scraper.RawPage) {
	if w.blobs == nil || len(raw.Body) == 0 {
		return
	}
	path, err := w.archivePath(r.job, page, raw)
	if err != nil {
		r.logger.Warn("archive path failed", zap.Int("page", page), zap.Error(err))
		return
	}
	contentType := raw.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := w.blobs.PutObject(ctx, path, contentType, bytes.NewReader(raw.Body))
	if err != nil {
		r.logger.Warn("archive page failed", zap.Int("page", page), zap.Error(err))
		return
	}
	r.logger.Debug("page archived", zap.Int("page", page), zap.String("uri", uri))
}

func (w *Worker) archivePath(job scraper.Job, page int, raw scraper.RawPage) (string, error) {
	name := fmt.Sprintf("%03d", page)
	if w.hasher != nil {
		sum, err := w.hasher.Hash(raw.Body)
		if err != nil {
			return "", fmt.Errorf("hash body: %w", err)
		}
		if len(sum) > 12 {
			sum = sum[:12]
		}
		name += "-" + sum
	}
	ext := ".html"
	if strings.Contains(raw.ContentType, "json") {
		ext = ".json"
	}
	parts := []string{job.Domain, job.ProductID, job.ID, name + ext}
	if prefix := strings.Trim(w.cfg.ArchivePrefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/"), nil
}
