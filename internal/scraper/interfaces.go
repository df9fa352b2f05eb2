package scraper

import (
	"context"
	"io"
	"time"
)

// JobStore persists job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	// ClaimJob atomically moves a queued job to running. It returns ErrJobNotClaimable
	// when the job is in any other state.
	ClaimJob(ctx context.Context, jobID string, startedAt time.Time) (Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress Progress) error
	FinishJob(ctx context.Context, jobID string, state JobState, detail string, progress Progress, finishedAt time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}

// ReviewStore persists reviews and their aggregate statistics.
type ReviewStore interface {
	// UpsertBatch stores valid reviews by natural identity and recomputes stats for
	// every touched product/domain in the same transaction. Invalid reviews are
	// reported in the result, not as an error.
	UpsertBatch(ctx context.Context, reviews []Review) (BatchResult, error)
	QueryReviews(ctx context.Context, productID, domain, cursor string, limit int) (ReviewPage, error)
	QueryStats(ctx context.Context, productID, domain string) (ReviewStats, error)
}

// Fetcher retrieves one page of raw review content.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (RawPage, error)
}

// PageParser turns fetched content into review records plus a continuation cursor.
// Implementations must be free of side effects.
type PageParser interface {
	Parse(page RawPage, req PageRequest) (ParsedPage, error)
}

// Limiter admits requests per key.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Retrier runs an operation under a retry policy and reports the attempts made.
type Retrier interface {
	Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error)
}

// Cache stores immutable payload snapshots for a bounded time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
