package scraper

import (
	"time"
)

// Strategy names an acquisition method for fetching review pages.
type Strategy string

// Supported acquisition strategies.
const (
	StrategyFree  Strategy = "free"
	StrategyProxy Strategy = "proxy"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFree, StrategyProxy:
		return true
	default:
		return false
	}
}

// JobState represents the lifecycle state of a scrape job.
type JobState string

// Job state values persisted in the job store.
const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStatePartial   JobState = "partial"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStatePartial, JobStateFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	return s == JobStateQueued || s == JobStateRunning || s.Terminal()
}

// Progress tracks per-job counters. Frozen once the job reaches a terminal state.
type Progress struct {
	PagesFetched    int `json:"pages_fetched"`
	RecordsIngested int `json:"records_ingested"`
	RecordsRejected int `json:"records_rejected"`
	FetchAttempts   int `json:"fetch_attempts"`
}

// Job is the metadata persisted for each submitted scrape request.
type Job struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"product_id"`
	Domain      string     `json:"domain"`
	Strategy    Strategy   `json:"strategy"`
	State       JobState   `json:"state"`
	Progress    Progress   `json:"progress"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// SubmitRequest is the caller-supplied scrape request.
type SubmitRequest struct {
	ProductID string   `json:"product_id"`
	Domain    string   `json:"domain"`
	Strategy  Strategy `json:"strategy"`
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	State         JobState
	ProductID     string
	Domain        string
	FinishedAfter time.Time
	Limit         int
}

// Matches reports whether job satisfies the filter.
func (f JobFilter) Matches(job Job) bool {
	if f.State != "" && job.State != f.State {
		return false
	}
	if f.ProductID != "" && job.ProductID != f.ProductID {
		return false
	}
	if f.Domain != "" && job.Domain != f.Domain {
		return false
	}
	if !f.FinishedAfter.IsZero() && (job.FinishedAt == nil || !job.FinishedAt.After(f.FinishedAfter)) {
		return false
	}
	return true
}

// Review is one customer review keyed by (ReviewID, ProductID, Domain).
type Review struct {
	ReviewID          string    `json:"review_id"`
	ProductID         string    `json:"product_id"`
	Domain            string    `json:"domain"`
	Author            string    `json:"author"`
	Title             string    `json:"title"`
	Body              string    `json:"body"`
	Rating            int       `json:"rating"`
	Verified          *bool     `json:"verified,omitempty"`
	ProductAttributes string    `json:"product_attributes,omitempty"`
	SourceTimestamp   string    `json:"source_timestamp,omitempty"`
	IngestedAt        time.Time `json:"ingested_at"`
}

// ReviewStats aggregates the stored reviews for one product/domain.
type ReviewStats struct {
	ProductID           string    `json:"product_id"`
	Domain              string    `json:"domain"`
	ReviewCount         int64     `json:"review_count"`
	AverageRating       float64   `json:"average_rating"`
	Histogram           [5]int64  `json:"histogram"`
	LastSourceTimestamp string    `json:"last_source_timestamp,omitempty"`
	ComputedAt          time.Time `json:"computed_at"`
}

// Rejection records why a review was not stored.
type Rejection struct {
	ReviewID string `json:"review_id"`
	Reason   string `json:"reason"`
}

// BatchResult summarises an upsert batch.
type BatchResult struct {
	Accepted int
	Rejected []Rejection
}

// ReviewPage is one page of a cursor-paginated review listing.
type ReviewPage struct {
	Reviews    []Review `json:"reviews"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// PageRequest identifies one source page to fetch.
type PageRequest struct {
	JobID     string
	ProductID string
	Domain    string
	Cursor    string
	Attempt   int
}

// RawPage is the unparsed result of a fetch.
type RawPage struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType string
	Duration    time.Duration
	Strategy    Strategy
}

// ParsedPage holds the records extracted from a page and the continuation cursor.
// An empty NextCursor means the source has no more pages.
type ParsedPage struct {
	Reviews    []Review
	NextCursor string
}

// Done reports whether the source signalled the last page.
func (p ParsedPage) Done() bool {
	return p.NextCursor == ""
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Attempt   int
	Submitted int64
}
