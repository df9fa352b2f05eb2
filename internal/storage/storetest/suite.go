// Package storetest holds behavioural tests shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// Clock is a settable clock for store tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ReviewStoreFactory builds an empty store that reads time from clock.
type ReviewStoreFactory func(t *testing.T, clock scraper.Clock) scraper.ReviewStore

// JobStoreFactory builds an empty job store.
type JobStoreFactory func(t *testing.T) scraper.JobStore

// Review builds a valid review for product/domain.
func Review(id, productID, domain string, rating int) scraper.Review {
	return scraper.Review{
		ReviewID:        id,
		ProductID:       productID,
		Domain:          domain,
		Author:          "Author " + id,
		Title:           "Title " + id,
		Body:            "Body " + id,
		Rating:          rating,
		SourceTimestamp: "Reviewed on day " + id,
	}
}

// RunReviewStore exercises the ReviewStore contract.
func RunReviewStore(t *testing.T, factory ReviewStoreFactory) {
	t.Helper()

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock)
		ctx := context.Background()
		batch := []scraper.Review{
			Review("R1", "B0TEST", "com", 5),
			Review("R2", "B0TEST", "com", 3),
		}

		res, err := store.UpsertBatch(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, 2, res.Accepted)
		first, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)

		clock.Advance(time.Minute)
		res, err = store.UpsertBatch(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, 2, res.Accepted)
		second, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)

		require.Equal(t, first.ReviewCount, second.ReviewCount)
		require.Equal(t, first.Histogram, second.Histogram)
		require.InDelta(t, first.AverageRating, second.AverageRating, 1e-9)

		page, err := store.QueryReviews(ctx, "B0TEST", "com", "", 10)
		require.NoError(t, err)
		require.Len(t, page.Reviews, 2)
		for _, r := range page.Reviews {
			require.WithinDuration(t, clock.Now(), r.IngestedAt, time.Millisecond)
		}
	})

	t.Run("InvalidRatingsAreRejected", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		res, err := store.UpsertBatch(ctx, []scraper.Review{
			Review("R1", "B0TEST", "com", 4),
			Review("R2", "B0TEST", "com", 0),
			Review("R3", "B0TEST", "com", 6),
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.Accepted)
		require.Len(t, res.Rejected, 2)
		require.Equal(t, "R2", res.Rejected[0].ReviewID)
		require.Contains(t, res.Rejected[0].Reason, "rating")

		stats, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)
		require.EqualValues(t, 1, stats.ReviewCount)
		require.Equal(t, [5]int64{0, 0, 0, 1, 0}, stats.Histogram)
	})

	t.Run("StatsInvariant", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		_, err := store.UpsertBatch(ctx, []scraper.Review{
			Review("R1", "B0TEST", "com", 5),
			Review("R2", "B0TEST", "com", 5),
			Review("R3", "B0TEST", "com", 1),
			Review("R4", "B0TEST", "com", 3),
		})
		require.NoError(t, err)

		stats, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)
		var sum, weighted int64
		for i, n := range stats.Histogram {
			sum += n
			weighted += int64(i+1) * n
		}
		require.Equal(t, stats.ReviewCount, sum)
		require.InDelta(t, float64(weighted)/float64(sum), stats.AverageRating, 1e-9)
		require.InDelta(t, 3.5, stats.AverageRating, 1e-9)
		require.Equal(t, "Reviewed on day R4", stats.LastSourceTimestamp)
	})

	t.Run("ReplaceKeepsPositionAndUpdatesStats", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		_, err := store.UpsertBatch(ctx, []scraper.Review{
			Review("RC", "B0TEST", "com", 1),
			Review("RA", "B0TEST", "com", 2),
			Review("RB", "B0TEST", "com", 3),
		})
		require.NoError(t, err)

		updated := Review("RA", "B0TEST", "com", 5)
		updated.Title = "Changed my mind"
		_, err = store.UpsertBatch(ctx, []scraper.Review{updated})
		require.NoError(t, err)

		page, err := store.QueryReviews(ctx, "B0TEST", "com", "", 10)
		require.NoError(t, err)
		require.Equal(t, []string{"RC", "RA", "RB"}, ids(page.Reviews))
		require.Equal(t, "Changed my mind", page.Reviews[1].Title)

		stats, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)
		require.EqualValues(t, 3, stats.ReviewCount)
		require.Equal(t, [5]int64{1, 0, 1, 0, 1}, stats.Histogram)
	})

	t.Run("CursorPagination", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		batch := make([]scraper.Review, 0, 25)
		for i := 0; i < 25; i++ {
			batch = append(batch, Review(fmt.Sprintf("R%03d", i), "B0TEST", "com", i%5+1))
		}
		_, err := store.UpsertBatch(ctx, batch)
		require.NoError(t, err)

		var (
			seen   []string
			cursor string
			pages  int
		)
		for {
			page, err := store.QueryReviews(ctx, "B0TEST", "com", cursor, 10)
			require.NoError(t, err)
			seen = append(seen, ids(page.Reviews)...)
			pages++
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
			require.Less(t, pages, 10)
		}
		require.Equal(t, 3, pages)
		require.Len(t, seen, 25)
		require.Equal(t, ids(batch), seen)

		_, err = store.QueryReviews(ctx, "B0TEST", "com", "not-a-cursor", 10)
		require.ErrorIs(t, err, scraper.ErrInvalidCursor)

		page, err := store.QueryReviews(ctx, "B0TEST", "com", "", 1000)
		require.NoError(t, err)
		require.Len(t, page.Reviews, 25)
	})

	t.Run("UnknownProduct", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		_, err := store.QueryStats(ctx, "B0NONE", "com")
		require.ErrorIs(t, err, scraper.ErrNotFound)

		page, err := store.QueryReviews(ctx, "B0NONE", "com", "", 10)
		require.NoError(t, err)
		require.Empty(t, page.Reviews)
		require.Empty(t, page.NextCursor)
	})

	t.Run("PartitionsAreIsolated", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		_, err := store.UpsertBatch(ctx, []scraper.Review{
			Review("R1", "B0TEST", "com", 5),
			Review("R1", "B0TEST", "de", 1),
		})
		require.NoError(t, err)

		com, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)
		de, err := store.QueryStats(ctx, "B0TEST", "de")
		require.NoError(t, err)
		require.InDelta(t, 5.0, com.AverageRating, 1e-9)
		require.InDelta(t, 1.0, de.AverageRating, 1e-9)
	})

	t.Run("ConcurrentUpserts", func(t *testing.T) {
		store := factory(t, NewClock())
		ctx := context.Background()
		const workers, perWorker = 6, 15

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				batch := make([]scraper.Review, 0, perWorker)
				for i := 0; i < perWorker; i++ {
					// every worker also rewrites the shared review
					id := fmt.Sprintf("W%d-%02d", w, i)
					if i == 0 {
						id = "SHARED"
					}
					batch = append(batch, Review(id, "B0TEST", "com", (i%5)+1))
				}
				if _, err := store.UpsertBatch(ctx, batch); err != nil {
					errs <- err
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		stats, err := store.QueryStats(ctx, "B0TEST", "com")
		require.NoError(t, err)
		require.EqualValues(t, workers*(perWorker-1)+1, stats.ReviewCount)
		var sum int64
		for _, n := range stats.Histogram {
			sum += n
		}
		require.Equal(t, stats.ReviewCount, sum)
	})
}

// RunJobStore exercises the JobStore contract.
func RunJobStore(t *testing.T, factory JobStoreFactory) {
	t.Helper()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	newJob := func(id string, offset time.Duration) scraper.Job {
		return scraper.Job{
			ID:        id,
			ProductID: "B0TEST",
			Domain:    "com",
			Strategy:  scraper.StrategyFree,
			State:     scraper.JobStateQueued,
			CreatedAt: created.Add(offset),
		}
	}

	t.Run("Lifecycle", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		job := newJob("job-1", 0)

		require.NoError(t, store.CreateJob(ctx, job))
		require.ErrorIs(t, store.CreateJob(ctx, job), scraper.ErrJobExists)

		claimed, err := store.ClaimJob(ctx, job.ID, created.Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, scraper.JobStateRunning, claimed.State)
		require.NotNil(t, claimed.StartedAt)

		_, err = store.ClaimJob(ctx, job.ID, created.Add(2*time.Second))
		require.ErrorIs(t, err, scraper.ErrJobNotClaimable)

		progress := scraper.Progress{PagesFetched: 1, RecordsIngested: 10, FetchAttempts: 2}
		require.NoError(t, store.UpdateProgress(ctx, job.ID, progress))
		mid, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, progress, mid.Progress)

		final := scraper.Progress{PagesFetched: 2, RecordsIngested: 15, FetchAttempts: 3}
		require.NoError(t, store.FinishJob(ctx, job.ID, scraper.JobStateCompleted, "", final, created.Add(time.Minute)))
		done, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, scraper.JobStateCompleted, done.State)
		require.Equal(t, final, done.Progress)
		require.NotNil(t, done.FinishedAt)
		require.True(t, done.FinishedAt.Equal(created.Add(time.Minute)))
		require.Empty(t, done.ErrorDetail)

		require.ErrorIs(t, store.UpdateProgress(ctx, job.ID, scraper.Progress{}), scraper.ErrJobFinished)
		require.ErrorIs(t, store.FinishJob(ctx, job.ID, scraper.JobStateFailed, "again", final, created), scraper.ErrJobFinished)
	})

	t.Run("MissingJob", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		_, err := store.GetJob(ctx, "nope")
		require.ErrorIs(t, err, scraper.ErrNotFound)
		_, err = store.ClaimJob(ctx, "nope", created)
		require.ErrorIs(t, err, scraper.ErrNotFound)
	})

	t.Run("FinishFromQueued", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		job := newJob("job-cfg", 0)
		require.NoError(t, store.CreateJob(ctx, job))
		require.NoError(t, store.FinishJob(ctx, job.ID, scraper.JobStateFailed, "proxy credentials are not configured", scraper.Progress{}, created))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, scraper.JobStateFailed, got.State)
		require.Equal(t, "proxy credentials are not configured", got.ErrorDetail)
		require.Nil(t, got.StartedAt)
		_, err = store.ClaimJob(ctx, job.ID, created)
		require.ErrorIs(t, err, scraper.ErrJobNotClaimable)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		for i, id := range []string{"job-a", "job-b", "job-c"} {
			require.NoError(t, store.CreateJob(ctx, newJob(id, time.Duration(i)*time.Second)))
		}
		_, err := store.ClaimJob(ctx, "job-b", created)
		require.NoError(t, err)

		all, err := store.ListJobs(ctx, scraper.JobFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"job-c", "job-b", "job-a"}, jobIDs(all))

		queued, err := store.ListJobs(ctx, scraper.JobFilter{State: scraper.JobStateQueued, Limit: 1})
		require.NoError(t, err)
		require.Equal(t, []string{"job-c"}, jobIDs(queued))
	})
}

func ids(reviews []scraper.Review) []string {
	out := make([]string, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, r.ReviewID)
	}
	return out
}

func jobIDs(jobs []scraper.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
