package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/scraper"
	"github.com/JakeFAU/review-harvester/internal/storage/storetest"
)

func TestReviewStore(t *testing.T) {
	storetest.RunReviewStore(t, func(_ *testing.T, clock scraper.Clock) scraper.ReviewStore {
		return NewReviewStore(clock)
	})
}

func TestJobStore(t *testing.T) {
	storetest.RunJobStore(t, func(*testing.T) scraper.JobStore {
		return NewJobStore()
	})
}

func TestNewReviewStore_NilClockUsesSystemClock(t *testing.T) {
	t.Parallel()

	store := NewReviewStore(nil)
	require.IsType(t, system.Clock{}, store.clock)

	before := time.Now().Add(-time.Second)
	_, err := store.UpsertBatch(context.Background(), []scraper.Review{storetest.Review("R1", "B0TEST", "com", 4)})
	require.NoError(t, err)
	page, err := store.QueryReviews(context.Background(), "B0TEST", "com", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Reviews, 1)
	require.Equal(t, time.UTC, page.Reviews[0].IngestedAt.Location())
	require.True(t, page.Reviews[0].IngestedAt.After(before))
}
