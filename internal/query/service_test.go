package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cachememory "github.com/JakeFAU/review-harvester/internal/cache/memory"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type fakeStore struct {
	mu          sync.Mutex
	reviewCalls int
	statsCalls  int
	page        scraper.ReviewPage
	stats       scraper.ReviewStats
	statsErr    error
	lastKey     [2]string
}

func (f *fakeStore) UpsertBatch(context.Context, []scraper.Review) (scraper.BatchResult, error) {
	return scraper.BatchResult{}, nil
}

func (f *fakeStore) QueryReviews(_ context.Context, productID, domain, _ string, _ int) (scraper.ReviewPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewCalls++
	f.lastKey = [2]string{productID, domain}
	return f.page, nil
}

func (f *fakeStore) QueryStats(_ context.Context, productID, domain string) (scraper.ReviewStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls++
	f.lastKey = [2]string{productID, domain}
	return f.stats, f.statsErr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func TestReviews_HitWithinTTLIsByteIdentical(t *testing.T) {
	t.Parallel()

	store := &fakeStore{page: scraper.ReviewPage{
		Reviews:    []scraper.Review{{ReviewID: "R1", ProductID: "B0TEST", Domain: "com", Rating: 5}},
		NextCursor: "next",
	}}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc := New(store, cachememory.New(clock), 900*time.Second, zap.NewNop())
	q := ReviewQuery{ProductID: "B0TEST", Domain: "com"}

	first, err := svc.Reviews(context.Background(), q)
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	require.Equal(t, "next", first.NextCursor)

	store.page.Reviews[0].Title = "changed underneath"
	clock.Advance(899 * time.Second)
	second, err := svc.Reviews(context.Background(), q)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, first.Payload, second.Payload)
	require.Equal(t, "next", second.NextCursor)
	require.Equal(t, 1, store.reviewCalls)

	clock.Advance(time.Second)
	third, err := svc.Reviews(context.Background(), q)
	require.NoError(t, err)
	require.False(t, third.CacheHit)
	require.Contains(t, string(third.Payload), "changed underneath")
	require.Equal(t, 2, store.reviewCalls)
}

func TestReviews_DefaultsAndValidation(t *testing.T) {
	t.Parallel()

	svc := New(&fakeStore{}, nil, 0, nil)

	res, err := svc.Reviews(context.Background(), ReviewQuery{ProductID: "B0TEST"})
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Payload, &body))
	require.Equal(t, "com", body["domain"])
	require.Equal(t, []any{}, body["reviews"])

	_, err = svc.Reviews(context.Background(), ReviewQuery{})
	require.ErrorIs(t, err, scraper.ErrInvalidRequest)

	_, err = svc.Reviews(context.Background(), ReviewQuery{ProductID: "B0TEST", Cursor: "!!"})
	require.ErrorIs(t, err, scraper.ErrInvalidCursor)
}

func TestQueries_NormalizeDomainBeforeStoreAndCache(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stats: scraper.ReviewStats{ReviewCount: 2}}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	svc := New(store, cachememory.New(clock), time.Minute, zap.NewNop())

	first, err := svc.Reviews(context.Background(), ReviewQuery{ProductID: " B0TEST ", Domain: " CO.UK "})
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	require.Equal(t, [2]string{"B0TEST", "co.uk"}, store.lastKey)
	var body map[string]any
	require.NoError(t, json.Unmarshal(first.Payload, &body))
	require.Equal(t, "co.uk", body["domain"])

	second, err := svc.Reviews(context.Background(), ReviewQuery{ProductID: "B0TEST", Domain: "co.uk"})
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, 1, store.reviewCalls)

	_, err = svc.Stats(context.Background(), "B0TEST", "DE")
	require.NoError(t, err)
	require.Equal(t, [2]string{"B0TEST", "de"}, store.lastKey)
	hit, err := svc.Stats(context.Background(), "B0TEST", "de")
	require.NoError(t, err)
	require.True(t, hit.CacheHit)
	require.Equal(t, 1, store.statsCalls)

	_, err = svc.Stats(context.Background(), "B0TEST", "   ")
	require.NoError(t, err)
	require.Equal(t, [2]string{"B0TEST", "com"}, store.lastKey)
}

func TestStats_NotFoundIsNotCached(t *testing.T) {
	t.Parallel()

	store := &fakeStore{statsErr: scraper.ErrNotFound}
	svc := New(store, cachememory.New(nil), time.Minute, zap.NewNop())

	_, err := svc.Stats(context.Background(), "B0TEST", "com")
	require.ErrorIs(t, err, scraper.ErrNotFound)

	store.statsErr = nil
	store.stats = scraper.ReviewStats{ProductID: "B0TEST", Domain: "com", ReviewCount: 1, AverageRating: 4, Histogram: [5]int64{0, 0, 0, 1, 0}}
	res, err := svc.Stats(context.Background(), "B0TEST", "com")
	require.NoError(t, err)
	require.False(t, res.CacheHit)

	res, err = svc.Stats(context.Background(), "B0TEST", "com")
	require.NoError(t, err)
	require.True(t, res.CacheHit)
	require.Equal(t, 2, store.statsCalls)
}

func TestCacheFailureFallsBackToStore(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stats: scraper.ReviewStats{ProductID: "B0TEST", Domain: "com", ReviewCount: 2}}
	svc := New(store, brokenCache{}, time.Minute, zap.NewNop())

	res, err := svc.Stats(context.Background(), "B0TEST", "com")
	require.NoError(t, err)
	require.False(t, res.CacheHit)
	require.Contains(t, string(res.Payload), `"review_count":2`)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	require.Equal(t, "reviews:co.uk:B0TEST:20:start", ReviewsKey(ReviewQuery{ProductID: "B0TEST", Domain: "co.uk", Limit: 20}))
	require.Equal(t, "reviews:com:B0TEST:5:abc", ReviewsKey(ReviewQuery{ProductID: "B0TEST", Domain: "com", Limit: 5, Cursor: "abc"}))
	require.Equal(t, "stats:com:B0TEST", StatsKey("B0TEST", "com"))
}
