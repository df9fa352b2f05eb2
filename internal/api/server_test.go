package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/cache/memory"
	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/dispatcher"
	"github.com/JakeFAU/review-harvester/internal/query"
	"github.com/JakeFAU/review-harvester/internal/scraper"
	memstore "github.com/JakeFAU/review-harvester/internal/storage/memory"
	"github.com/JakeFAU/review-harvester/internal/storage/storetest"
)

type fakeSubmitter struct {
	sub  dispatcher.Submission
	err  error
	reqs []scraper.SubmitRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req scraper.SubmitRequest) (dispatcher.Submission, error) {
	f.reqs = append(f.reqs, req)
	return f.sub, f.err
}

type fixture struct {
	server    *Server
	submitter *fakeSubmitter
	jobs      *memstore.JobStore
	reviews   *memstore.ReviewStore
}

func newFixture(t *testing.T, auth config.AuthConfig, checks ...ReadyCheck) *fixture {
	t.Helper()
	clock := storetest.NewClock()
	f := &fixture{
		submitter: &fakeSubmitter{},
		jobs:      memstore.NewJobStore(),
		reviews:   memstore.NewReviewStore(clock),
	}
	svc := query.New(f.reviews, memory.New(clock), time.Minute, zap.NewNop())
	f.server = NewServer(f.submitter, f.jobs, svc, auth, zap.NewNop(), checks...)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode(t, rec)["status"])
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := newFixture(t, config.AuthConfig{}, ReadyCheck{Name: "store", Check: func(context.Context) error { return nil }})
	require.Equal(t, http.StatusOK, ok.do(t, http.MethodGet, "/readyz", "").Code)

	bad := newFixture(t, config.AuthConfig{}, ReadyCheck{Name: "store", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})
	rec := bad.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	failures := decode(t, rec)["failures"].(map[string]any)
	require.Equal(t, "connection refused", failures["store"])
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	f.submitter.sub = dispatcher.Submission{Job: scraper.Job{ID: "job-1", State: scraper.JobStateQueued}}

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"product_id":"B0TEST","domain":"de","strategy":" Proxy "}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "job-1", body["job_id"])
	require.Equal(t, "queued", body["state"])
	require.Equal(t, []scraper.SubmitRequest{{ProductID: "B0TEST", Domain: "de", Strategy: scraper.StrategyProxy}}, f.submitter.reqs)
}

func TestSubmitJob_Reused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	f.submitter.sub = dispatcher.Submission{Job: scraper.Job{ID: "job-0", State: scraper.JobStateCompleted}, Reused: true}

	rec := f.do(t, http.MethodPost, "/v1/jobs", `{"product_id":"B0TEST"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["reused"])
}

func TestSubmitJob_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	rec := f.do(t, http.MethodPost, "/v1/jobs", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, f.submitter.reqs)

	f.submitter.err = errors.Join(scraper.ErrInvalidRequest, errors.New("product_id is required"))
	rec = f.do(t, http.MethodPost, "/v1/jobs", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.submitter.sub = dispatcher.Submission{Job: scraper.Job{ID: "job-9", State: scraper.JobStateFailed}}
	f.submitter.err = context.DeadlineExceeded
	rec = f.do(t, http.MethodPost, "/v1/jobs", `{"product_id":"B0TEST"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.jobs.CreateJob(context.Background(), scraper.Job{
		ID: "job-1", ProductID: "B0TEST", Domain: "com", Strategy: scraper.StrategyFree,
		State: scraper.JobStateQueued, CreatedAt: created,
	}))
	_, err := f.jobs.ClaimJob(context.Background(), "job-1", created.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, f.jobs.UpdateProgress(context.Background(), "job-1", scraper.Progress{PagesFetched: 2, RecordsIngested: 20, FetchAttempts: 3}))

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "running", body["state"])
	require.EqualValues(t, 2, body["pages_fetched"])
	require.EqualValues(t, 20, body["records_ingested"])
	require.EqualValues(t, 3, body["fetch_attempts"])
	require.NotNil(t, body["started_at"])
	require.Nil(t, body["finished_at"])

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/missing", "").Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.jobs.CreateJob(context.Background(), scraper.Job{
			ID: id, ProductID: "B0TEST", Domain: "com", Strategy: scraper.StrategyFree,
			State: scraper.JobStateQueued, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := f.do(t, http.MethodGet, "/v1/jobs?state=queued&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 2)
	require.Equal(t, "c", jobs[0].(map[string]any)["job_id"])

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?state=sleeping", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?limit=ten", "").Code)
}

func TestReviewsAndStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	var batch []scraper.Review
	for i, rating := range []int{5, 4, 5} {
		batch = append(batch, storetest.Review(string(rune('a'+i)), "B0TEST", "com", rating))
	}
	_, err := f.reviews.UpsertBatch(context.Background(), batch)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/reviews?product_id=B0TEST&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	next := rec.Header().Get("X-Next-Cursor")
	require.NotEmpty(t, next)
	require.Len(t, decode(t, rec)["reviews"].([]any), 2)

	rec = f.do(t, http.MethodGet, "/v1/reviews?product_id=B0TEST&limit=2", "")
	require.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	require.Equal(t, next, rec.Header().Get("X-Next-Cursor"))

	rec = f.do(t, http.MethodGet, "/v1/reviews?product_id=B0TEST&limit=2&cursor="+next, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-Next-Cursor"))
	require.Len(t, decode(t, rec)["reviews"].([]any), 1)

	rec = f.do(t, http.MethodGet, "/v1/stats?product_id=B0TEST", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	require.EqualValues(t, 3, stats["review_count"])
	require.InDelta(t, 14.0/3.0, stats["average_rating"], 1e-9)
}

func TestReviews_BadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{})
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/reviews", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/reviews?product_id=B0TEST&cursor=!!!", "").Code)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/reviews?product_id=B0TEST&limit=x", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/stats?product_id=B0NONE", "").Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.AuthConfig{Enabled: true, APIKey: "secret"})
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs", "").Code)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs", "", "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs", "", "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
