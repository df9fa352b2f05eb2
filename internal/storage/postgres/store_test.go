package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func review(id string, rating int) scraper.Review {
	return scraper.Review{
		ReviewID:        id,
		ProductID:       "B0TEST",
		Domain:          "com",
		Author:          "Author " + id,
		Title:           "Title " + id,
		Body:            "Body " + id,
		Rating:          rating,
		SourceTimestamp: "day " + id,
	}
}

func TestUpsertBatch_WritesReviewsAndStatsInOneTx(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("B0TEST", "com").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO reviews").
		WithArgs("R1", "B0TEST", "com", "Author R1", "Title R1", "Body R1", 5,
			pgxmock.AnyArg(), "", "day R1", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reviews").
		WithArgs("R2", "B0TEST", "com", "Author R2", "Title R2", "Body R2", 3,
			pgxmock.AnyArg(), "", "day R2", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO review_stats").
		WithArgs("B0TEST", "com", "day R2", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.UpsertBatch(context.Background(), []scraper.Review{
		review("R1", 5),
		review("R2", 3),
		review("R3", 9),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, "R3", res.Rejected[0].ReviewID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_AllRejectedSkipsDatabase(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	res, err := store.UpsertBatch(context.Background(), []scraper.Review{review("R1", 0)})
	require.NoError(t, err)
	require.Zero(t, res.Accepted)
	require.Len(t, res.Rejected, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_RollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO reviews").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := store.UpsertBatch(context.Background(), []scraper.Review{review("R1", 4)})
	require.ErrorContains(t, err, "deadlock detected")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBatch_LocksPartitionsInKeyOrderBeforeInserting(t *testing.T) {
	t.Parallel()

	uk := review("R1", 4)
	uk.Domain = "co.uk"
	com := review("R2", 5)

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("B0TEST", "co.uk").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("B0TEST", "com").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO reviews").
		WithArgs("R2", "B0TEST", "com", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 5,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO reviews").
		WithArgs("R1", "B0TEST", "co.uk", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), 4,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO review_stats").
		WithArgs("B0TEST", "com", "day R2", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO review_stats").
		WithArgs("B0TEST", "co.uk", "day R1", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.UpsertBatch(context.Background(), []scraper.Review{com, uk})
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryReviews_PagesWithCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	yes := true
	cols := []string{"review_id", "product_id", "domain", "seq", "author", "title", "body", "rating",
		"verified", "product_attributes", "source_timestamp", "ingested_at"}
	mock.ExpectQuery("SELECT review_id").
		WithArgs("B0TEST", "com", int64(4), "R4", 3).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("R5", "B0TEST", "com", int64(5), "A", "T", "B", 5, &yes, "", "d", testNow).
			AddRow("R6", "B0TEST", "com", int64(6), "A", "T", "B", 4, nil, "", "d", testNow).
			AddRow("R7", "B0TEST", "com", int64(7), "A", "T", "B", 3, nil, "", "d", testNow))

	cursor := scraper.EncodeCursor(scraper.Cursor{Seq: 4, ReviewID: "R4"})
	page, err := store.QueryReviews(context.Background(), "B0TEST", "com", cursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Reviews, 2)
	require.Equal(t, "R5", page.Reviews[0].ReviewID)
	require.True(t, *page.Reviews[0].Verified)
	require.Nil(t, page.Reviews[1].Verified)

	next, err := scraper.DecodeCursor(page.NextCursor)
	require.NoError(t, err)
	require.Equal(t, scraper.Cursor{Seq: 6, ReviewID: "R6"}, next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryReviews_InvalidCursorSkipsDatabase(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	_, err := store.QueryReviews(context.Background(), "B0TEST", "com", "garbage!", 10)
	require.ErrorIs(t, err, scraper.ErrInvalidCursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cols := []string{"review_count", "average_rating", "rating_1", "rating_2", "rating_3", "rating_4", "rating_5",
		"last_source_timestamp", "computed_at"}
	mock.ExpectQuery("FROM review_stats").
		WithArgs("B0TEST", "com").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(4), 3.5, int64(1), int64(0), int64(1), int64(0), int64(2), "day R4", testNow))

	stats, err := store.QueryStats(context.Background(), "B0TEST", "com")
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.ReviewCount)
	require.Equal(t, [5]int64{1, 0, 1, 0, 2}, stats.Histogram)
	require.Equal(t, "day R4", stats.LastSourceTimestamp)

	mock.ExpectQuery("FROM review_stats").WithArgs("B0NONE", "com").WillReturnError(pgx.ErrNoRows)
	_, err = store.QueryStats(context.Background(), "B0NONE", "com")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob_Duplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := scraper.Job{ID: "job-1", ProductID: "B0TEST", Domain: "com", Strategy: scraper.StrategyFree,
		State: scraper.JobStateQueued, CreatedAt: testNow}
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.ErrorIs(t, store.CreateJob(context.Background(), job), scraper.ErrJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func jobRow(state string, started *time.Time) []any {
	return []any{"job-1", "B0TEST", "com", "free", state, 0, 0, 0, 0, "", testNow, started, (*time.Time)(nil)}
}

var jobCols = []string{"id", "product_id", "domain", "strategy", "state", "pages_fetched", "records_ingested",
	"records_rejected", "fetch_attempts", "error_detail", "created_at", "started_at", "finished_at"}

func TestClaimJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	started := testNow.Add(time.Second)
	mock.ExpectQuery("UPDATE jobs SET state = 'running'").
		WithArgs("job-1", started).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow("running", &started)...))

	job, err := store.ClaimJob(context.Background(), "job-1", started)
	require.NoError(t, err)
	require.Equal(t, scraper.JobStateRunning, job.State)
	require.NotNil(t, job.StartedAt)
	require.True(t, job.StartedAt.Equal(started))

	mock.ExpectQuery("UPDATE jobs SET state = 'running'").WithArgs("job-1", started).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT state FROM jobs").WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("running"))
	_, err = store.ClaimJob(context.Background(), "job-1", started)
	require.ErrorIs(t, err, scraper.ErrJobNotClaimable)

	mock.ExpectQuery("UPDATE jobs SET state = 'running'").WithArgs("ghost", started).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT state FROM jobs").WithArgs("ghost").WillReturnError(pgx.ErrNoRows)
	_, err = store.ClaimJob(context.Background(), "ghost", started)
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	progress := scraper.Progress{PagesFetched: 1, RecordsIngested: 10, FetchAttempts: 2}
	mock.ExpectExec("UPDATE jobs SET state").
		WithArgs("job-1", "partial", "page 2: transient fetch error", 1, 10, 0, 2, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.FinishJob(context.Background(), "job-1", scraper.JobStatePartial,
		"page 2: transient fetch error", progress, testNow))

	mock.ExpectExec("UPDATE jobs SET state").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT state FROM jobs").WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("partial"))
	err := store.FinishJob(context.Background(), "job-1", scraper.JobStateFailed, "", progress, testNow)
	require.ErrorIs(t, err, scraper.ErrJobFinished)

	err = store.FinishJob(context.Background(), "job-1", scraper.JobStateRunning, "", progress, testNow)
	require.ErrorIs(t, err, scraper.ErrInvalidRequest)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgress(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET pages_fetched").
		WithArgs("job-1", 2, 15, 1, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateProgress(context.Background(), "job-1",
		scraper.Progress{PagesFetched: 2, RecordsIngested: 15, RecordsRejected: 1, FetchAttempts: 3}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobs_BuildsFilter(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE state = \$1 AND product_id = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3`).
		WithArgs("queued", "B0TEST", 5).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(jobRow("queued", nil)...))

	jobs, err := store.ListJobs(context.Background(), scraper.JobFilter{
		State: scraper.JobStateQueued, ProductID: "B0TEST", Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Nil(t, jobs[0].StartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM jobs WHERE id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	_, err := store.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	mock.ExpectPing()
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConstructorsValidate(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.ErrorIs(t, err, scraper.ErrConfiguration)

	_, err = NewWithPool(nil, nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewWithPool(mock, nil)
	require.NoError(t, err)
	require.IsType(t, system.Clock{}, store.clock)
}
