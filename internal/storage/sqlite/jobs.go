package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type jobRow struct {
	ID              string         `db:"id"`
	ProductID       string         `db:"product_id"`
	Domain          string         `db:"domain"`
	Strategy        string         `db:"strategy"`
	State           string         `db:"state"`
	PagesFetched    int            `db:"pages_fetched"`
	RecordsIngested int            `db:"records_ingested"`
	RecordsRejected int            `db:"records_rejected"`
	FetchAttempts   int            `db:"fetch_attempts"`
	ErrorDetail     string         `db:"error_detail"`
	CreatedAt       string         `db:"created_at"`
	StartedAt       sql.NullString `db:"started_at"`
	FinishedAt      sql.NullString `db:"finished_at"`
}

const jobColumns = `id, product_id, domain, strategy, state, pages_fetched, records_ingested,
	records_rejected, fetch_attempts, error_detail, created_at, started_at, finished_at`

var terminalStates = []any{
	string(scraper.JobStateCompleted),
	string(scraper.JobStatePartial),
	string(scraper.JobStateFailed),
}

func (r jobRow) toJob() (scraper.Job, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return scraper.Job{}, err
	}
	started, err := parseNullTime(r.StartedAt)
	if err != nil {
		return scraper.Job{}, err
	}
	finished, err := parseNullTime(r.FinishedAt)
	if err != nil {
		return scraper.Job{}, err
	}
	return scraper.Job{
		ID:        r.ID,
		ProductID: r.ProductID,
		Domain:    r.Domain,
		Strategy:  scraper.Strategy(r.Strategy),
		State:     scraper.JobState(r.State),
		Progress: scraper.Progress{
			PagesFetched:    r.PagesFetched,
			RecordsIngested: r.RecordsIngested,
			RecordsRejected: r.RecordsRejected,
			FetchAttempts:   r.FetchAttempts,
		},
		ErrorDetail: r.ErrorDetail,
		CreatedAt:   created,
		StartedAt:   started,
		FinishedAt:  finished,
	}, nil
}

// CreateJob inserts job. An existing id yields scraper.ErrJobExists.
func (s *Store) CreateJob(ctx context.Context, job scraper.Job) error {
	row := jobRow{
		ID:              job.ID,
		ProductID:       job.ProductID,
		Domain:          job.Domain,
		Strategy:        string(job.Strategy),
		State:           string(job.State),
		PagesFetched:    job.Progress.PagesFetched,
		RecordsIngested: job.Progress.RecordsIngested,
		RecordsRejected: job.Progress.RecordsRejected,
		FetchAttempts:   job.Progress.FetchAttempts,
		ErrorDetail:     job.ErrorDetail,
		CreatedAt:       formatTime(job.CreatedAt),
		StartedAt:       nullTime(job.StartedAt),
		FinishedAt:      nullTime(job.FinishedAt),
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`) VALUES (
			:id, :product_id, :domain, :strategy, :state, :pages_fetched, :records_ingested,
			:records_rejected, :fetch_attempts, :error_detail, :created_at, :started_at, :finished_at
		) ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, scraper.ErrJobExists)
	}
	return nil
}

// ClaimJob moves a queued job to running.
func (s *Store) ClaimJob(ctx context.Context, jobID string, startedAt time.Time) (scraper.Job, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, started_at = ? WHERE id = ? AND state = ?`,
		string(scraper.JobStateRunning), formatTime(startedAt), jobID, string(scraper.JobStateQueued))
	if err != nil {
		return scraper.Job{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if err := s.explainNoop(ctx, res, jobID, scraper.ErrJobNotClaimable); err != nil {
		return scraper.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

// UpdateProgress replaces the counters of a non-terminal job.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress scraper.Progress) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET pages_fetched = ?, records_ingested = ?, records_rejected = ?, fetch_attempts = ?
		WHERE id = ? AND state NOT IN (`+placeholders(len(terminalStates))+`)`,
		append([]any{
			progress.PagesFetched, progress.RecordsIngested, progress.RecordsRejected, progress.FetchAttempts, jobID,
		}, terminalStates...)...)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", jobID, err)
	}
	if err := s.explainNoop(ctx, res, jobID, scraper.ErrJobFinished); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// FinishJob writes the terminal state, detail and final counters.
func (s *Store) FinishJob(
	ctx context.Context,
	jobID string,
	state scraper.JobState,
	detail string,
	progress scraper.Progress,
	finishedAt time.Time,
) error {
	if !state.Terminal() {
		return fmt.Errorf("finish job %s with non-terminal state %s: %w", jobID, state, scraper.ErrInvalidRequest)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, error_detail = ?, pages_fetched = ?, records_ingested = ?,
			records_rejected = ?, fetch_attempts = ?, finished_at = ?
		WHERE id = ? AND state NOT IN (`+placeholders(len(terminalStates))+`)`,
		append([]any{
			string(state), detail, progress.PagesFetched, progress.RecordsIngested,
			progress.RecordsRejected, progress.FetchAttempts, formatTime(finishedAt), jobID,
		}, terminalStates...)...)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	if err := s.explainNoop(ctx, res, jobID, scraper.ErrJobFinished); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (scraper.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return scraper.Job{}, fmt.Errorf("get job %s: %w", jobID, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return row.toJob()
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter scraper.JobFilter) ([]scraper.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if !filter.FinishedAfter.IsZero() {
		where = append(where, "finished_at > ?")
		args = append(args, formatTime(filter.FinishedAfter))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]scraper.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// explainNoop turns a zero-row update into ErrNotFound or the given state error.
func (s *Store) explainNoop(ctx context.Context, res sql.Result, jobID string, stateErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var state string
	err = s.db.GetContext(ctx, &state, `SELECT state FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	return fmt.Errorf("job %s in state %s: %w", jobID, state, stateErr)
}
