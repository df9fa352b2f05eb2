package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

const jobColumns = `id, product_id, domain, strategy, state, pages_fetched, records_ingested,
	records_rejected, fetch_attempts, error_detail, created_at, started_at, finished_at`

const terminalStatesSQL = `('completed', 'partial', 'failed')`

func scanJob(row pgx.Row) (scraper.Job, error) {
	var (
		job      scraper.Job
		strategy string
		state    string
		started  *time.Time
		finished *time.Time
	)
	err := row.Scan(
		&job.ID, &job.ProductID, &job.Domain, &strategy, &state,
		&job.Progress.PagesFetched, &job.Progress.RecordsIngested,
		&job.Progress.RecordsRejected, &job.Progress.FetchAttempts,
		&job.ErrorDetail, &job.CreatedAt, &started, &finished,
	)
	if err != nil {
		return scraper.Job{}, err
	}
	job.Strategy = scraper.Strategy(strategy)
	job.State = scraper.JobState(state)
	job.CreatedAt = job.CreatedAt.UTC()
	if started != nil {
		t := started.UTC()
		job.StartedAt = &t
	}
	if finished != nil {
		t := finished.UTC()
		job.FinishedAt = &t
	}
	return job, nil
}

// CreateJob inserts job. An existing id yields scraper.ErrJobExists.
func (s *Store) CreateJob(ctx context.Context, job scraper.Job) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.ProductID, job.Domain, string(job.Strategy), string(job.State),
		job.Progress.PagesFetched, job.Progress.RecordsIngested,
		job.Progress.RecordsRejected, job.Progress.FetchAttempts,
		job.ErrorDetail, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, scraper.ErrJobExists)
	}
	return nil
}

// ClaimJob moves a queued job to running and returns the updated row.
func (s *Store) ClaimJob(ctx context.Context, jobID string, startedAt time.Time) (scraper.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET state = 'running', started_at = $2
		WHERE id = $1 AND state = 'queued'
		RETURNING `+jobColumns, jobID, startedAt)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Job{}, fmt.Errorf("claim job: %w", s.explainNoop(ctx, jobID, scraper.ErrJobNotClaimable))
	}
	if err != nil {
		return scraper.Job{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return job, nil
}

// UpdateProgress replaces the counters of a non-terminal job.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress scraper.Progress) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET pages_fetched = $2, records_ingested = $3, records_rejected = $4, fetch_attempts = $5
		WHERE id = $1 AND state NOT IN `+terminalStatesSQL,
		jobID, progress.PagesFetched, progress.RecordsIngested, progress.RecordsRejected, progress.FetchAttempts)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update progress: %w", s.explainNoop(ctx, jobID, scraper.ErrJobFinished))
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, error_detail = $3, pages_fetched = $4, records_ingested = $5,
			records_rejected = $6, fetch_attempts = $7, finished_at = $8
		WHERE id = $1 AND state NOT IN `+terminalStatesSQL,
		jobID, string(state), detail, progress.PagesFetched, progress.RecordsIngested,
		progress.RecordsRejected, progress.FetchAttempts, finishedAt)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job: %w", s.explainNoop(ctx, jobID, scraper.ErrJobFinished))
	}
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (scraper.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return scraper.Job{}, fmt.Errorf("get job %s: %w", jobID, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter scraper.JobFilter) ([]scraper.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Domain != "" {
		add("domain = $%d", filter.Domain)
	}
	if !filter.FinishedAfter.IsZero() {
		add("finished_at > $%d", filter.FinishedAfter)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs := []scraper.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// explainNoop reports why a guarded update touched no rows.
func (s *Store) explainNoop(ctx context.Context, jobID string, stateErr error) error {
	var state string
	err := s.pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, jobID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	return fmt.Errorf("job %s in state %s: %w", jobID, state, stateErr)
}
