// Package postgres provides Postgres-backed review and job persistence.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements scraper.ReviewStore and scraper.JobStore.
type Store struct {
	pool  pool
	clock scraper.Clock
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reviews (
		review_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		seq BIGSERIAL,
		author TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
		verified BOOLEAN,
		product_attributes TEXT NOT NULL DEFAULT '',
		source_timestamp TEXT NOT NULL DEFAULT '',
		ingested_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (review_id, product_id, domain)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_listing ON reviews (product_id, domain, seq, review_id)`,
	`CREATE TABLE IF NOT EXISTS review_stats (
		product_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		review_count BIGINT NOT NULL,
		average_rating DOUBLE PRECISION NOT NULL,
		rating_1 BIGINT NOT NULL,
		rating_2 BIGINT NOT NULL,
		rating_3 BIGINT NOT NULL,
		rating_4 BIGINT NOT NULL,
		rating_5 BIGINT NOT NULL,
		last_source_timestamp TEXT NOT NULL DEFAULT '',
		computed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (product_id, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		strategy TEXT NOT NULL,
		state TEXT NOT NULL,
		pages_fetched INTEGER NOT NULL DEFAULT 0,
		records_ingested INTEGER NOT NULL DEFAULT 0,
		records_rejected INTEGER NOT NULL DEFAULT 0,
		fetch_attempts INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state, created_at DESC)`,
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock scraper.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required: %w", scraper.ErrConfiguration)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, clock)
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, clock scraper.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{pool: p, clock: clock}, nil
}

// EnsureSchema creates tables and indexes that do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
