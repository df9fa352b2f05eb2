// Package sqlite persists jobs and reviews in a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

const driverName = "sqlite"

// timeLayout is fixed width so text comparison orders instants correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS reviews (
	review_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	seq INTEGER NOT NULL,
	author TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
	verified INTEGER,
	product_attributes TEXT NOT NULL DEFAULT '',
	source_timestamp TEXT NOT NULL DEFAULT '',
	ingested_at TEXT NOT NULL,
	PRIMARY KEY (review_id, product_id, domain)
);
CREATE INDEX IF NOT EXISTS idx_reviews_listing ON reviews (product_id, domain, seq, review_id);

CREATE TABLE IF NOT EXISTS review_stats (
	product_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	review_count INTEGER NOT NULL,
	average_rating REAL NOT NULL,
	rating_1 INTEGER NOT NULL,
	rating_2 INTEGER NOT NULL,
	rating_3 INTEGER NOT NULL,
	rating_4 INTEGER NOT NULL,
	rating_5 INTEGER NOT NULL,
	last_source_timestamp TEXT NOT NULL DEFAULT '',
	computed_at TEXT NOT NULL,
	PRIMARY KEY (product_id, domain)
);

CREATE TABLE IF NOT EXISTS jobs (
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
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state, created_at);
`

// Store implements scraper.ReviewStore and scraper.JobStore on SQLite.
type Store struct {
	db    *sqlx.DB
	clock scraper.Clock
}

// Open connects to the database at path, enables WAL for file databases and
// creates the schema. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, clock scraper.Clock) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required: %w", scraper.ErrConfiguration)
	}
	if clock == nil {
		clock = system.New()
	}
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection serialises writers and keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rollback is deferred after BeginTxx; it is a no-op once the tx committed.
func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
