package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// seq comes from BIGSERIAL on first insert; the conflict branch never touches it.
const upsertReviewSQL = `
INSERT INTO reviews (
	review_id, product_id, domain, author, title, body, rating,
	verified, product_attributes, source_timestamp, ingested_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (review_id, product_id, domain) DO UPDATE SET
	author = EXCLUDED.author,
	title = EXCLUDED.title,
	body = EXCLUDED.body,
	rating = EXCLUDED.rating,
	verified = EXCLUDED.verified,
	product_attributes = EXCLUDED.product_attributes,
	source_timestamp = EXCLUDED.source_timestamp,
	ingested_at = EXCLUDED.ingested_at`

// lockPartitionSQL serializes writers of one product/domain until commit so
// seq values become visible in the order they were assigned.
const lockPartitionSQL = `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`

const refreshStatsSQL = `
INSERT INTO review_stats (
	product_id, domain, review_count, average_rating,
	rating_1, rating_2, rating_3, rating_4, rating_5,
	last_source_timestamp, computed_at
)
SELECT $1::text, $2::text, COUNT(*), COALESCE(AVG(rating), 0),
	COUNT(*) FILTER (WHERE rating = 1),
	COUNT(*) FILTER (WHERE rating = 2),
	COUNT(*) FILTER (WHERE rating = 3),
	COUNT(*) FILTER (WHERE rating = 4),
	COUNT(*) FILTER (WHERE rating = 5),
	$3::text, $4::timestamptz
FROM reviews WHERE product_id = $1 AND domain = $2
ON CONFLICT (product_id, domain) DO UPDATE SET
	review_count = EXCLUDED.review_count,
	average_rating = EXCLUDED.average_rating,
	rating_1 = EXCLUDED.rating_1,
	rating_2 = EXCLUDED.rating_2,
	rating_3 = EXCLUDED.rating_3,
	rating_4 = EXCLUDED.rating_4,
	rating_5 = EXCLUDED.rating_5,
	last_source_timestamp = EXCLUDED.last_source_timestamp,
	computed_at = EXCLUDED.computed_at`

const selectReviewsSQL = `
SELECT review_id, product_id, domain, seq, author, title, body, rating,
	verified, product_attributes, source_timestamp, ingested_at
FROM reviews
WHERE product_id = $1 AND domain = $2 AND (seq, review_id) > ($3, $4)
ORDER BY seq, review_id
LIMIT $5`

const selectStatsSQL = `
SELECT review_count, average_rating, rating_1, rating_2, rating_3, rating_4, rating_5,
	last_source_timestamp, computed_at
FROM review_stats WHERE product_id = $1 AND domain = $2`

type partition struct {
	productID string
	domain    string
}

// UpsertBatch stores valid reviews and refreshes stats for every touched
// product/domain inside one transaction.
func (s *Store) UpsertBatch(ctx context.Context, reviews []scraper.Review) (scraper.BatchResult, error) {
	var result scraper.BatchResult
	valid := make([]scraper.Review, 0, len(reviews))
	for _, r := range reviews {
		r = scraper.NormalizeReview(r)
		if err := scraper.ValidateReview(r); err != nil {
			result.Rejected = append(result.Rejected, scraper.Rejection{ReviewID: r.ReviewID, Reason: err.Error()})
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return result, nil
	}

	lastTS := make(map[partition]string)
	order := make([]partition, 0, 1)
	for _, r := range valid {
		key := partition{productID: r.ProductID, domain: r.Domain}
		if _, seen := lastTS[key]; !seen {
			order = append(order, key)
		}
		lastTS[key] = r.SourceTimestamp
	}

	now := s.clock.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scraper.BatchResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locks := slices.Clone(order)
	slices.SortFunc(locks, func(a, b partition) int {
		return cmp.Or(cmp.Compare(a.productID, b.productID), cmp.Compare(a.domain, b.domain))
	})
	for _, key := range locks {
		if _, err := tx.Exec(ctx, lockPartitionSQL, key.productID, key.domain); err != nil {
			return scraper.BatchResult{}, fmt.Errorf("lock %s/%s: %w", key.productID, key.domain, err)
		}
	}
	for _, r := range valid {
		_, err := tx.Exec(ctx, upsertReviewSQL,
			r.ReviewID, r.ProductID, r.Domain, r.Author, r.Title, r.Body, r.Rating,
			r.Verified, r.ProductAttributes, r.SourceTimestamp, now)
		if err != nil {
			return scraper.BatchResult{}, fmt.Errorf("upsert review %s: %w", r.ReviewID, err)
		}
	}
	for _, key := range order {
		if _, err := tx.Exec(ctx, refreshStatsSQL, key.productID, key.domain, lastTS[key], now); err != nil {
			return scraper.BatchResult{}, fmt.Errorf("refresh stats for %s/%s: %w", key.productID, key.domain, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return scraper.BatchResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	result.Accepted = len(valid)
	return result, nil
}

// QueryReviews returns up to limit reviews after cursor ordered by (seq, review_id).
func (s *Store) QueryReviews(
	ctx context.Context,
	productID, domain, cursor string,
	limit int,
) (scraper.ReviewPage, error) {
	pos, err := scraper.DecodeCursor(cursor)
	if err != nil {
		return scraper.ReviewPage{}, err
	}
	limit = scraper.ClampLimit(limit)

	rows, err := s.pool.Query(ctx, selectReviewsSQL, productID, domain, pos.Seq, pos.ReviewID, limit+1)
	if err != nil {
		return scraper.ReviewPage{}, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var (
		reviews []scraper.Review
		seqs    []int64
	)
	for rows.Next() {
		var (
			r        scraper.Review
			seq      int64
			verified *bool
		)
		if err := rows.Scan(
			&r.ReviewID, &r.ProductID, &r.Domain, &seq, &r.Author, &r.Title, &r.Body, &r.Rating,
			&verified, &r.ProductAttributes, &r.SourceTimestamp, &r.IngestedAt,
		); err != nil {
			return scraper.ReviewPage{}, fmt.Errorf("scan review: %w", err)
		}
		r.Verified = verified
		reviews = append(reviews, r)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return scraper.ReviewPage{}, fmt.Errorf("iterate reviews: %w", err)
	}

	page := scraper.ReviewPage{Reviews: []scraper.Review{}}
	if len(reviews) > limit {
		reviews = reviews[:limit]
		last := len(reviews) - 1
		page.NextCursor = scraper.EncodeCursor(scraper.Cursor{Seq: seqs[last], ReviewID: reviews[last].ReviewID})
	}
	page.Reviews = append(page.Reviews, reviews...)
	return page, nil
}

// QueryStats returns the stored aggregate for a product/domain.
func (s *Store) QueryStats(ctx context.Context, productID, domain string) (scraper.ReviewStats, error) {
	stats := scraper.ReviewStats{ProductID: productID, Domain: domain}
	var computed time.Time
	err := s.pool.QueryRow(ctx, selectStatsSQL, productID, domain).Scan(
		&stats.ReviewCount, &stats.AverageRating,
		&stats.Histogram[0], &stats.Histogram[1], &stats.Histogram[2], &stats.Histogram[3], &stats.Histogram[4],
		&stats.LastSourceTimestamp, &computed,
	)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && stats.ReviewCount == 0) {
		return scraper.ReviewStats{}, fmt.Errorf("no reviews stored for %s/%s: %w", productID, domain, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.ReviewStats{}, fmt.Errorf("query stats: %w", err)
	}
	stats.ComputedAt = computed.UTC()
	return stats, nil
}
