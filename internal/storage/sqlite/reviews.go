package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type reviewRow struct {
	ReviewID          string       `db:"review_id"`
	ProductID         string       `db:"product_id"`
	Domain            string       `db:"domain"`
	Seq               int64        `db:"seq"`
	Author            string       `db:"author"`
	Title             string       `db:"title"`
	Body              string       `db:"body"`
	Rating            int          `db:"rating"`
	Verified          sql.NullBool `db:"verified"`
	ProductAttributes string       `db:"product_attributes"`
	SourceTimestamp   string       `db:"source_timestamp"`
	IngestedAt        string       `db:"ingested_at"`
}

func (r reviewRow) toReview() (scraper.Review, error) {
	ingested, err := parseTime(r.IngestedAt)
	if err != nil {
		return scraper.Review{}, err
	}
	out := scraper.Review{
		ReviewID:          r.ReviewID,
		ProductID:         r.ProductID,
		Domain:            r.Domain,
		Author:            r.Author,
		Title:             r.Title,
		Body:              r.Body,
		Rating:            r.Rating,
		ProductAttributes: r.ProductAttributes,
		SourceTimestamp:   r.SourceTimestamp,
		IngestedAt:        ingested,
	}
	if r.Verified.Valid {
		v := r.Verified.Bool
		out.Verified = &v
	}
	return out, nil
}

type statsRow struct {
	ProductID           string  `db:"product_id"`
	Domain              string  `db:"domain"`
	ReviewCount         int64   `db:"review_count"`
	AverageRating       float64 `db:"average_rating"`
	Rating1             int64   `db:"rating_1"`
	Rating2             int64   `db:"rating_2"`
	Rating3             int64   `db:"rating_3"`
	Rating4             int64   `db:"rating_4"`
	Rating5             int64   `db:"rating_5"`
	LastSourceTimestamp string  `db:"last_source_timestamp"`
	ComputedAt          string  `db:"computed_at"`
}

type ratingCount struct {
	Rating int   `db:"rating"`
	N      int64 `db:"n"`
}

// seq is assigned on first insert only; the conflict branch leaves it alone so
// a replaced review keeps its listing position.
const upsertReviewSQL = `
INSERT INTO reviews (
	review_id, product_id, domain, seq, author, title, body, rating,
	verified, product_attributes, source_timestamp, ingested_at
) VALUES (
	:review_id, :product_id, :domain,
	(SELECT COALESCE(MAX(seq), 0) + 1 FROM reviews WHERE product_id = :product_id AND domain = :domain),
	:author, :title, :body, :rating, :verified, :product_attributes, :source_timestamp, :ingested_at
)
ON CONFLICT (review_id, product_id, domain) DO UPDATE SET
	author = excluded.author,
	title = excluded.title,
	body = excluded.body,
	rating = excluded.rating,
	verified = excluded.verified,
	product_attributes = excluded.product_attributes,
	source_timestamp = excluded.source_timestamp,
	ingested_at = excluded.ingested_at`

const upsertStatsSQL = `
INSERT INTO review_stats (
	product_id, domain, review_count, average_rating,
	rating_1, rating_2, rating_3, rating_4, rating_5,
	last_source_timestamp, computed_at
) VALUES (
	:product_id, :domain, :review_count, :average_rating,
	:rating_1, :rating_2, :rating_3, :rating_4, :rating_5,
	:last_source_timestamp, :computed_at
)
ON CONFLICT (product_id, domain) DO UPDATE SET
	review_count = excluded.review_count,
	average_rating = excluded.average_rating,
	rating_1 = excluded.rating_1,
	rating_2 = excluded.rating_2,
	rating_3 = excluded.rating_3,
	rating_4 = excluded.rating_4,
	rating_5 = excluded.rating_5,
	last_source_timestamp = excluded.last_source_timestamp,
	computed_at = excluded.computed_at`

type partition struct {
	productID string
	domain    string
}

// UpsertBatch stores valid reviews and recomputes stats for each touched
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

	now := s.clock.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return scraper.BatchResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer rollback(tx)

	lastTS := make(map[partition]string)
	order := make([]partition, 0, 1)
	for _, r := range valid {
		row := reviewRow{
			ReviewID:          r.ReviewID,
			ProductID:         r.ProductID,
			Domain:            r.Domain,
			Author:            r.Author,
			Title:             r.Title,
			Body:              r.Body,
			Rating:            r.Rating,
			ProductAttributes: r.ProductAttributes,
			SourceTimestamp:   r.SourceTimestamp,
			IngestedAt:        formatTime(now),
		}
		if r.Verified != nil {
			row.Verified = sql.NullBool{Bool: *r.Verified, Valid: true}
		}
		if _, err := tx.NamedExecContext(ctx, upsertReviewSQL, row); err != nil {
			return scraper.BatchResult{}, fmt.Errorf("upsert review %s: %w", r.ReviewID, err)
		}
		key := partition{productID: r.ProductID, domain: r.Domain}
		if _, seen := lastTS[key]; !seen {
			order = append(order, key)
		}
		lastTS[key] = r.SourceTimestamp
	}

	for _, key := range order {
		if err := s.refreshStats(ctx, tx, key, lastTS[key], now); err != nil {
			return scraper.BatchResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return scraper.BatchResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	result.Accepted = len(valid)
	return result, nil
}

type namedExecQuerier interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func (s *Store) refreshStats(ctx context.Context, tx namedExecQuerier, key partition, lastTS string, now time.Time) error {
	var counts []ratingCount
	err := tx.SelectContext(ctx, &counts,
		`SELECT rating, COUNT(*) AS n FROM reviews WHERE product_id = ? AND domain = ? GROUP BY rating`,
		key.productID, key.domain)
	if err != nil {
		return fmt.Errorf("count ratings for %s/%s: %w", key.productID, key.domain, err)
	}
	var histogram [5]int64
	for _, c := range counts {
		if c.Rating >= scraper.MinRating && c.Rating <= scraper.MaxRating {
			histogram[c.Rating-1] = c.N
		}
	}
	count, avg := scraper.Summarize(histogram)
	row := statsRow{
		ProductID:           key.productID,
		Domain:              key.domain,
		ReviewCount:         count,
		AverageRating:       avg,
		Rating1:             histogram[0],
		Rating2:             histogram[1],
		Rating3:             histogram[2],
		Rating4:             histogram[3],
		Rating5:             histogram[4],
		LastSourceTimestamp: lastTS,
		ComputedAt:          formatTime(now),
	}
	if _, err := tx.NamedExecContext(ctx, upsertStatsSQL, row); err != nil {
		return fmt.Errorf("upsert stats for %s/%s: %w", key.productID, key.domain, err)
	}
	return nil
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

	var rows []reviewRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT review_id, product_id, domain, seq, author, title, body, rating,
			verified, product_attributes, source_timestamp, ingested_at
		FROM reviews
		WHERE product_id = ? AND domain = ? AND (seq > ? OR (seq = ? AND review_id > ?))
		ORDER BY seq, review_id
		LIMIT ?`,
		productID, domain, pos.Seq, pos.Seq, pos.ReviewID, limit+1)
	if err != nil {
		return scraper.ReviewPage{}, fmt.Errorf("query reviews: %w", err)
	}

	more := len(rows) > limit
	if more {
		rows = rows[:limit]
	}
	page := scraper.ReviewPage{Reviews: make([]scraper.Review, 0, len(rows))}
	for _, row := range rows {
		review, err := row.toReview()
		if err != nil {
			return scraper.ReviewPage{}, err
		}
		page.Reviews = append(page.Reviews, review)
	}
	if more {
		last := rows[len(rows)-1]
		page.NextCursor = scraper.EncodeCursor(scraper.Cursor{Seq: last.Seq, ReviewID: last.ReviewID})
	}
	return page, nil
}

// QueryStats returns the stored aggregate for a product/domain.
func (s *Store) QueryStats(ctx context.Context, productID, domain string) (scraper.ReviewStats, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT product_id, domain, review_count, average_rating,
			rating_1, rating_2, rating_3, rating_4, rating_5,
			last_source_timestamp, computed_at
		FROM review_stats WHERE product_id = ? AND domain = ?`, productID, domain)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && row.ReviewCount == 0) {
		return scraper.ReviewStats{}, fmt.Errorf("no reviews stored for %s/%s: %w", productID, domain, scraper.ErrNotFound)
	}
	if err != nil {
		return scraper.ReviewStats{}, fmt.Errorf("query stats: %w", err)
	}
	computed, err := parseTime(row.ComputedAt)
	if err != nil {
		return scraper.ReviewStats{}, err
	}
	return scraper.ReviewStats{
		ProductID:           row.ProductID,
		Domain:              row.Domain,
		ReviewCount:         row.ReviewCount,
		AverageRating:       row.AverageRating,
		Histogram:           [5]int64{row.Rating1, row.Rating2, row.Rating3, row.Rating4, row.Rating5},
		LastSourceTimestamp: row.LastSourceTimestamp,
		ComputedAt:          computed,
	}, nil
}
