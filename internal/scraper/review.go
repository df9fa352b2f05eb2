package scraper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// AnonymousAuthor is stored when the source omits the reviewer name.
const AnonymousAuthor = "Anonymous"

// Rating bounds, inclusive.
const (
	MinRating = 1
	MaxRating = 5
)

// NormalizeReview trims text fields and fills defaults.
func NormalizeReview(r Review) Review {
	r.ReviewID = strings.TrimSpace(r.ReviewID)
	r.Author = strings.TrimSpace(r.Author)
	if r.Author == "" {
		r.Author = AnonymousAuthor
	}
	r.Title = strings.TrimSpace(r.Title)
	r.Body = strings.TrimSpace(r.Body)
	r.ProductAttributes = strings.TrimSpace(r.ProductAttributes)
	r.SourceTimestamp = strings.TrimSpace(r.SourceTimestamp)
	return r
}

// ValidateReview checks the invariants a review must satisfy before it is stored.
func ValidateReview(r Review) error {
	if r.ReviewID == "" {
		return fmt.Errorf("review id is required: %w", ErrValidation)
	}
	if r.ProductID == "" || r.Domain == "" {
		return fmt.Errorf("review %s: product identity is required: %w", r.ReviewID, ErrValidation)
	}
	if r.Rating < MinRating || r.Rating > MaxRating {
		return fmt.Errorf("review %s: rating %d outside [%d,%d]: %w", r.ReviewID, r.Rating, MinRating, MaxRating, ErrValidation)
	}
	return nil
}

// DeriveReviewID builds a stable identifier for sources that omit one.
func DeriveReviewID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return "R" + strings.ToUpper(hex.EncodeToString(sum[:])[:10])
}

// Summarize derives count and weighted mean from a rating histogram.
func Summarize(histogram [5]int64) (int64, float64) {
	var count, total int64
	for i, n := range histogram {
		count += n
		total += int64(i+1) * n
	}
	if count == 0 {
		return 0, 0
	}
	return count, float64(total) / float64(count)
}

// Upsert stores a single review through a batch-oriented store. It reports whether
// the review was accepted and, if not, why.
func Upsert(ctx context.Context, store ReviewStore, review Review) (bool, string, error) {
	res, err := store.UpsertBatch(ctx, []Review{review})
	if err != nil {
		return false, "", err
	}
	if len(res.Rejected) > 0 {
		return false, res.Rejected[0].Reason, nil
	}
	return res.Accepted == 1, "", nil
}
