package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type partitionKey struct {
	productID string
	domain    string
}

type storedReview struct {
	review scraper.Review
	seq    int64
}

// partition holds the reviews of one product/domain. order lists review ids by
// ascending seq; seq values only grow, so appends keep it sorted.
type partition struct {
	mu        sync.Mutex
	reviews   map[string]storedReview
	order     []string
	nextSeq   int64
	histogram [5]int64
	lastTS    string
	computed  time.Time
}

// ReviewStore keeps reviews in memory with one lock per product/domain.
type ReviewStore struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partition
	clock      scraper.Clock
}

// NewReviewStore constructs a ReviewStore. A nil clock uses wall time.
func NewReviewStore(clock scraper.Clock) *ReviewStore {
	if clock == nil {
		clock = system.New()
	}
	return &ReviewStore{
		partitions: make(map[partitionKey]*partition),
		clock:      clock,
	}
}

// UpsertBatch validates and stores reviews, updating the stats of each touched
// partition while its lock is held.
func (s *ReviewStore) UpsertBatch(ctx context.Context, reviews []scraper.Review) (scraper.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return scraper.BatchResult{}, fmt.Errorf("upsert batch: %w", err)
	}
	var result scraper.BatchResult
	grouped := make(map[partitionKey][]scraper.Review)
	keys := make([]partitionKey, 0, 1)
	for _, r := range reviews {
		r = scraper.NormalizeReview(r)
		if err := scraper.ValidateReview(r); err != nil {
			result.Rejected = append(result.Rejected, scraper.Rejection{ReviewID: r.ReviewID, Reason: err.Error()})
			continue
		}
		key := partitionKey{productID: r.ProductID, domain: r.Domain}
		if _, seen := grouped[key]; !seen {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], r)
	}

	now := s.clock.Now()
	for _, key := range keys {
		p := s.partition(key, true)
		p.mu.Lock()
		for _, r := range grouped[key] {
			r.IngestedAt = now
			p.put(r)
			result.Accepted++
		}
		p.computed = now
		p.mu.Unlock()
	}
	return result, nil
}

func (p *partition) put(r scraper.Review) {
	existing, ok := p.reviews[r.ReviewID]
	if ok {
		p.histogram[existing.review.Rating-1]--
		existing.review = r
		p.reviews[r.ReviewID] = existing
	} else {
		p.nextSeq++
		p.reviews[r.ReviewID] = storedReview{review: r, seq: p.nextSeq}
		p.order = append(p.order, r.ReviewID)
	}
	p.histogram[r.Rating-1]++
	p.lastTS = r.SourceTimestamp
}

// QueryReviews returns reviews after cursor in ingestion order.
func (s *ReviewStore) QueryReviews(
	_ context.Context,
	productID, domain, cursor string,
	limit int,
) (scraper.ReviewPage, error) {
	pos, err := scraper.DecodeCursor(cursor)
	if err != nil {
		return scraper.ReviewPage{}, err
	}
	limit = scraper.ClampLimit(limit)

	p := s.partition(partitionKey{productID: productID, domain: domain}, false)
	if p == nil {
		return scraper.ReviewPage{Reviews: []scraper.Review{}}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := sort.Search(len(p.order), func(i int) bool {
		stored := p.reviews[p.order[i]]
		return pos.After(stored.seq, stored.review.ReviewID)
	})
	end := start + limit
	if end > len(p.order) {
		end = len(p.order)
	}
	page := scraper.ReviewPage{Reviews: make([]scraper.Review, 0, end-start)}
	for _, id := range p.order[start:end] {
		page.Reviews = append(page.Reviews, p.reviews[id].review)
	}
	if end < len(p.order) {
		last := p.reviews[p.order[end-1]]
		page.NextCursor = scraper.EncodeCursor(scraper.Cursor{Seq: last.seq, ReviewID: last.review.ReviewID})
	}
	return page, nil
}

// QueryStats returns the aggregate for one product/domain.
func (s *ReviewStore) QueryStats(_ context.Context, productID, domain string) (scraper.ReviewStats, error) {
	p := s.partition(partitionKey{productID: productID, domain: domain}, false)
	if p == nil {
		return scraper.ReviewStats{}, statsNotFound(productID, domain)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	count, avg := scraper.Summarize(p.histogram)
	if count == 0 {
		return scraper.ReviewStats{}, statsNotFound(productID, domain)
	}
	return scraper.ReviewStats{
		ProductID:           productID,
		Domain:              domain,
		ReviewCount:         count,
		AverageRating:       avg,
		Histogram:           p.histogram,
		LastSourceTimestamp: p.lastTS,
		ComputedAt:          p.computed,
	}, nil
}

func (s *ReviewStore) partition(key partitionKey, create bool) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[key]
	if !ok && create {
		p = &partition{reviews: make(map[string]storedReview)}
		s.partitions[key] = p
	}
	return p
}

func statsNotFound(productID, domain string) error {
	return fmt.Errorf("no reviews stored for %s/%s: %w", productID, domain, scraper.ErrNotFound)
}
