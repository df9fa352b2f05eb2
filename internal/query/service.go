// Package query serves review listings and statistics through the TTL cache.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/metrics"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// DefaultTTL matches the cache lifetime used when none is configured.
const DefaultTTL = 900 * time.Second

// ReviewQuery selects one page of a product's stored reviews.
type ReviewQuery struct {
	ProductID string
	Domain    string
	Cursor    string
	Limit     int
}

// Result is a serialized payload and whether it came from the cache.
type Result struct {
	Payload    []byte
	CacheHit   bool
	NextCursor string
}

// Service reads through the cache to the review store.
type Service struct {
	store  scraper.ReviewStore
	cache  scraper.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// New wires a Service. A nil cache disables caching.
func New(store scraper.ReviewStore, cache scraper.Cache, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cache: cache, ttl: ttl, logger: logger}
}

type reviewsPayload struct {
	ProductID  string           `json:"product_id"`
	Domain     string           `json:"domain"`
	Reviews    []scraper.Review `json:"reviews"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Reviews returns one page of reviews as JSON.
func (s *Service) Reviews(ctx context.Context, q ReviewQuery) (Result, error) {
	q.ProductID = strings.TrimSpace(q.ProductID)
	if q.ProductID == "" {
		return Result{}, fmt.Errorf("product_id is required: %w", scraper.ErrInvalidRequest)
	}
	q.Domain = scraper.NormalizeDomain(q.Domain)
	q.Limit = scraper.ClampLimit(q.Limit)
	if _, err := scraper.DecodeCursor(q.Cursor); err != nil {
		return Result{}, err
	}

	key := ReviewsKey(q)
	if payload, ok := s.lookup(ctx, "reviews", key); ok {
		var cached reviewsPayload
		if err := json.Unmarshal(payload, &cached); err == nil {
			return Result{Payload: payload, CacheHit: true, NextCursor: cached.NextCursor}, nil
		}
	}

	page, err := s.store.QueryReviews(ctx, q.ProductID, q.Domain, q.Cursor, q.Limit)
	if err != nil {
		return Result{}, fmt.Errorf("query reviews: %w", err)
	}
	if page.Reviews == nil {
		page.Reviews = []scraper.Review{}
	}
	payload, err := json.Marshal(reviewsPayload{
		ProductID:  q.ProductID,
		Domain:     q.Domain,
		Reviews:    page.Reviews,
		NextCursor: page.NextCursor,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal reviews: %w", err)
	}
	s.remember(ctx, key, payload)
	return Result{Payload: payload, NextCursor: page.NextCursor}, nil
}

// Stats returns the aggregate statistics for a product as JSON.
func (s *Service) Stats(ctx context.Context, productID, domain string) (Result, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Result{}, fmt.Errorf("product_id is required: %w", scraper.ErrInvalidRequest)
	}
	domain = scraper.NormalizeDomain(domain)

	key := StatsKey(productID, domain)
	if payload, ok := s.lookup(ctx, "stats", key); ok {
		return Result{Payload: payload, CacheHit: true}, nil
	}

	stats, err := s.store.QueryStats(ctx, productID, domain)
	if err != nil {
		if errors.Is(err, scraper.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("query stats: %w", err)
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return Result{}, fmt.Errorf("marshal stats: %w", err)
	}
	s.remember(ctx, key, payload)
	return Result{Payload: payload}, nil
}

// ReviewsKey is the canonical cache key for a listing query.
func ReviewsKey(q ReviewQuery) string {
	cursor := q.Cursor
	if cursor == "" {
		cursor = "start"
	}
	return fmt.Sprintf("reviews:%s:%s:%d:%s", q.Domain, q.ProductID, q.Limit, cursor)
}

// StatsKey is the canonical cache key for a stats query.
func StatsKey(productID, domain string) string {
	return fmt.Sprintf("stats:%s:%s", domain, productID)
}

func (s *Service) lookup(ctx context.Context, kind, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	payload, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed; falling back to store", zap.String("key", key), zap.Error(err))
		ok = false
	}
	metrics.ObserveCache(kind, ok)
	return payload, ok
}

func (s *Service) remember(ctx context.Context, key string, payload []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, key, payload, s.ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
