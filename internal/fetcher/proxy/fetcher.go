// Package proxy implements the paid scraping-proxy acquisition strategy.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/review-harvester/internal/fetcher"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// DefaultBaseURL is the realtime query endpoint.
const DefaultBaseURL = "https://realtime.oxylabs.io/v1/queries"

// Config controls the proxy client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// URLBuilder produces the marketplace URL the proxy is asked to scrape.
	URLBuilder func(productID, domain string, page int) (string, error)
}

// Fetcher implements scraper.Fetcher against a realtime scraping API.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type queryContext struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type query struct {
	Source  string         `json:"source"`
	URL     string         `json:"url"`
	Parse   bool           `json:"parse"`
	Context []queryContext `json:"context"`
}

// New builds a Fetcher. Missing credentials are reported by Ready, not here.
func New(cfg Config) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.URLBuilder == nil {
		cfg.URLBuilder = scraper.ReviewsURL
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: fetcher.NewCollector(),
	}
}

// Ready reports whether the fetcher has the credentials it needs.
func (f *Fetcher) Ready() error {
	if f.cfg.Username == "" || f.cfg.Password == "" {
		return fmt.Errorf("proxy credentials are not configured: %w", scraper.ErrConfiguration)
	}
	return nil
}

// FetchPage asks the proxy to scrape and parse one review listing page.
func (f *Fetcher) FetchPage(ctx context.Context, req scraper.PageRequest) (scraper.RawPage, error) {
	if err := f.Ready(); err != nil {
		return scraper.RawPage{}, err
	}
	page, err := scraper.PageNumber(req.Cursor)
	if err != nil {
		return scraper.RawPage{}, err
	}
	target, err := f.cfg.URLBuilder(req.ProductID, req.Domain, page)
	if err != nil {
		return scraper.RawPage{}, fmt.Errorf("build reviews url: %w", err)
	}
	body, err := json.Marshal(query{
		Source:  "amazon",
		URL:     target,
		Parse:   true,
		Context: []queryContext{{Key: "autoparse", Value: true}},
	})
	if err != nil {
		return scraper.RawPage{}, fmt.Errorf("marshal proxy query: %w", err)
	}

	collector := fetcher.Prepare(f.baseCollector, f.cfg.Timeout)
	var capture fetcher.Capture
	capture.Attach(collector)

	start := time.Now()
	visit := func() error {
		return collector.Request(http.MethodPost, f.cfg.BaseURL, bytes.NewReader(body), nil, f.headers())
	}
	if err := fetcher.Run(ctx, &capture, visit); err != nil {
		return scraper.RawPage{}, err
	}
	raw, err := capture.Result(target, scraper.StrategyProxy, time.Since(start))
	if err != nil {
		return scraper.RawPage{}, fmt.Errorf("proxy query for %s: %w", target, err)
	}
	return raw, nil
}

func (f *Fetcher) headers() http.Header {
	token := base64.StdEncoding.EncodeToString([]byte(f.cfg.Username + ":" + f.cfg.Password))
	return http.Header{
		"Content-Type":  []string{"application/json"},
		"Authorization": []string{"Basic " + token},
	}
}
