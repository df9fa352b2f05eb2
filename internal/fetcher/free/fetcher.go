// Package free implements the best-effort direct fetch strategy.
package free

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/review-harvester/internal/fetcher"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// DefaultUserAgents rotate across requests when none are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// URLBuilder maps a product page to the URL that serves it.
type URLBuilder func(productID, domain string, page int) (string, error)

// Config controls the direct fetcher.
type Config struct {
	UserAgents []string
	Timeout    time.Duration
	// URLBuilder defaults to scraper.ReviewsURL.
	URLBuilder URLBuilder
}

// Fetcher implements scraper.Fetcher with plain GET requests.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	next          atomic.Uint64
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents
	}
	if cfg.URLBuilder == nil {
		cfg.URLBuilder = scraper.ReviewsURL
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: fetcher.NewCollector(),
	}
}

// FetchPage downloads the review listing page addressed by req.Cursor.
func (f *Fetcher) FetchPage(ctx context.Context, req scraper.PageRequest) (scraper.RawPage, error) {
	page, err := scraper.PageNumber(req.Cursor)
	if err != nil {
		return scraper.RawPage{}, err
	}
	target, err := f.cfg.URLBuilder(req.ProductID, req.Domain, page)
	if err != nil {
		return scraper.RawPage{}, fmt.Errorf("build reviews url: %w", err)
	}

	collector := fetcher.Prepare(f.baseCollector, f.cfg.Timeout)
	collector.UserAgent = f.userAgent()
	collector.OnRequest(setBrowserHeaders)

	var capture fetcher.Capture
	capture.Attach(collector)

	start := time.Now()
	if err := fetcher.Run(ctx, &capture, func() error { return collector.Visit(target) }); err != nil {
		return scraper.RawPage{}, err
	}
	return capture.Result(target, scraper.StrategyFree, time.Since(start))
}

func (f *Fetcher) userAgent() string {
	n := f.next.Add(1) - 1
	return f.cfg.UserAgents[n%uint64(len(f.cfg.UserAgents))]
}

func setBrowserHeaders(r *colly.Request) {
	if r.Headers == nil {
		r.Headers = &http.Header{}
	}
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
	r.Headers.Set("Connection", "keep-alive")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
}
