// Package fetcher holds the colly plumbing shared by the acquisition strategies.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

// DefaultTimeout applies when a strategy does not configure one.
const DefaultTimeout = 30 * time.Second

// Hooks is the subset of *colly.Collector used to observe a request.
type Hooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Capture accumulates what a single collector run produced.
type Capture struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Err         error
}

// Attach wires response and error callbacks into c.
func (c *Capture) Attach(hooks Hooks) {
	hooks.OnResponse(func(r *colly.Response) {
		c.StatusCode = r.StatusCode
		c.Body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			c.ContentType = r.Headers.Get("Content-Type")
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			c.StatusCode = r.StatusCode
			if len(r.Body) > 0 {
				c.Body = append([]byte(nil), r.Body...)
			}
		}
		c.Err = err
	})
}

// Result converts the capture into a RawPage or a classified error.
func (c *Capture) Result(url string, strategy scraper.Strategy, elapsed time.Duration) (scraper.RawPage, error) {
	if c.Err != nil || scraper.ClassifyStatus(c.StatusCode) != nil {
		return scraper.RawPage{}, scraper.NewFetchError(url, c.StatusCode, c.Err)
	}
	return scraper.RawPage{
		URL:         url,
		StatusCode:  c.StatusCode,
		Body:        c.Body,
		ContentType: c.ContentType,
		Duration:    elapsed,
		Strategy:    strategy,
	}, nil
}

// Run executes visit on its own goroutine so ctx cancellation returns promptly.
// Errors from visit are recorded on the capture rather than returned.
func Run(ctx context.Context, capture *Capture, visit func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && capture.Err == nil {
			capture.Err = err
		}
		return nil
	}
}

// NewCollector returns a synchronous base collector meant to be cloned per request.
func NewCollector() *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(NewTransport())
	return c
}

// Prepare clones base for a single request.
func Prepare(base *colly.Collector, timeout time.Duration) *colly.Collector {
	collector := base.Clone()
	collector.AllowURLRevisit = true
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

// NewTransport builds a pooled transport for collectors.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
