package free

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/policy/retry"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

func builderFor(srv *httptest.Server) URLBuilder {
	return func(productID, _ string, page int) (string, error) {
		return fmt.Sprintf("%s/product-reviews/%s?pageNumber=%d", srv.URL, productID, page), nil
	}
}

func TestFetchPage_ReturnsBodyAndRotatesAgents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		agents []string
		pages  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		agents = append(agents, r.UserAgent())
		pages = append(pages, r.URL.Query().Get("pageNumber"))
		mu.Unlock()
		assert.Equal(t, "en-US,en;q=0.5", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>reviews</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgents: []string{"ua-a", "ua-b"}, Timeout: time.Second, URLBuilder: builderFor(srv)})
	req := scraper.PageRequest{ProductID: "B0TEST", Domain: "com"}

	page, err := f.FetchPage(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "<html>reviews</html>", string(page.Body))
	require.Equal(t, scraper.StrategyFree, page.Strategy)
	require.Contains(t, page.ContentType, "text/html")

	req.Cursor = "2"
	_, err = f.FetchPage(context.Background(), req)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ua-a", "ua-b"}, agents)
	require.Equal(t, []string{"1", "2"}, pages)
}

func TestFetchPage_RefetchesSameURL(t *testing.T) {
	t.Parallel()

	hits := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{URLBuilder: builderFor(srv)})
	req := scraper.PageRequest{ProductID: "B0TEST", Domain: "com"}
	for i := 0; i < 3; i++ {
		_, err := f.FetchPage(context.Background(), req)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, hits)
}

func TestFetchPage_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusServiceUnavailable, scraper.ErrTransientFetch},
		{http.StatusTooManyRequests, scraper.ErrTransientFetch},
		{http.StatusNotFound, scraper.ErrFatalFetch},
		{http.StatusForbidden, scraper.ErrFatalFetch},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			f := New(Config{URLBuilder: builderFor(srv)})
			_, err := f.FetchPage(context.Background(), scraper.PageRequest{ProductID: "B0TEST", Domain: "com"})
			require.ErrorIs(t, err, tc.kind)

			var fetchErr *scraper.FetchError
			require.ErrorAs(t, err, &fetchErr)
			require.Equal(t, tc.status, fetchErr.StatusCode)
		})
	}
}

func TestFetchPage_ConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	builder := builderFor(srv)
	srv.Close()

	f := New(Config{URLBuilder: builder, Timeout: time.Second})
	_, err := f.FetchPage(context.Background(), scraper.PageRequest{ProductID: "B0TEST", Domain: "com"})
	require.ErrorIs(t, err, scraper.ErrTransientFetch)
}

func TestFetchPage_CancelReturnsPromptly(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{URLBuilder: builderFor(srv), Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.FetchPage(ctx, scraper.PageRequest{ProductID: "B0TEST", Domain: "com"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, scraper.Retryable(err))
	require.Less(t, time.Since(start), time.Second)
}

func TestFetchPage_RequestTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{URLBuilder: builderFor(srv), Timeout: 50 * time.Millisecond})
	policy := retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	attempts, err := policy.Execute(context.Background(), func(ctx context.Context, _ int) error {
		_, err := f.FetchPage(ctx, scraper.PageRequest{ProductID: "B0TEST", Domain: "com"})
		return err
	})
	require.Equal(t, 3, attempts)
	require.EqualValues(t, 3, hits.Load())
	require.ErrorIs(t, err, scraper.ErrRetriesExhausted)
	require.ErrorIs(t, err, scraper.ErrTransientFetch)
}

func TestFetchPage_RejectsBadInput(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.FetchPage(context.Background(), scraper.PageRequest{ProductID: "B0TEST", Domain: "com", Cursor: "zero"})
	require.ErrorIs(t, err, scraper.ErrInvalidCursor)

	_, err = f.FetchPage(context.Background(), scraper.PageRequest{ProductID: "B0TEST", Domain: "example"})
	require.ErrorIs(t, err, scraper.ErrInvalidRequest)
}

func TestSetBrowserHeaders(t *testing.T) {
	t.Parallel()

	r := &colly.Request{}
	setBrowserHeaders(r)
	require.Contains(t, r.Headers.Get("Accept"), "text/html")
	require.Equal(t, "1", r.Headers.Get("Upgrade-Insecure-Requests"))
}
