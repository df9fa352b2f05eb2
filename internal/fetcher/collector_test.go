package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }

func (s *stubHooks) OnError(cb colly.ErrorCallback) { s.onError = cb }

func TestCaptureAttach(t *testing.T) {
	t.Parallel()

	var capture Capture
	hooks := &stubHooks{}
	capture.Attach(hooks)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
	})
	page, err := capture.Result("https://example.com", scraper.StrategyFree, time.Second)
	require.NoError(t, err)
	require.Equal(t, "body", string(page.Body))
	require.Equal(t, "text/html", page.ContentType)
	require.Equal(t, time.Second, page.Duration)

	hooks.onError(&colly.Response{StatusCode: http.StatusServiceUnavailable}, errors.New("Service Unavailable"))
	_, err = capture.Result("https://example.com", scraper.StrategyFree, time.Second)
	require.ErrorIs(t, err, scraper.ErrTransientFetch)
}

func TestCaptureResult_Non2xxWithoutError(t *testing.T) {
	t.Parallel()

	capture := Capture{StatusCode: http.StatusNotFound}
	_, err := capture.Result("u", scraper.StrategyFree, 0)
	require.ErrorIs(t, err, scraper.ErrFatalFetch)
}

func TestRun_RecordsVisitError(t *testing.T) {
	t.Parallel()

	var capture Capture
	err := Run(context.Background(), &capture, func() error { return errors.New("dial failed") })
	require.NoError(t, err)
	require.EqualError(t, capture.Err, "dial failed")
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)

	err := Run(ctx, &Capture{}, func() error {
		<-block
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	c := Prepare(NewCollector(), 0)
	require.True(t, c.AllowURLRevisit)
}
