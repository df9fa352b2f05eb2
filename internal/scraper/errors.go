package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Concrete errors wrap one of these so callers can use errors.Is.
var (
	ErrTransientFetch    = errors.New("transient fetch error")
	ErrFatalFetch        = errors.New("fatal fetch error")
	ErrParseIncomplete   = errors.New("parse incomplete")
	ErrValidation        = errors.New("validation error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrConfiguration     = errors.New("configuration error")
	ErrRetriesExhausted  = errors.New("retries exhausted")

	ErrNotFound        = errors.New("not found")
	ErrInvalidCursor   = errors.New("invalid cursor")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrJobNotClaimable = errors.New("job not claimable")
	ErrJobExists       = errors.New("job already exists")
	ErrJobFinished     = errors.New("job already finished")
	ErrQueueClosed     = errors.New("queue closed")
)

// FetchError describes a failed fetch with enough detail to classify it.
type FetchError struct {
	Kind       error
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewFetchError builds a FetchError whose kind is derived from the HTTP status.
// A zero status means the request never produced a response and is treated as transient.
func NewFetchError(url string, status int, cause error) *FetchError {
	kind := ClassifyStatus(status)
	if kind == nil {
		kind = ErrTransientFetch
	}
	return &FetchError{Kind: kind, StatusCode: status, URL: url, Err: cause}
}

// ClassifyStatus maps an upstream HTTP status to an error kind. It returns nil for success.
func ClassifyStatus(status int) error {
	switch {
	case status == 0:
		return ErrTransientFetch
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ErrTransientFetch
	default:
		// 400, 401, 403, 404, 422 and everything else in 3xx/4xx
		return ErrFatalFetch
	}
}

// Retryable reports whether err should be retried. ParseIncomplete is retryable here;
// the retry policy limits it to a single retry. Error kinds are checked before the
// context sentinels because a client-side request timeout also matches
// context.DeadlineExceeded; caller cancellation is decided from the caller's ctx.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrFatalFetch),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidCursor),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrJobNotClaimable),
		errors.Is(err, ErrJobFinished):
		return false
	case errors.Is(err, ErrTransientFetch),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrParseIncomplete):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	// network errors and unknown failures (store hiccups) get the transient treatment
	return true
}
