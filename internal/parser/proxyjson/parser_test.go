package proxyjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

func TestParse_ReviewsWithPagination(t *testing.T) {
	t.Parallel()

	body := `{"results":[{"content":{
		"reviews":[
			{"id":"R100","author":"Sam","title":"Good","content":"Nice","rating":4,"verified_purchase":true,"product_variant":"Size: L","date":"Jan 1, 2024"},
			{"author":"","title":"Odd","content":"x","rating":"3.5"}
		],
		"pagination":{"has_next":true}}}]}`
	req := scraper.PageRequest{ProductID: "B0TEST", Domain: "co.uk", Cursor: "2"}
	parsed, err := New().Parse(scraper.RawPage{Body: []byte(body)}, req)
	require.NoError(t, err)
	require.Equal(t, "3", parsed.NextCursor)
	require.Len(t, parsed.Reviews, 2)

	first := parsed.Reviews[0]
	require.Equal(t, "R100", first.ReviewID)
	require.Equal(t, "co.uk", first.Domain)
	require.Equal(t, 4, first.Rating)
	require.True(t, *first.Verified)
	require.Equal(t, "Size: L", first.ProductAttributes)
	require.Equal(t, "Jan 1, 2024", first.SourceTimestamp)

	second := parsed.Reviews[1]
	require.Equal(t, scraper.AnonymousAuthor, second.Author)
	require.Zero(t, second.Rating)
	require.Nil(t, second.Verified)
	require.Regexp(t, `^R[0-9A-F]{10}$`, second.ReviewID)
}

func TestParse_CustomerReviewsLastPage(t *testing.T) {
	t.Parallel()

	body := `{"results":[{"content":{"customer_reviews":[{"id":"R1","rating":5.0}]}}]}`
	parsed, err := New().Parse(scraper.RawPage{Body: []byte(body)}, scraper.PageRequest{ProductID: "P", Domain: "com"})
	require.NoError(t, err)
	require.True(t, parsed.Done())
	require.Len(t, parsed.Reviews, 1)
	require.Equal(t, 5, parsed.Reviews[0].Rating)
}

func TestParse_ContentList(t *testing.T) {
	t.Parallel()

	body := `{"results":[{"content":[{"id":"R1","rating":1},{"id":"R2","rating":2}]}]}`
	parsed, err := New().Parse(scraper.RawPage{Body: []byte(body)}, scraper.PageRequest{ProductID: "P", Domain: "com"})
	require.NoError(t, err)
	require.Len(t, parsed.Reviews, 2)
	require.True(t, parsed.Done())
}

func TestParse_EmptyResultsIsDone(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"results":[]}`, `{"results":[{"content":{"reviews":[],"pagination":{"has_next":true}}}]}`} {
		parsed, err := New().Parse(scraper.RawPage{Body: []byte(body)}, scraper.PageRequest{ProductID: "P", Domain: "com"})
		require.NoError(t, err)
		require.True(t, parsed.Done())
		require.Empty(t, parsed.Reviews)
	}
}

func TestParse_MalformedIsIncomplete(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`<html>`, `{"status":"pending"}`, `{"results":[{"content":{"reviews":"nope"}}]}`} {
		_, err := New().Parse(scraper.RawPage{Body: []byte(body)}, scraper.PageRequest{ProductID: "P", Domain: "com"})
		require.ErrorIs(t, err, scraper.ErrParseIncomplete, body)
	}
}

func TestParseRating(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		`5`:     5,
		`"4"`:   4,
		`3.0`:   3,
		`2.5`:   0,
		`null`:  0,
		`"abc"`: 0,
		``:      0,
	}
	for in, want := range cases {
		require.Equal(t, want, parseRating(json.RawMessage(in)), in)
	}
}
