// Package proxyjson decodes the structured review payload returned by the scraping proxy.
package proxyjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type response struct {
	Results *[]result `json:"results"`
}

type result struct {
	Content json.RawMessage `json:"content"`
}

type content struct {
	Reviews         []review   `json:"reviews"`
	CustomerReviews []review   `json:"customer_reviews"`
	Pagination      pagination `json:"pagination"`
}

type pagination struct {
	HasNext bool `json:"has_next"`
}

type review struct {
	ID               string          `json:"id"`
	Author           string          `json:"author"`
	Title            string          `json:"title"`
	Content          string          `json:"content"`
	Rating           json.RawMessage `json:"rating"`
	VerifiedPurchase *bool           `json:"verified_purchase"`
	ProductVariant   string          `json:"product_variant"`
	Date             string          `json:"date"`
}

// Parser implements scraper.PageParser for proxy JSON responses.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse decodes the first result of a proxy response. Records with an unusable
// rating are passed through with a zero rating so the store rejects them.
func (p *Parser) Parse(page scraper.RawPage, req scraper.PageRequest) (scraper.ParsedPage, error) {
	pageNumber, err := scraper.PageNumber(req.Cursor)
	if err != nil {
		return scraper.ParsedPage{}, err
	}
	var resp response
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return scraper.ParsedPage{}, fmt.Errorf("decode proxy response: %v: %w", err, scraper.ErrParseIncomplete)
	}
	if resp.Results == nil {
		return scraper.ParsedPage{}, fmt.Errorf("proxy response has no results field: %w", scraper.ErrParseIncomplete)
	}
	if len(*resp.Results) == 0 {
		return scraper.ParsedPage{}, nil
	}

	body, hasNext, err := decodeContent((*resp.Results)[0].Content)
	if err != nil {
		return scraper.ParsedPage{}, err
	}

	out := scraper.ParsedPage{Reviews: make([]scraper.Review, 0, len(body))}
	for _, r := range body {
		out.Reviews = append(out.Reviews, r.toReview(req))
	}
	if hasNext && len(out.Reviews) > 0 {
		out.NextCursor = scraper.NextPageCursor(pageNumber)
	}
	return out, nil
}

func decodeContent(raw json.RawMessage) ([]review, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}
	if raw[0] == '[' {
		var list []review
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, false, fmt.Errorf("decode review list: %v: %w", err, scraper.ErrParseIncomplete)
		}
		return list, false, nil
	}
	var c content
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, fmt.Errorf("decode review content: %v: %w", err, scraper.ErrParseIncomplete)
	}
	if len(c.Reviews) > 0 {
		return c.Reviews, c.Pagination.HasNext, nil
	}
	return c.CustomerReviews, c.Pagination.HasNext, nil
}

func (r review) toReview(req scraper.PageRequest) scraper.Review {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = scraper.DeriveReviewID(req.ProductID, req.Domain, r.Author, r.Title, r.Content)
	}
	return scraper.NormalizeReview(scraper.Review{
		ReviewID:          id,
		ProductID:         req.ProductID,
		Domain:            req.Domain,
		Author:            r.Author,
		Title:             r.Title,
		Body:              r.Content,
		Rating:            parseRating(r.Rating),
		Verified:          r.VerifiedPurchase,
		ProductAttributes: r.ProductVariant,
		SourceTimestamp:   r.Date,
	})
}

// parseRating accepts numbers and numeric strings. Fractional ratings map to zero.
func parseRating(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0
	}
	return int(f)
}
