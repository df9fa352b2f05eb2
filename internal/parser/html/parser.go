// Package html extracts reviews from marketplace review listing markup.
package html

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-harvester/internal/scraper"
)

const (
	reviewSelector         = `div[data-hook="review"]`
	fallbackReviewSelector = "div.review"
	reviewListSelector     = "#cm_cr-review_list"
	nextPageSelector       = "li.a-last"
)

var (
	starClass  = regexp.MustCompile(`a-star-(\d)\b`)
	outOfStars = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s+out of`)
)

// Parser implements scraper.PageParser for HTML review listings.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts every review container on the page. A page with no containers is
// treated as the end of the listing when the review list is present and as an
// incomplete parse otherwise.
func (p *Parser) Parse(page scraper.RawPage, req scraper.PageRequest) (scraper.ParsedPage, error) {
	pageNumber, err := scraper.PageNumber(req.Cursor)
	if err != nil {
		return scraper.ParsedPage{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return scraper.ParsedPage{}, fmt.Errorf("parse html: %w", err)
	}

	containers := doc.Find(reviewSelector)
	if containers.Length() == 0 {
		containers = doc.Find(fallbackReviewSelector)
	}
	if containers.Length() == 0 {
		if doc.Find(reviewListSelector).Length() > 0 {
			return scraper.ParsedPage{}, nil
		}
		return scraper.ParsedPage{}, fmt.Errorf("no review containers on %s: %w", page.URL, scraper.ErrParseIncomplete)
	}

	reviews := make([]scraper.Review, 0, containers.Length())
	containers.Each(func(_ int, s *goquery.Selection) {
		reviews = append(reviews, extractReview(s, req))
	})

	out := scraper.ParsedPage{Reviews: reviews}
	if hasNextPage(doc) {
		out.NextCursor = scraper.NextPageCursor(pageNumber)
	}
	return out, nil
}

func extractReview(s *goquery.Selection, req scraper.PageRequest) scraper.Review {
	verified := strings.Contains(text(s, `[data-hook="avp-badge"]`), "Verified Purchase")
	review := scraper.Review{
		ProductID:         req.ProductID,
		Domain:            req.Domain,
		Author:            text(s, ".a-profile-name"),
		Title:             reviewTitle(s),
		Body:              text(s, `[data-hook="review-body"]`),
		Rating:            rating(s),
		Verified:          &verified,
		ProductAttributes: text(s, `[data-hook="format-strip"]`),
		SourceTimestamp:   text(s, `[data-hook="review-date"]`),
	}
	if id, ok := s.Attr("id"); ok && strings.TrimSpace(id) != "" {
		review.ReviewID = strings.TrimSpace(id)
	} else {
		outer, _ := goquery.OuterHtml(s)
		review.ReviewID = scraper.DeriveReviewID(req.ProductID, req.Domain, outer)
	}
	return scraper.NormalizeReview(review)
}

// reviewTitle drops the star-rating prefix some locales render inside the title link.
func reviewTitle(s *goquery.Selection) string {
	title := s.Find(`[data-hook="review-title"]`).First().Clone()
	title.Find(".a-icon-alt, i").Remove()
	return strings.TrimSpace(title.Text())
}

func rating(s *goquery.Selection) int {
	star := s.Find(`[data-hook="review-star-rating"], [data-hook="cmps-review-star-rating"], i[class*="a-star-"]`).First()
	if class, ok := star.Attr("class"); ok {
		if m := starClass.FindStringSubmatch(class); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	m := outOfStars.FindStringSubmatch(s.Find(".a-icon-alt").First().Text())
	if m == nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil || f != float64(int(f)) {
		return 0
	}
	return int(f)
}

func hasNextPage(doc *goquery.Document) bool {
	next := doc.Find(nextPageSelector).First()
	return next.Length() > 0 && !next.HasClass("a-disabled")
}

func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}
