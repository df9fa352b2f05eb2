package scraper

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DefaultDomain is used when a request omits the marketplace locale.
const DefaultDomain = "com"

var marketplaces = map[string]string{
	"com":    "https://www.amazon.com",
	"co.uk":  "https://www.amazon.co.uk",
	"de":     "https://www.amazon.de",
	"fr":     "https://www.amazon.fr",
	"es":     "https://www.amazon.es",
	"it":     "https://www.amazon.it",
	"nl":     "https://www.amazon.nl",
	"ca":     "https://www.amazon.ca",
	"com.au": "https://www.amazon.com.au",
	"co.jp":  "https://www.amazon.co.jp",
	"in":     "https://www.amazon.in",
	"com.br": "https://www.amazon.com.br",
	"com.mx": "https://www.amazon.com.mx",
}

// NormalizeDomain lowercases and trims a marketplace locale, defaulting to DefaultDomain.
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return DefaultDomain
	}
	return domain
}

// SupportedDomain reports whether domain is a known marketplace locale.
func SupportedDomain(domain string) bool {
	_, ok := marketplaces[domain]
	return ok
}

// SupportedDomains lists the known marketplace locales in sorted order.
func SupportedDomains() []string {
	out := make([]string, 0, len(marketplaces))
	for d := range marketplaces {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// MarketplaceHost returns the host used as the rate-limit key for a domain.
func MarketplaceHost(domain string) string {
	base, ok := marketplaces[domain]
	if !ok {
		return "unknown"
	}
	return strings.TrimPrefix(base, "https://")
}

// ReviewsURL builds the listing URL for one page of a product's reviews.
func ReviewsURL(productID, domain string, page int) (string, error) {
	base, ok := marketplaces[domain]
	if !ok {
		return "", fmt.Errorf("unsupported domain %q: %w", domain, ErrInvalidRequest)
	}
	if page < 1 {
		page = 1
	}
	return fmt.Sprintf("%s/product-reviews/%s?pageNumber=%d", base, url.PathEscape(productID), page), nil
}

// PageNumber interprets a source cursor as a 1-based page number.
func PageNumber(cursor string) (int, error) {
	if cursor == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("page cursor %q: %w", cursor, ErrInvalidCursor)
	}
	return n, nil
}

// NextPageCursor returns the source cursor following page.
func NextPageCursor(page int) string {
	return strconv.Itoa(page + 1)
}
