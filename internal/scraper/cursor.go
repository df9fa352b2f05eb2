package scraper

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Listing limits for review pagination.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Cursor is the decoded position of a review listing: the last-seen ingestion
// sequence and review id. Listings are ordered by (Seq, ReviewID).
type Cursor struct {
	Seq      int64  `json:"s"`
	ReviewID string `json:"id"`
}

// IsZero reports whether the cursor points at the start of a listing.
func (c Cursor) IsZero() bool {
	return c.Seq == 0 && c.ReviewID == ""
}

// After reports whether (seq, id) sorts strictly after the cursor.
func (c Cursor) After(seq int64, id string) bool {
	if seq != c.Seq {
		return seq > c.Seq
	}
	return id > c.ReviewID
}

// EncodeCursor renders c as an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw, err := json.Marshal(c)
	if err != nil {
		// a struct of an int and a string always marshals
		panic(fmt.Sprintf("marshal cursor: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token is the start.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", ErrInvalidCursor)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("unmarshal cursor: %w", ErrInvalidCursor)
	}
	if c.Seq <= 0 || c.ReviewID == "" {
		return Cursor{}, fmt.Errorf("cursor position out of range: %w", ErrInvalidCursor)
	}
	return c, nil
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}
